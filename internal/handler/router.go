package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/vibeplan/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	StatusRecorder    middleware.StatusRecorder

	// プランニング
	PlannerService PlannerServiceInterface

	// 運用
	Health         HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → CORS → SecurityHeaders
//
// /health と /metrics はAPIルートと同じチェーンを通る。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusRecorder))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	plannerHandler := NewPlannerHandler(deps.PlannerService)

	// 運用エンドポイント
	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", NewHealthHandler(deps.Health))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// セッション
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", plannerHandler.CreateSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/invite", plannerHandler.GetInviteInfo)
			r.Get("/status", plannerHandler.GetSnapshot)

			r.Route("/participants/{pid}", func(r chi.Router) {
				r.Post("/swiping", plannerHandler.MarkSwiping)
				r.Post("/preferences", plannerHandler.SubmitPreferences)
			})
		})
	})

	// 招待
	r.Route("/api/invites/{token}", func(r chi.Router) {
		r.Get("/", plannerHandler.ResolveInvite)
		r.Post("/join", plannerHandler.JoinByToken)
	})

	return r
}
