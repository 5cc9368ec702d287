package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthTimeout はヘルスチェックでのストア疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// HealthChecker はヘルスチェック対象のストア。
type HealthChecker interface {
	Backend() string
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// HealthHandler はストアの疎通を返すヘルスチェックハンドラー。
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// ServeHTTP はストアへの疎通を確認し、到達できない場合は503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.checker.Ping(ctx); err != nil {
		slog.Warn("health check failed",
			slog.String("backend", h.checker.Backend()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Backend: h.checker.Backend()})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backend: h.checker.Backend()})
}
