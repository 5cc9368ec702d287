package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/vibeplan/internal/catalogue"
	"github.com/hitoshi/vibeplan/internal/config"
	"github.com/hitoshi/vibeplan/internal/database"
	"github.com/hitoshi/vibeplan/internal/handler"
	"github.com/hitoshi/vibeplan/internal/metrics"
	"github.com/hitoshi/vibeplan/internal/model"
	"github.com/hitoshi/vibeplan/internal/planner"
	"github.com/hitoshi/vibeplan/internal/recommend"
	"github.com/hitoshi/vibeplan/internal/repository"
	"github.com/hitoshi/vibeplan/internal/security"
	"github.com/hitoshi/vibeplan/internal/token"
	"github.com/hitoshi/vibeplan/internal/vibe"
	"github.com/hitoshi/vibeplan/internal/worker/cleanup"
)

// api はAPIサーバーの構成要素。
type api struct {
	handler http.Handler
	store   repository.Store
	planner *planner.Service
	// cleanup はインメモリストア使用時のみ設定される。
	cleanup *cleanup.CleanupJob
}

// Close はストアの接続を解放する。
func (a *api) Close() error {
	return a.store.Close()
}

// buildAPI はストアを開き、APIサーバーの全依存関係をワイヤリングする。
func buildAPI(ctx context.Context, cfg *config.Config) (*api, error) {
	backend, err := config.ResolveStorageBackend(cfg)
	if err != nil {
		return nil, err
	}

	// 1. ストア
	if backend == config.BackendPostgres {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	store, err := openStore(ctx, cfg, backend)
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg, backend)

	// 3. セキュリティ・外部提案
	sanitizer := security.NewTextSanitizer()
	fallback, err := buildFallback(cfg, sanitizer)
	if err != nil {
		store.Close()
		return nil, err
	}

	// 4. ドメインサービス
	svc := planner.NewService(
		store,
		token.NewGenerator(),
		sanitizer,
		collector,
		slog.Default(),
		planner.Config{
			BaseURL:        cfg.BaseURL,
			SessionTTL:     cfg.SessionTTL,
			StorageTimeout: cfg.StorageTimeout,
			Fallback:       fallback,
		},
	)

	n, err := seedCatalogue(ctx, cfg, svc.SeedCatalogue)
	if err != nil {
		store.Close()
		return nil, err
	}
	slog.Info("catalogue loaded", slog.Int("entries", n))

	// 5. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		StatusRecorder:    collector,
		PlannerService:    handler.NewPlannerServiceAdapter(svc),
		Health:            store,
		MetricsHandler:    metrics.Handler(reg),
	})

	a := &api{handler: router, store: store, planner: svc}
	if backend == config.BackendMemory && cfg.CleanupInterval > 0 {
		job := cleanup.NewCleanupJob(store, collector, slog.Default())
		job.Retention = cfg.SessionRetention
		a.cleanup = job
	}
	return a, nil
}

// openStore は指定バックエンドのストアを開き、疎通を確認する。
func openStore(ctx context.Context, cfg *config.Config, backend string) (repository.Store, error) {
	switch backend {
	case config.BackendPostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig(), cfg.StorageTimeout)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(db), nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		store := repository.NewRedisStore(redis.NewClient(opts), cfg.RedisPrefix, cfg.SessionRetention)

		pingCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil

	case config.BackendMemory:
		slog.Warn("using in-memory storage; sessions are lost on restart")
		return repository.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", backend)
	}
}

// seedCatalogue はCATALOGUE_FILE（未設定時は組み込み）のカタログを投入し、件数を返す。
func seedCatalogue(ctx context.Context, cfg *config.Config, seed func(context.Context, []model.CatalogueEntry) error) (int, error) {
	entries, err := catalogue.LoadFile(cfg.CatalogueFile)
	if err != nil {
		return 0, fmt.Errorf("failed to load catalogue: %w", err)
	}
	if err := seed(ctx, entries); err != nil {
		return 0, fmt.Errorf("failed to seed catalogue: %w", err)
	}
	return len(entries), nil
}

// buildFallback は外部提案サービスのクライアントを構築する。
// RECOMMEND_FALLBACK_URLが未設定の場合はnilを返す。
func buildFallback(cfg *config.Config, sanitizer security.TextSanitizerService) (vibe.Fallback, error) {
	if cfg.RecommendFallbackURL == "" {
		return nil, nil
	}

	guard := security.NewSSRFGuard()
	if err := guard.ValidateURL(cfg.RecommendFallbackURL); err != nil {
		return nil, fmt.Errorf("invalid RECOMMEND_FALLBACK_URL: %w", err)
	}
	port, err := security.PortOf(cfg.RecommendFallbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid RECOMMEND_FALLBACK_URL: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RecommendFallbackRPS > 0 {
		burst := int(math.Max(1, math.Ceil(cfg.RecommendFallbackRPS)))
		limiter = rate.NewLimiter(rate.Limit(cfg.RecommendFallbackRPS), burst)
	}

	client := recommend.NewClient(
		guard.NewSafeClient(cfg.RecommendFallbackTimeout, port),
		cfg.RecommendFallbackURL,
		limiter,
		sanitizer,
		slog.Default(),
	)
	return client.Suggest, nil
}
