package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/vibeplan/internal/config"
	"github.com/hitoshi/vibeplan/internal/database"
	"github.com/hitoshi/vibeplan/internal/logger"
	"github.com/hitoshi/vibeplan/internal/metrics"
	"github.com/hitoshi/vibeplan/internal/model"
	"github.com/hitoshi/vibeplan/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envファイル（ENV_FILEで変更可）と環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// 返されたio.Closerはログファイルを閉じるために呼び出し側でCloseすること。
func Init(w io.Writer) (*config.Config, io.Closer, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルと環境変数から設定を読み込む
	if err := config.LoadEnvFile(os.Getenv("ENV_FILE")); err != nil {
		return nil, nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に従ってログを再構成する
	l, closer, err := logger.New(w, logger.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogRetentionDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	slog.SetDefault(l)

	return cfg, closer, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, closer, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer closer.Close()

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := buildAPI(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	// インメモリストアは他プロセスから参照できないため、APIプロセス内でクリーンアップする
	if a.cleanup != nil {
		wg.Go(func() {
			a.cleanup.Start(ctx, cfg.CleanupInterval)
		})
	}

	listener, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("API server starting",
		slog.String("addr", listener.Addr().String()),
		slog.String("backend", a.store.Backend()),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	err = server.Shutdown(shutdownCtx)
	<-serveErr
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 共有ストア（PostgreSQLまたはRedis）に接続し、期限切れセッションのクリーンアップを定期実行する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	backend, err := config.ResolveStorageBackend(cfg)
	if err != nil {
		return err
	}
	if backend == config.BackendMemory {
		return errors.New("worker requires a shared storage backend (postgres or redis)")
	}
	if cfg.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive: %s", cfg.CleanupInterval)
	}

	store, err := openStore(ctx, cfg, backend)
	if err != nil {
		return err
	}
	defer store.Close()

	slog.Info("storage connection established (worker)", slog.String("backend", backend))

	job := cleanup.NewCleanupJob(store, metrics.Nop{}, slog.Default())
	job.Retention = cfg.SessionRetention

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("retention", cfg.SessionRetention),
	)

	// クリーンアップをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションとカタログの投入を実行する。
// PostgreSQLではすべての未適用マイグレーションを順番に適用する。
// Redisではカタログの投入のみ行い、インメモリでは何もしない。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	backend, err := config.ResolveStorageBackend(cfg)
	if err != nil {
		return err
	}

	if backend == config.BackendMemory {
		slog.Info("in-memory storage selected, nothing to migrate")
		return nil
	}

	if backend == config.BackendPostgres {
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		version, err := database.RunMigrationsWithVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	}

	store, err := openStore(ctx, cfg, backend)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := seedCatalogue(ctx, cfg, func(ctx context.Context, entries []model.CatalogueEntry) error {
		sctx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
		defer cancel()
		return store.UpsertCatalogue(sctx, entries)
	})
	if err != nil {
		return err
	}
	slog.Info("catalogue seeded", slog.Int("entries", n), slog.String("backend", backend))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
