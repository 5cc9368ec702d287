package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストレージバックエンドの指定値
const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort string
	BaseURL    string

	// Storage
	StorageBackend string
	DatabaseURL    string
	RedisURL       string
	RedisPrefix    string
	StorageTimeout time.Duration

	// Session
	SessionTTL       time.Duration
	SessionRetention time.Duration
	CleanupInterval  time.Duration

	// Suggestions
	CatalogueFile            string
	RecommendFallbackURL     string
	RecommendFallbackTimeout time.Duration
	RecommendFallbackRPS     float64

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel         string
	LogFile          string
	LogMaxSizeMB     int
	LogMaxBackups    int
	LogRetentionDays int
}

// LoadEnvFile は.envファイルの内容を環境変数に読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.StorageBackend = strings.ToLower(getEnvString("STORAGE_BACKEND", BackendAuto))
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RedisPrefix = getEnvString("REDIS_PREFIX", "vibeplan:")
	cfg.StorageTimeout = getEnvDuration("STORAGE_TIMEOUT", 3*time.Second)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 48*time.Hour)
	cfg.SessionRetention = getEnvDuration("SESSION_RETENTION", 7*24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.CatalogueFile = getEnvString("CATALOGUE_FILE", "")
	cfg.RecommendFallbackURL = getEnvString("RECOMMEND_FALLBACK_URL", "")
	cfg.RecommendFallbackTimeout = getEnvDuration("RECOMMEND_FALLBACK_TIMEOUT", 3*time.Second)
	cfg.RecommendFallbackRPS = getEnvFloat("RECOMMEND_FALLBACK_RPS", 2)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.LogFile = getEnvString("LOG_FILE", "")
	cfg.LogMaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", 100)
	cfg.LogMaxBackups = getEnvInt("LOG_MAX_BACKUPS", 5)
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 14)

	switch cfg.StorageBackend {
	case BackendAuto, BackendPostgres, BackendRedis, BackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND: %q (expected auto, postgres, redis or memory)", cfg.StorageBackend)
	}

	if cfg.StorageTimeout <= 0 {
		return nil, fmt.Errorf("STORAGE_TIMEOUT must be positive: %s", cfg.StorageTimeout)
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive: %s", cfg.SessionTTL)
	}

	return cfg, nil
}

// ResolveStorageBackend は使用するストレージバックエンドを1つに決定する。
// autoの場合はDATABASE_URL、REDIS_URLの順に設定があるものを選び、
// どちらもなければmemoryを選ぶ。明示指定時は接続先の設定を検証する。
func ResolveStorageBackend(cfg *Config) (string, error) {
	switch cfg.StorageBackend {
	case "", BackendAuto:
		switch {
		case cfg.DatabaseURL != "":
			return BackendPostgres, nil
		case cfg.RedisURL != "":
			return BackendRedis, nil
		default:
			return BackendMemory, nil
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return "", errors.New("STORAGE_BACKEND=postgres requires DATABASE_URL")
		}
		return BackendPostgres, nil
	case BackendRedis:
		if cfg.RedisURL == "" {
			return "", errors.New("STORAGE_BACKEND=redis requires REDIS_URL")
		}
		return BackendRedis, nil
	case BackendMemory:
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
