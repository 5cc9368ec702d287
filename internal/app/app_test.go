package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

// setTestEnv はインメモリストアで起動できる最小の環境変数を設定する。
func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("BASE_URL", "http://localhost:8080")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RECOMMEND_FALLBACK_URL", "")
	t.Setenv("CATALOGUE_FILE", "")
	t.Setenv("LOG_FILE", "")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("SERVER_PORT", "0")
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	cfg, closer, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer closer.Close()

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}

	// slogのグローバルロガーがJSON出力になっていること
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_RespectsLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	_, closer, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer closer.Close()

	slog.Default().Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info log should be suppressed at warn level, got %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("BASE_URL", "")
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	cfg, _, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestInit_WithInvalidLogLevel_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	if _, _, err := Init(&buf); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL, got nil")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://user:secret@db:5432/vibeplan?sslmode=disable", "postgres://user:xxxxx@db:5432/vibeplan?sslmode=disable"},
		{"postgres://db:5432/vibeplan", "postgres://db:5432/vibeplan"},
		{"not a url", "***"},
	}

	for _, tt := range tests {
		if got := maskDatabaseURL(tt.in); got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
