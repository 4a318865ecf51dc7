package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yungbote/downdeck-backend/internal/data/repos/testutil"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(testutil.Logger(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Concurrency != 3 || cfg.MaxAttempts != 2 {
		t.Fatalf("queue defaults = %d/%d", cfg.Concurrency, cfg.MaxAttempts)
	}
	if !filepath.IsAbs(cfg.DataDir) || filepath.Base(cfg.DataDir) != "data" {
		t.Fatalf("data dir = %q, want absolute path ending in data", cfg.DataDir)
	}
	if cfg.TempDir != filepath.Join(cfg.DataDir, "tmp") {
		t.Fatalf("temp dir = %q", cfg.TempDir)
	}
	if cfg.ProgressThrottle != 300*time.Millisecond {
		t.Fatalf("throttle = %v", cfg.ProgressThrottle)
	}
	if cfg.YtdlpPath != "yt-dlp" {
		t.Fatalf("ytdlp path = %q", cfg.YtdlpPath)
	}
}

func TestLoadConfigThrottleClamp(t *testing.T) {
	t.Setenv("PROGRESS_THROTTLE_MS", "10")
	cfg, err := LoadConfig(testutil.Logger(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ProgressThrottle != 100*time.Millisecond {
		t.Fatalf("low throttle = %v, want 100ms floor", cfg.ProgressThrottle)
	}

	t.Setenv("PROGRESS_THROTTLE_MS", "60000")
	cfg, err = LoadConfig(testutil.Logger(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ProgressThrottle != time.Second {
		t.Fatalf("high throttle = %v, want 1s ceiling", cfg.ProgressThrottle)
	}
}

func TestLoadConfigOverlayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "port: 9999\nmax_concurrent_jobs: 7\nredis_addr: localhost:6379\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	// Env overrides the file value for the same key.
	t.Setenv("MAX_CONCURRENT_JOBS", "2")

	cfg, err := LoadConfig(testutil.Logger(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("port = %d, want overlay 9999", cfg.Port)
	}
	if cfg.Concurrency != 2 {
		t.Fatalf("concurrency = %d, want env override 2", cfg.Concurrency)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("redis addr = %q", cfg.RedisAddr)
	}
}

func TestLoadConfigOverlayMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadConfig(testutil.Logger(t)); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitList = %v", got)
	}
	if splitList("  ") != nil {
		t.Fatal("blank input should yield nil")
	}
}
