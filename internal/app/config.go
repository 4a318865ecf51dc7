package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/downdeck-backend/internal/platform/envutil"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// Config is resolved once at startup and threaded explicitly; nothing
// reads the environment after LoadConfig returns.
type Config struct {
	Port    int
	GinMode string
	AppEnv  string

	DatabaseURL  string
	RedisAddr    string
	RedisChannel string

	DataDir string
	TempDir string

	Concurrency      int
	MaxAttempts      int
	BackoffBase      time.Duration
	Stale            time.Duration
	ProgressThrottle time.Duration
	JobTimeout       time.Duration
	StallAfter       time.Duration

	WorkerToken    string
	APIKey         string
	AllowedOrigins []string

	YtdlpPath       string
	FFmpegPath      string
	FFprobePath     string
	TwmdPath        string
	PinterestDLPath string
	Aria2RPCURL     string
	Aria2Secret     string

	MetricsAddr string
}

// overlay merges the optional CONFIG_FILE YAML under the environment:
// env vars win, file values fill in, code defaults come last.
type overlay map[string]string

func loadOverlay(path string) (overlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	o := overlay{}
	for k, v := range parsed {
		o[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return o, nil
}

func (o overlay) str(key, def string) string {
	if v, ok := o[key]; ok {
		def = v
	}
	return envutil.String(key, def)
}

func (o overlay) num(key string, def int) int {
	if v, ok := o[key]; ok {
		if n, err := parseInt(v); err == nil {
			def = n
		}
	}
	return envutil.Int(key, def)
}

func (o overlay) millis(key string, def time.Duration) time.Duration {
	if v, ok := o[key]; ok {
		if n, err := parseInt(v); err == nil && n > 0 {
			def = time.Duration(n) * time.Millisecond
		}
	}
	return envutil.MillisDuration(key, def)
}

func parseInt(v string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(v))
}

func LoadConfig(log *logger.Logger) (Config, error) {
	o := overlay{}
	if path := envutil.String("CONFIG_FILE", ""); path != "" {
		loaded, err := loadOverlay(path)
		if err != nil {
			return Config{}, err
		}
		o = loaded
		log.Info("loaded config overlay", "path", path, "keys", len(loaded))
	}

	// Output paths handed to clients are always absolute, so the roots are
	// resolved once here.
	dataDir, err := filepath.Abs(o.str("DATA_DIR", "data"))
	if err != nil {
		return Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg := Config{
		Port:    o.num("PORT", 8080),
		GinMode: o.str("GIN_MODE", "release"),
		AppEnv:  o.str("APP_ENV", "development"),

		DatabaseURL:  o.str("DATABASE_URL", ""),
		RedisAddr:    o.str("REDIS_ADDR", ""),
		RedisChannel: o.str("REDIS_CHANNEL", "events"),

		DataDir: dataDir,
		TempDir: o.str("TEMP_DIR", filepath.Join(dataDir, "tmp")),

		Concurrency:      o.num("MAX_CONCURRENT_JOBS", 3),
		MaxAttempts:      o.num("QUEUE_MAX_ATTEMPTS", 2),
		BackoffBase:      o.millis("QUEUE_BACKOFF_BASE_MS", 5*time.Second),
		Stale:            o.millis("QUEUE_STALE_MS", 30*time.Second),
		ProgressThrottle: o.millis("PROGRESS_THROTTLE_MS", 300*time.Millisecond),
		JobTimeout:       o.millis("JOB_TIMEOUT_MS", 2*time.Hour),
		StallAfter:       o.millis("WATCHDOG_STALL_MS", time.Minute),

		WorkerToken:    o.str("WORKER_TOKEN", ""),
		APIKey:         o.str("API_KEY", ""),
		AllowedOrigins: splitList(o.str("ALLOWED_ORIGINS", "")),

		YtdlpPath:       o.str("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:      o.str("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:     o.str("FFPROBE_PATH", "ffprobe"),
		TwmdPath:        o.str("TWMD_PATH", "twmd"),
		PinterestDLPath: o.str("PINTEREST_DL_PATH", "pinterest-dl"),
		Aria2RPCURL:     o.str("ARIA2_RPC_URL", ""),
		Aria2Secret:     o.str("ARIA2_SECRET", ""),

		MetricsAddr: o.str("METRICS_ADDR", ""),
	}

	if cfg.TempDir, err = filepath.Abs(cfg.TempDir); err != nil {
		return Config{}, fmt.Errorf("resolve temp dir: %w", err)
	}

	// The throttle window is a correctness bound, not a tuning knob.
	if cfg.ProgressThrottle < 100*time.Millisecond {
		cfg.ProgressThrottle = 100 * time.Millisecond
	}
	if cfg.ProgressThrottle > time.Second {
		cfg.ProgressThrottle = time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.WorkerToken == "" {
		log.Warn("WORKER_TOKEN not set; the worker ingest route stays closed")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
