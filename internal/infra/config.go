package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	ExtractorCommand = "command"
	ExtractorHTTP    = "http"
)

// Config represents application configuration loaded from environment variables.
// It is built once per binary and handed to every component that needs it.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoreDriver string
	SQLitePath  string
	JWTSecret   string

	StoragePath    string
	WorkDir        string
	KeepWorkDirs   bool
	MaxUploadBytes int64

	WorkerID           string
	WorkerPollInterval time.Duration
	StaleClaimAfter    time.Duration

	Extractor        string
	ExtractorCommand string
	ExtractorArgs    []string
	ExtractorURL     string
	ExtractorTimeout time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		SQLitePath:         getEnv("SQLITE_PATH", "chartextract.db"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		WorkDir:            getEnv("WORK_DIR", "./runs/worker"),
		KeepWorkDirs:       getEnvBool("KEEP_WORK_DIRS", false),
		MaxUploadBytes:     int64(getEnvInt("MAX_UPLOAD_BYTES", 10*1024*1024)),
		WorkerID:           os.Getenv("WORKER_ID"),
		WorkerPollInterval: time.Millisecond * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_MS", 2000)),
		StaleClaimAfter:    time.Minute * time.Duration(getEnvInt("STALE_CLAIM_AFTER_MINUTES", 30)),
		Extractor:          strings.ToLower(getEnv("EXTRACTOR", ExtractorCommand)),
		ExtractorCommand:   getEnv("EXTRACTOR_COMMAND", "plextract"),
		ExtractorArgs:      splitArgs(getEnv("EXTRACTOR_ARGS", "--input {input} --output {output}")),
		ExtractorURL:       os.Getenv("EXTRACTOR_URL"),
		ExtractorTimeout:   time.Second * time.Duration(getEnvInt("EXTRACTOR_TIMEOUT_SECONDS", 0)),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:        splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.Extractor {
	case ExtractorCommand, ExtractorHTTP:
	default:
		return nil, fmt.Errorf("unsupported EXTRACTOR %q", cfg.Extractor)
	}
	if cfg.Extractor == ExtractorHTTP && cfg.ExtractorURL == "" {
		return nil, fmt.Errorf("EXTRACTOR_URL is required when EXTRACTOR=http")
	}

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 * 1024 * 1024
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = 2 * time.Second
	}

	cfg.StoragePath = absPath(cfg.StoragePath)
	cfg.WorkDir = absPath(cfg.WorkDir)

	return cfg, nil
}

// RequireJWTSecret is checked by binaries that authenticate callers.
func (c *Config) RequireJWTSecret() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitArgs(raw string) []string {
	return strings.Fields(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
