// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Filedeck holds the filedeck service configuration.
type Filedeck struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Gateway
	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration
	WatchGateway   bool

	// Sync
	RefreshAfterDelete bool

	// Uploads
	MaxUploadSize int64

	// Preview cache (disabled when CacheDir is empty)
	CacheDir     string
	CacheMaxSize int64

	// Browser origins allowed by CORS
	AllowedOrigins []string
}

// Gateway holds the storage gateway configuration.
type Gateway struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata (in-memory when DatabaseURL is empty)
	DatabaseURL string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Auth (disabled when empty)
	JWTSecret string

	// Uploads
	MaxUploadSize int64

	AllowedOrigins []string
}

// LoadFiledeck reads the filedeck configuration with defaults.
func LoadFiledeck() (*Filedeck, error) {
	cfg := &Filedeck{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		GatewayURL:         envOr("GATEWAY_URL", "http://localhost:8000"),
		GatewayToken:       envOr("GATEWAY_TOKEN", ""),
		GatewayTimeout:     envDuration("GATEWAY_TIMEOUT", 30*time.Second),
		WatchGateway:       envBool("WATCH_GATEWAY", true),
		RefreshAfterDelete: envBool("REFRESH_AFTER_DELETE", true),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 100*1024*1024),
		CacheDir:           envOr("PREVIEW_CACHE_DIR", ""),
		CacheMaxSize:       envInt64("PREVIEW_CACHE_MAX_SIZE", 64*1024*1024),
		AllowedOrigins:     envList("ALLOWED_ORIGINS", "*"),
	}

	if !strings.HasPrefix(cfg.GatewayURL, "http://") && !strings.HasPrefix(cfg.GatewayURL, "https://") {
		return nil, fmt.Errorf("GATEWAY_URL must be an http(s) URL, got %q", cfg.GatewayURL)
	}
	if cfg.CacheDir != "" && cfg.CacheMaxSize <= 0 {
		return nil, fmt.Errorf("PREVIEW_CACHE_MAX_SIZE must be positive")
	}

	return cfg, nil
}

// LoadGateway reads the gateway configuration with defaults.
func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{
		ListenAddr:       envOr("LISTEN_ADDR", ":8000"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9091"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "./data/objects"),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Bucket:         envOr("S3_BUCKET", "filedeck"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		JWTSecret:        envOr("JWT_SECRET", ""),
		MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		AllowedOrigins:   envList("ALLOWED_ORIGINS", "*"),
	}

	switch cfg.StorageBackend {
	case "local", "s3":
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be local or s3, got %q", cfg.StorageBackend)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList splits a comma-separated value, dropping blanks.
func envList(key, fallback string) []string {
	var out []string
	for _, s := range strings.Split(envOr(key, fallback), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
