// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all upload server configuration.
type Config struct {
	// Server
	ListenAddr    string
	MetricsAddr   string
	PublicBaseURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Database ("postgres" or "sqlite")
	DatabaseDriver string
	DatabaseURL    string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// OIDC (optional)
	OIDCIssuerURL  string
	OIDCClientID   string
	OIDCAdminClaim string
	OIDCAdminValue string

	// Chunk store ("local", "s3", "redis" or "smb", default: "local")
	ChunkStorageBackend string
	ChunkStoragePath    string
	ChunkS3Bucket       string

	// Durable store ("local", "s3" or "smb", default: "local")
	StorageBackend   string
	LocalStoragePath string
	SMBServer        string
	SMBMountPath     string

	// S3 storage
	S3Endpoint   string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3UseSSL     bool
	S3PublicURL  string
	S3PresignTTL time.Duration

	// Redis (chunk store only)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Uploads
	MaxFileSize     int64 // 0 = unlimited
	MaxChunkBytes   int64
	UploadExpiry    time.Duration
	CleanupInterval time.Duration
	FinalizeTimeout time.Duration
	StorageTimeout  time.Duration
	RequireSession  bool

	// Rate limiting (per caller, 0 = unlimited)
	RequestsPerMinute int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		PublicBaseURL:       envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		DatabaseDriver:      envOr("DATABASE_DRIVER", "postgres"),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		TLSCertFile:         envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:          envOr("TLS_KEY_FILE", ""),
		JWTSecret:           envOr("JWT_SECRET", ""),
		OIDCIssuerURL:       envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:        envOr("OIDC_CLIENT_ID", ""),
		OIDCAdminClaim:      envOr("OIDC_ADMIN_CLAIM", "is_admin"),
		OIDCAdminValue:      envOr("OIDC_ADMIN_VALUE", "true"),
		ChunkStorageBackend: envOr("CHUNK_STORAGE_BACKEND", "local"),
		ChunkStoragePath:    envOr("CHUNK_STORAGE_PATH", "/srv/media/chunk"),
		ChunkS3Bucket:       envOr("CHUNK_S3_BUCKET", "masjid-chunks"),
		StorageBackend:      envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:    envOr("LOCAL_STORAGE_PATH", "/srv/media/file"),
		SMBServer:           envOr("SMB_SERVER", ""),
		SMBMountPath:        envOr("SMB_MOUNT_PATH", ""),
		S3Endpoint:          envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:            envOr("S3_BUCKET", "masjid-files"),
		S3AccessKey:         envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:         envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3UseSSL:            envBool("S3_USE_SSL", false),
		S3PublicURL:         envOr("S3_PUBLIC_URL", ""),
		S3PresignTTL:        envDuration("S3_PRESIGN_TTL", time.Hour),
		RedisAddr:           envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       envOr("REDIS_PASSWORD", ""),
		RedisDB:             envInt("REDIS_DB", 0),
		MaxFileSize:         envInt64("UPLOAD_MAX_FILE_SIZE", 0),           // 0 = unlimited
		MaxChunkBytes:       envInt64("MAX_CHUNK_BYTES", 8*1024*1024),      // 8MB per request body
		UploadExpiry:        envDuration("UPLOAD_EXPIRY", 24*time.Hour),
		CleanupInterval:     envDuration("CLEANUP_INTERVAL", 15*time.Minute),
		FinalizeTimeout:     envDuration("FINALIZE_TIMEOUT", 2*time.Minute),
		StorageTimeout:      envDuration("STORAGE_TIMEOUT", 30*time.Second),
		RequireSession:      envBool("UPLOAD_REQUIRE_SESSION", false),
		RequestsPerMinute:   envInt("REQUESTS_PER_MINUTE", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and enumerated values.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	switch c.ChunkStorageBackend {
	case "local", "s3", "redis", "smb":
	default:
		return fmt.Errorf("unknown CHUNK_STORAGE_BACKEND %q", c.ChunkStorageBackend)
	}
	switch c.StorageBackend {
	case "local", "s3", "smb":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("UPLOAD_MAX_FILE_SIZE must not be negative")
	}
	return nil
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

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
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
