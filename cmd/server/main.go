// Chunked Upload Server
//
// Features:
// - Resumable chunked uploads with optional upload sessions
// - MD5-verified assembly into durable storage
// - Prometheus metrics & structured logging (zap)
// - SSE upload events
// - Per-caller rate limiting
// - Multi-backend storage (local, S3, SMB, Redis for chunks)
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/api"
	"github.com/ardzix/masjid-display-service/internal/auth"
	"github.com/ardzix/masjid-display-service/internal/config"
	"github.com/ardzix/masjid-display-service/internal/content"
	"github.com/ardzix/masjid-display-service/internal/events"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metadata"
	"github.com/ardzix/masjid-display-service/internal/metrics"
	"github.com/ardzix/masjid-display-service/internal/quota"
	"github.com/ardzix/masjid-display-service/internal/storage"
	"github.com/ardzix/masjid-display-service/internal/storage/local"
	redisbackend "github.com/ardzix/masjid-display-service/internal/storage/redis"
	s3storage "github.com/ardzix/masjid-display-service/internal/storage/s3"
	"github.com/ardzix/masjid-display-service/internal/storage/smb"
	"github.com/ardzix/masjid-display-service/internal/uploads"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("upload server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata database
	logging.Info("connecting to metadata database...", zap.String("driver", cfg.DatabaseDriver))
	metaStore, err := metadata.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if err := metaStore.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	// Storage
	chunkType, chunkConfig := chunkBackendConfig(cfg)
	chunkStore, err := storage.NewBackendFromConfig(ctx, chunkType, chunkConfig)
	if err != nil {
		logging.Fatal("chunk store init failed", zap.String("backend", chunkType), zap.Error(err))
	}
	defer chunkStore.Close()

	durableType, durableConfig := durableBackendConfig(cfg)
	durable, urls, err := storage.NewDurableFromConfig(ctx, durableType, durableConfig)
	if err != nil {
		logging.Fatal("durable store init failed", zap.String("backend", durableType), zap.Error(err))
	}
	defer durable.Close()
	logging.Info("storage initialized",
		zap.String("chunks", chunkType),
		zap.String("durable", durableType))

	// Auth
	authHandler := auth.New(cfg.JWTSecret)
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:  cfg.OIDCIssuerURL,
			ClientID:   cfg.OIDCClientID,
			AdminClaim: cfg.OIDCAdminClaim,
			AdminValue: cfg.OIDCAdminValue,
		})
		if err != nil {
			logging.Fatal("OIDC provider init failed", zap.Error(err))
		}
		if oidcProvider != nil {
			authHandler.SetOIDCProvider(oidcProvider)
		}
	}

	broadcaster := events.NewBroadcaster()
	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMinute)
	rateLimiter.StartCleanup(ctx, time.Hour)

	// Upload service
	files := content.NewStore(metaStore, durable, urls)
	sessions := uploads.NewSessionStore(metaStore, cfg.UploadExpiry)
	svc := uploads.NewService(chunkStore, durable, sessions, files, broadcaster, uploads.Config{
		MaxFileSize:     cfg.MaxFileSize,
		FinalizeTimeout: cfg.FinalizeTimeout,
		StorageTimeout:  cfg.StorageTimeout,
		CleanupInterval: cfg.CleanupInterval,
		RequireSession:  cfg.RequireSession,
	})
	svc.StartCleanup(ctx)

	srv := api.NewServer(svc, files, durable, authHandler, broadcaster, rateLimiter, cfg.MaxChunkBytes)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Periodic connection pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func mediaBaseURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.PublicBaseURL, "/") + "/media"
}

func chunkBackendConfig(cfg *config.Config) (string, json.RawMessage) {
	var raw json.RawMessage
	switch cfg.ChunkStorageBackend {
	case "s3":
		raw, _ = json.Marshal(s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.ChunkS3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "redis":
		raw, _ = json.Marshal(redisbackend.Config{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TTLSeconds: int64(cfg.UploadExpiry / time.Second),
		})
	case "smb":
		// Part keys never start with files/ or staging/, so chunks may share
		// the durable mount.
		raw, _ = json.Marshal(smb.Config{
			Server:    cfg.SMBServer,
			MountPath: cfg.SMBMountPath,
		})
	default:
		raw, _ = json.Marshal(local.Config{
			RootPath:   cfg.ChunkStoragePath,
			CreateDirs: true,
		})
	}
	return cfg.ChunkStorageBackend, raw
}

func durableBackendConfig(cfg *config.Config) (string, json.RawMessage) {
	var raw json.RawMessage
	switch cfg.StorageBackend {
	case "s3":
		raw, _ = json.Marshal(s3storage.BackendConfig{
			Endpoint:          cfg.S3Endpoint,
			Bucket:            cfg.S3Bucket,
			AccessKey:         cfg.S3AccessKey,
			SecretKey:         cfg.S3SecretKey,
			Region:            cfg.S3Region,
			UseSSL:            cfg.S3UseSSL,
			PublicURL:         cfg.S3PublicURL,
			PresignTTLSeconds: int64(cfg.S3PresignTTL / time.Second),
		})
	case "smb":
		raw, _ = json.Marshal(smb.Config{
			Server:    cfg.SMBServer,
			MountPath: cfg.SMBMountPath,
			BaseURL:   mediaBaseURL(cfg),
		})
	default:
		raw, _ = json.Marshal(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
			BaseURL:    mediaBaseURL(cfg),
		})
	}
	return cfg.StorageBackend, raw
}
