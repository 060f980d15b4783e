// Command gateway runs the file storage gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filedeck/filedeck/internal/auth"
	"github.com/filedeck/filedeck/internal/config"
	"github.com/filedeck/filedeck/internal/events"
	"github.com/filedeck/filedeck/internal/gateway"
	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metadata"
	"github.com/filedeck/filedeck/internal/metadata/postgres"
	"github.com/filedeck/filedeck/internal/metrics"
	"github.com/filedeck/filedeck/internal/storage"
	"github.com/filedeck/filedeck/internal/storage/local"
	s3storage "github.com/filedeck/filedeck/internal/storage/s3"
)

func main() {
	issueToken := flag.String("issue-token", "", "Print a bearer token for the named client and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.LoadGateway()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if *issueToken != "" {
		if cfg.JWTSecret == "" {
			fmt.Fprintln(os.Stderr, "JWT_SECRET is required to issue tokens")
			os.Exit(1)
		}
		tok, expires, err := auth.New(cfg.JWTSecret).IssueToken(*issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(tok)
		fmt.Fprintln(os.Stderr, "expires", expires.Format(time.RFC3339))
		return
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("gateway starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  metadata.Store
		pgData *postgres.Store
	)
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pgData, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		if err := pgData.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		store = pgData
	} else {
		logging.Warn("DATABASE_URL not set, keeping records in memory")
		store = metadata.NewMemoryStore()
	}
	defer store.Close()

	backend, err := storage.NewBackend(ctx, storage.Config{
		Type: cfg.StorageBackend,
		Local: local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		},
		S3: s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		},
	})
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()

	opts := gateway.Options{
		MaxUploadSize:  cfg.MaxUploadSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.JWTSecret != "" {
		opts.Auth = auth.New(cfg.JWTSecret)
	} else {
		logging.Warn("JWT_SECRET not set, gateway accepts unauthenticated requests")
	}

	broadcaster := events.NewBroadcaster()
	srv := gateway.NewServer(store, backend, broadcaster, opts)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		return serve(metricsServer)
	})
	g.Go(func() error {
		logging.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		return serve(httpServer)
	})
	if pgData != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					pgData.UpdateConnectionMetrics()
				}
			}
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Open event streams only end on Close.
		err := httpServer.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = httpServer.Close()
		}
		metricsServer.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logging.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("gateway stopped")
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
