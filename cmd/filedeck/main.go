// Command filedeck runs the file manager service: it mirrors the gateway's
// records, builds the directory tree and serves both to the browser.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filedeck/filedeck/internal/api"
	"github.com/filedeck/filedeck/internal/catalog"
	"github.com/filedeck/filedeck/internal/config"
	"github.com/filedeck/filedeck/internal/events"
	"github.com/filedeck/filedeck/internal/filesync"
	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metrics"
	"github.com/filedeck/filedeck/pkg/cache"
	"github.com/filedeck/filedeck/pkg/client"
)

func main() {
	cfg, err := config.LoadFiledeck()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("filedeck starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("gateway", cfg.GatewayURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := client.New(client.Config{
		BaseURL:   cfg.GatewayURL,
		Timeout:   cfg.GatewayTimeout,
		AuthToken: cfg.GatewayToken,
	})

	broadcaster := events.NewBroadcaster()
	opts := filesync.DefaultOptions()
	opts.RefreshAfterDelete = cfg.RefreshAfterDelete
	opts.Notifier = broadcaster
	if cfg.CacheDir != "" {
		previews, err := cache.New(cfg.CacheDir, cfg.CacheMaxSize)
		if err != nil {
			logging.Fatal("preview cache init failed", zap.Error(err))
		}
		opts.Cache = previews
		logging.Info("preview cache enabled",
			zap.String("dir", cfg.CacheDir), zap.Int64("max_size", cfg.CacheMaxSize))
	}

	controller := filesync.New(gw, catalog.New(), opts)
	if err := controller.Refresh(ctx); err != nil {
		logging.Warn("initial refresh failed, starting with an empty catalog", zap.Error(err))
	} else {
		logging.Info("catalog loaded", zap.Int("records", controller.Snapshot().Total))
	}

	srv := api.NewServer(controller, broadcaster, api.Options{
		MaxUploadSize:  cfg.MaxUploadSize,
		AllowedOrigins: cfg.AllowedOrigins,
		Gateway:        gw,
	})

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
		logging.Info("filedeck listening", zap.String("addr", cfg.ListenAddr))
		return serve(httpServer)
	})
	if cfg.WatchGateway {
		g.Go(func() error {
			sse := client.NewSSEClient(cfg.GatewayURL)
			if cfg.GatewayToken != "" {
				sse.SetAuthToken(cfg.GatewayToken)
			}
			logging.Info("watching gateway events")
			controller.Watch(ctx, sse.Subscribe(ctx))
			return nil
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
		logging.Error("filedeck stopped", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("filedeck stopped")
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
