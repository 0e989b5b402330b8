package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyvo/bundlecdn/pkg/config"
	"github.com/vyvo/bundlecdn/pkg/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Enabled:     cfg.Telemetry.Enabled,
		Logger:      logger,
	})

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start bundler", "error", err)
		os.Exit(1)
	}

	srv := newServer(app.svc, logger, cfg.WaitTimeout)
	servers := []*http.Server{
		{Addr: cfg.ListenAddr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.AdminListenAddr, Handler: srv.adminRoutes(), ReadHeaderTimeout: 10 * time.Second},
	}

	errCh := make(chan error, len(servers))
	for _, httpSrv := range servers {
		go func(httpSrv *http.Server) {
			logger.Info("bundler listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(httpSrv)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("listen failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, httpSrv := range servers {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "addr", httpSrv.Addr, "error", err)
		}
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("bundler shutdown error", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	logger.Info("bundler stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
