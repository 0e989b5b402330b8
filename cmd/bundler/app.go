package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/cache"
	"github.com/vyvo/bundlecdn/pkg/compiler"
	"github.com/vyvo/bundlecdn/pkg/config"
	"github.com/vyvo/bundlecdn/pkg/history"
	"github.com/vyvo/bundlecdn/pkg/normalize"
	"github.com/vyvo/bundlecdn/pkg/registry"
	"github.com/vyvo/bundlecdn/pkg/service"
)

// app owns the long-lived state of the process. It is built once at startup
// and flushed by Close.
type app struct {
	svc     *service.Service
	cache   *cache.Store
	history history.Store
}

func newApp(ctx context.Context, cfg config.ServiceConfig, logger *slog.Logger) (*app, error) {
	store, err := newCache(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	hist, err := newHistory(ctx, cfg.History)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	comp, err := newCompiler(cfg.Compiler, logger)
	if err != nil {
		_ = store.Close()
		_ = hist.Close()
		return nil, err
	}

	svc, err := service.New(service.Config{
		Normalizer: normalize.New(normalize.Defaults{
			Version: cfg.Defaults.Version,
			Format:  bundle.Format(cfg.Defaults.Format),
			Minify:  cfg.Defaults.Minify,
		}),
		Cache: store,
		Registry: registry.New(registry.Config{
			MaxDuration: cfg.Build.MaxDuration,
			Logger:      logger,
		}),
		Compiler:          comp,
		History:           hist,
		MaxDuration:       cfg.Build.MaxDuration,
		MaxConcurrent:     cfg.Build.MaxConcurrent,
		AutoRetryTimeouts: cfg.Build.AutoRetryTimeouts,
		Logger:            logger,
	})
	if err != nil {
		_ = store.Close()
		_ = hist.Close()
		return nil, err
	}

	return &app{svc: svc, cache: store, history: hist}, nil
}

// Close waits for running builds so their artifacts reach the cache, then
// releases the cache backend and history store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.svc.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	return errors.Join(errs...)
}

func newCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*cache.Store, error) {
	budget, err := cfg.BudgetBytes()
	if err != nil {
		return nil, err
	}
	compression, err := cache.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var backend cache.Backend
	switch cfg.Backend {
	case "bolt":
		maxBytes, err := cfg.BoltBudgetBytes()
		if err != nil {
			return nil, err
		}
		backend, err = cache.OpenBolt(cfg.BoltPath, cache.BoltOptions{
			Compression: compression,
			MaxBytes:    maxBytes,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	case "redis":
		backend, err = cache.NewRedis(ctx, cfg.RedisURL, cache.RedisOptions{
			TTL:         cfg.RedisTTL,
			Compression: compression,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	}

	store, err := cache.New(cache.Config{Budget: budget, Backend: backend, Logger: logger})
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	logger.Info("artifact cache ready", "backend", cfg.Backend, "budget", cfg.Budget, "compression", compression.String())
	return store, nil
}

func newHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
	if cfg.DatabaseURL != "" {
		return history.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return history.NewMemStore(cfg.Size)
}

func newCompiler(cfg config.CompilerConfig, logger *slog.Logger) (compiler.Compiler, error) {
	switch cfg.Kind {
	case "exec":
		return compiler.NewExec(cfg.Command, cfg.Workdir, nil, logger), nil
	case "remote":
		return compiler.NewRemote(cfg.RemoteURL, cfg.RemoteTimeout), nil
	case "ssh":
		sshCfg := compiler.SSHConfig{
			Host:           cfg.SSH.Host,
			Port:           cfg.SSH.Port,
			User:           cfg.SSH.User,
			Password:       cfg.SSH.Password,
			KnownHostsFile: cfg.SSH.KnownHostsFile,
			Command:        cfg.Command,
			RemoteDir:      cfg.SSH.RemoteDir,
		}
		if cfg.SSH.PrivateKeyPath != "" {
			pem, err := os.ReadFile(cfg.SSH.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read ssh private key: %w", err)
			}
			sshCfg.PrivateKey = string(pem)
		}
		return compiler.NewSSH(sshCfg, logger)
	default:
		return nil, fmt.Errorf("unknown compiler kind %q", cfg.Kind)
	}
}
