// courier relays notifications to WhatsApp, Telegram and Mattermost
// over a small authenticated HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/courier/internal/auth"
	"github.com/haasonsaas/courier/internal/channels/mattermost"
	"github.com/haasonsaas/courier/internal/channels/telegram"
	"github.com/haasonsaas/courier/internal/channels/whatsapp"
	"github.com/haasonsaas/courier/internal/config"
	"github.com/haasonsaas/courier/internal/gateway"
	"github.com/haasonsaas/courier/internal/notify"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/retry"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/internal/sweep"
)

func main() {
	configPath := flag.String("config", "courier.yaml", "Path to the YAML configuration file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("courier exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("closing storage", "error", err)
		}
	}()

	authService := auth.NewService(cfg.Auth.Keys, logger)
	if !authService.Enabled() {
		logger.Warn("no API keys configured, requests are unauthenticated")
	}

	notifier, err := notify.NewService(notifyConfig(cfg), stores, logger, metrics)
	if err != nil {
		return err
	}
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}

	runner := sweep.New(sweep.Config{
		RetentionSchedule: cfg.Workers.RetentionSchedule,
		RetentionMaxAge:   cfg.Workers.RetentionMaxAge.Std(),
		RetrySchedule:     cfg.Workers.RetrySchedule,
		RetryWindow:       cfg.Workers.RetryWindow.Std(),
		RetryLimit:        cfg.Workers.RetryLimit,
		HealthSchedule:    cfg.Workers.HealthSchedule,
	}, notifier, stores.Messages, logger)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}

	server := gateway.NewServer(gateway.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, notifier, authService, logger, metrics)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("courier started", "host", cfg.Server.Host, "port", cfg.Server.Port)

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop intake first, then workers, then sessions.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping server", "error", err)
	}
	runner.Stop()
	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Error("stopping sessions", "error", err)
	}
	return nil
}

// openStores opens the configured backend, retrying transient failures
// so the relay survives a database that comes up after it does.
func openStores(ctx context.Context, cfg config.StorageConfig) (storage.Stores, error) {
	var stores storage.Stores
	err := retry.Do(ctx, retry.Exponential(5, time.Second, 10*time.Second), func() error {
		var err error
		switch cfg.Driver {
		case "memory":
			stores = storage.NewStores(storage.NewMemoryLedger(), storage.NewMemoryStatusStore(), nil)
		case "sqlite":
			stores, err = storage.NewSQLiteStores(cfg.Path)
		case "postgres":
			stores, err = storage.NewPostgresStores(cfg.DSN, nil)
		default:
			return retry.Permanent(fmt.Errorf("unknown storage driver %q", cfg.Driver))
		}
		return err
	})
	return stores, err
}

func notifyConfig(cfg *config.Config) notify.Config {
	out := notify.Config{AutoConnect: cfg.Providers.AutoConnect}
	if p := cfg.Providers.WhatsApp; p.Enabled {
		out.WhatsApp = &whatsapp.Config{
			SessionPath: p.SessionPath,
			Reconnect:   p.Reconnect.Policy(),
		}
	}
	if p := cfg.Providers.Telegram; p.Enabled {
		out.Telegram = &telegram.Config{
			Token:     p.Token,
			RateLimit: p.RateLimit,
			RateBurst: p.RateBurst,
			Reconnect: p.Reconnect.Policy(),
		}
	}
	if p := cfg.Providers.Mattermost; p.Enabled {
		out.Mattermost = &mattermost.Config{
			ServerURL: p.ServerURL,
			Token:     p.Token,
			RateLimit: p.RateLimit,
			RateBurst: p.RateBurst,
			Reconnect: p.Reconnect.Policy(),
		}
	}
	return out
}
