// Package sweep runs the relay's scheduled maintenance: ledger
// retention, failed-send retries, and session health probes.
package sweep

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/notify"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

// Config schedules the maintenance jobs. An empty schedule disables
// that job.
type Config struct {
	RetentionSchedule string
	RetentionMaxAge   time.Duration

	RetrySchedule string
	RetryWindow   time.Duration
	RetryLimit    int

	HealthSchedule string
}

// Runner owns the cron scheduler.
type Runner struct {
	cfg    Config
	notify *notify.Service
	ledger storage.MessageLedger
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a runner. Jobs are registered on Start.
func New(cfg Config, notifier *notify.Service, ledger storage.MessageLedger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		notify: notifier,
		ledger: ledger,
		logger: logger.With("component", "sweep"),
		cron:   cron.New(),
	}
}

// Start registers the configured jobs and starts the scheduler.
func (r *Runner) Start() error {
	if r.cfg.RetentionSchedule != "" && r.cfg.RetentionMaxAge > 0 {
		if _, err := r.cron.AddFunc(r.cfg.RetentionSchedule, func() {
			r.RunRetention(context.Background())
		}); err != nil {
			return err
		}
	}
	if r.cfg.RetrySchedule != "" && r.cfg.RetryWindow > 0 {
		if _, err := r.cron.AddFunc(r.cfg.RetrySchedule, func() {
			r.RunRetry(context.Background())
		}); err != nil {
			return err
		}
	}
	if r.cfg.HealthSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.HealthSchedule, func() {
			r.notify.CheckSessions(context.Background())
		}); err != nil {
			return err
		}
	}
	r.cron.Start()
	r.logger.Info("maintenance jobs scheduled")
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunRetention removes ledger rows older than the retention age.
func (r *Runner) RunRetention(ctx context.Context) {
	removed, err := r.ledger.DeleteOlderThan(ctx, r.cfg.RetentionMaxAge)
	if err != nil {
		r.logger.Error("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Info("retention sweep complete", "removed", removed)
	}
}

// RunRetry re-sends recent transient failures. Each retry is a fresh
// ledger row referencing the original; the failed row keeps its
// terminal status.
func (r *Runner) RunRetry(ctx context.Context) {
	failed, err := r.ledger.FindFailedForRetry(ctx, r.cfg.RetryWindow, r.cfg.RetryLimit)
	if err != nil {
		r.logger.Error("retry scan failed", "error", err)
		return
	}
	for _, msg := range failed {
		if !retryableFailure(msg) {
			continue
		}
		if alreadyRetried(msg) {
			continue
		}
		r.retryMessage(ctx, msg)
	}
}

func (r *Runner) retryMessage(ctx context.Context, msg *models.Message) {
	metadata := map[string]any{"retry_of": msg.ID}
	for k, v := range msg.Metadata {
		if k == "retry_of" {
			continue
		}
		metadata[k] = v
	}

	ctx = channels.WithRequester(ctx, "retry-worker")
	result := r.notify.Send(ctx, msg.Service, msg.Recipient, msg.Body, metadata)
	if !result.Success {
		r.logger.Warn("retry failed",
			"original_id", msg.ID,
			"new_id", result.MessageID,
			"service", string(msg.Service),
			"error", result.ErrorMessage)
		return
	}
	r.logger.Info("retried failed message",
		"original_id", msg.ID,
		"new_id", result.MessageID,
		"service", string(msg.Service))
}

// retryableFailure checks the classified error code recorded on the
// failed row. Only transient classes are worth re-sending.
func retryableFailure(msg *models.Message) bool {
	for _, code := range []channels.ErrorCode{
		channels.ErrCodeConnection,
		channels.ErrCodeRateLimit,
		channels.ErrCodeTimeout,
	} {
		if strings.HasPrefix(msg.ErrorMessage, "["+string(code)+"]") {
			return true
		}
	}
	return false
}

// alreadyRetried prevents retry chains: a row that is itself a retry is
// never retried again.
func alreadyRetried(msg *models.Message) bool {
	if msg.Metadata == nil {
		return false
	}
	_, ok := msg.Metadata["retry_of"]
	return ok
}
