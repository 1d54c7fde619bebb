package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/queue"
)

const purgeEvery = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(false).Fatal(context.Background(), "invalid configuration", err)
	}
	logger := observability.NewLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal(ctx, "failed to initialise application", err)
	}
	defer a.Close()
	metrics.Register()

	// Nudges from the API (or from this process) trigger an immediate run.
	if err := queue.StartProcessSubscriber(ctx, a.Queue, a.Processor, logger); err != nil {
		logger.Fatal(ctx, "failed to subscribe to process nudges", err)
	}

	w := &worker{app: a, logger: logger}
	logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "interval", Value: cfg.Processor.Interval.String()},
		observability.Field{Key: "batch_size", Value: cfg.Processor.BatchSize},
	), "worker running, waiting for messages...")

	ticker := time.NewTicker(cfg.Processor.Interval)
	defer ticker.Stop()

	w.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			logger.Info(context.Background(), "worker stopped")
			return
		case now := <-ticker.C:
			w.tick(ctx, now)
		}
	}
}

type worker struct {
	app       *app.App
	logger    *observability.Logger
	lastPurge time.Time
}

// tick starts due campaigns, recovers abandoned claims, drains one batch and
// purges old log content once a day. A failing step never stops the loop.
func (w *worker) tick(ctx context.Context, now time.Time) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "trigger", Value: "tick"})

	if n, err := w.app.Campaigns.StartDueScheduled(ctx, now); err != nil {
		w.logger.Error(ctx, "scheduled campaign check failed", err)
	} else if n > 0 {
		w.logger.Info(observability.WithFields(ctx, observability.Field{Key: "started", Value: n}), "scheduled campaigns started")
	}

	if _, err := w.app.QueueOps.RequeueStale(ctx, now.Add(-app.StaleAfter)); err != nil {
		w.logger.Error(ctx, "stale message recovery failed", err)
	}

	if err := w.app.Processor.Process(ctx); err != nil {
		w.logger.Error(ctx, "processor run failed", err)
	}

	if now.Sub(w.lastPurge) >= purgeEvery {
		n, err := w.app.QueueOps.PurgeLogs(ctx, now)
		if err != nil {
			w.logger.Error(ctx, "delivery log purge failed", err)
			return
		}
		w.lastPurge = now
		if n > 0 {
			w.logger.Info(observability.WithFields(ctx, observability.Field{Key: "purged", Value: n}), "delivery log content purged")
		}
	}
}
