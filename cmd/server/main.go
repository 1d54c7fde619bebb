// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/controller"
	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/queue"
)

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

	// Without a broker there is no separate worker to hear nudges; run them here.
	if _, inProcess := a.Queue.(*queue.InMemoryQueue); inProcess {
		if err := queue.StartProcessSubscriber(ctx, a.Queue, a.Processor, logger); err != nil {
			logger.Fatal(ctx, "failed to subscribe processor", err)
		}
	}

	metrics.Register()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info(observability.WithFields(ctx, observability.Field{Key: "addr", Value: cfg.HTTPAddr}), "server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "server failed", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "graceful shutdown failed", err)
	}
	logger.Info(shutdownCtx, "server stopped")
}

func newRouter(a *app.App) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(observability.Middleware(a.Logger))
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if a.DB != nil {
			if err := a.DB.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	handler.NewPublicHandler(a.Tracking, a.Subscribers, a.Config.Webhooks.Secrets, a.Logger).Routes(r)

	r.Mount("/api", controller.AdminRouter(
		&controller.CampaignController{CampaignService: a.Campaigns, Logger: a.Logger},
		&controller.SubscriberController{SubscriberService: a.Subscribers, Logger: a.Logger},
		&controller.QueueController{QueueService: a.QueueOps, Processor: a.Processor, Logger: a.Logger},
	))
	return r
}
