package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-mailer/internal/cache"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/repository/memory"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
)

// Repositories groups the storage the services are built on.
type Repositories struct {
	Queue       repository.QueueRepositoryInterface
	Campaigns   repository.CampaignRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Lists       repository.ListRepositoryInterface
	DeliveryLog repository.DeliveryLogRepositoryInterface
	Tracking    repository.TrackingRepositoryInterface
}

// App is the process-wide context. It is built once in main and handed to
// the HTTP layer, the worker loop and the CLI.
type App struct {
	Config *config.Config
	Logger *observability.Logger
	DB     *sqlx.DB
	Repos  Repositories

	Transport mailer.Transport
	Queue     queue.Queue
	Runs      cache.RunRecorder

	Campaigns   *service.CampaignService
	Subscribers *service.SubscriberService
	Tracking    *service.TrackingService
	QueueOps    *service.QueueService
	Processor   *service.Processor

	closers []func() error
}

// Options toggles the parts a given binary does not need.
type Options struct {
	// SkipBroker keeps the nudge queue in process even when AMQP_URL is set.
	SkipBroker bool
}

// New connects every backing service named in cfg. Without DATABASE_URL the
// repositories are in memory; without REDIS_ADDR the run record is in memory;
// without AMQP_URL nudges stay in process.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	transport, err := NewTransport(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Transport = transport
	if transport == nil {
		logger.Warn(ctx, "mail transport disabled; processor runs are no-ops")
	}

	if err := a.openRuns(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	a.wireServices()
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		a.Logger.Warn(ctx, "DATABASE_URL not set; using in-memory storage")
		store := memory.NewStore()
		a.Repos = Repositories{
			Queue:       store.Queue(),
			Campaigns:   store.Campaigns(),
			Subscribers: store.Subscribers(),
			Lists:       store.Lists(),
			DeliveryLog: store.DeliveryLog(),
			Tracking:    store.Tracking(),
		}
		return nil
	}
	conn, err := db.Open(ctx, a.Config.DatabaseURL)
	if err != nil {
		return err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	a.Repos = Repositories{
		Queue:       repository.NewQueueRepository(conn),
		Campaigns:   repository.NewCampaignRepository(conn),
		Subscribers: repository.NewSubscriberRepository(conn),
		Lists:       repository.NewListRepository(conn),
		DeliveryLog: repository.NewDeliveryLogRepository(conn),
		Tracking:    repository.NewTrackingRepository(conn),
	}
	return nil
}

func (a *App) openRuns(ctx context.Context) error {
	if a.Config.RedisAddr == "" {
		a.Runs = cache.NewMemoryRunRecorder()
		return nil
	}
	r, err := cache.NewRedisRunRecorder(a.Config.RedisAddr)
	if err != nil {
		return err
	}
	a.Runs = r
	a.closers = append(a.closers, r.Close)
	return nil
}

func (a *App) openQueue(ctx context.Context, opts Options) error {
	if a.Config.AMQPURL == "" || opts.SkipBroker {
		a.Queue = queue.NewInMemoryQueue(a.Logger)
		return nil
	}
	q, err := queue.NewAMQPQueue(a.Config.AMQPURL, a.Logger)
	if err != nil {
		return err
	}
	a.Queue = q
	a.closers = append(a.closers, q.Close)
	return nil
}

func (a *App) wireServices() {
	cfg := a.Config
	tracker := tracking.Tracker{BaseURL: cfg.Tracking.BaseURL}
	signer := tracking.NewSigner(cfg.Tracking.Secret)

	a.Campaigns = &service.CampaignService{
		CampaignRepo:   a.Repos.Campaigns,
		ListRepo:       a.Repos.Lists,
		SubscriberRepo: a.Repos.Subscribers,
		QueueRepo:      a.Repos.Queue,
		TrackingRepo:   a.Repos.Tracking,
		Queue:          a.Queue,
		Tracker:        tracker,
		Signer:         signer,
		Options: service.CampaignOptions{
			FromEmail:           cfg.FromEmail,
			FromName:            cfg.FromName,
			TrackOpens:          cfg.Tracking.TrackOpens,
			TrackClicks:         cfg.Tracking.TrackClicks,
			OneClickUnsubscribe: cfg.Tracking.OneClickUnsubscribe,
			MaxAttempts:         cfg.Processor.MaxAttempts,
		},
		Logger: a.Logger,
	}
	a.Subscribers = &service.SubscriberService{
		SubscriberRepo: a.Repos.Subscribers,
		ListRepo:       a.Repos.Lists,
		QueueRepo:      a.Repos.Queue,
		Queue:          a.Queue,
		Signer:         signer,
		BaseURL:        cfg.Tracking.BaseURL,
		FromEmail:      cfg.FromEmail,
		FromName:       cfg.FromName,
		Logger:         a.Logger,
	}
	a.Tracking = &service.TrackingService{
		TrackingRepo:   a.Repos.Tracking,
		SubscriberRepo: a.Repos.Subscribers,
		FallbackURL:    cfg.Tracking.BaseURL,
		Logger:         a.Logger,
	}
	a.QueueOps = &service.QueueService{
		QueueRepo:     a.Repos.Queue,
		DeliveryLog:   a.Repos.DeliveryLog,
		Runs:          a.Runs,
		Queue:         a.Queue,
		RetentionDays: cfg.Processor.LogRetentionDays,
		MaxAttempts:   cfg.Processor.MaxAttempts,
		Logger:        a.Logger,
	}
	a.Processor = &service.Processor{
		QueueRepo:    a.Repos.Queue,
		CampaignRepo: a.Repos.Campaigns,
		DeliveryLog:  a.Repos.DeliveryLog,
		TrackingRepo: a.Repos.Tracking,
		Transport:    a.Transport,
		Runs:         a.Runs,
		BatchSize:    cfg.Processor.BatchSize,
		RetryBackoff: cfg.Processor.RetryBackoff,
		Logger:       a.Logger,
	}
}

// NewTransport returns the configured transport, or nil for "none".
func NewTransport(cfg *config.Config) (mailer.Transport, error) {
	switch cfg.Transport {
	case config.TransportNone:
		return nil, nil
	case config.TransportResend:
		t, err := mailer.NewResendTransport(cfg.Resend.APIKey)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportSMTP, "":
		return mailer.NewSMTPTransport(mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			StartTLS: cfg.SMTP.StartTLS,
			HeloName: cfg.SMTP.HeloName,
			Timeout:  cfg.SMTP.Timeout,
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
}

// Migrate applies the schema when a database is configured.
func (a *App) Migrate(ctx context.Context) error {
	if a.DB == nil {
		return fmt.Errorf("DATABASE_URL is required to migrate")
	}
	return db.Migrate(ctx, a.DB)
}

// StaleAfter is how long a message may sit in processing before it is
// considered abandoned by a crashed run.
const StaleAfter = 30 * time.Minute

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	if q, ok := a.Queue.(*queue.InMemoryQueue); ok {
		q.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.WarnWithError(context.Background(), "close failed", err)
		}
	}
	a.closers = nil
}
