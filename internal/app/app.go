// Package app builds the long-lived services from configuration and holds
// them for the commands that run the pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/ai/openai"
	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/checker"
	"github.com/JakeFAU/pagewatch/internal/classifier"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/crawljob"
	"github.com/JakeFAU/pagewatch/internal/emailtmpl"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	mailmemory "github.com/JakeFAU/pagewatch/internal/mailer/memory"
	"github.com/JakeFAU/pagewatch/internal/mailer/resend"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/notify"
	"github.com/JakeFAU/pagewatch/internal/policy"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	natspub "github.com/JakeFAU/pagewatch/internal/publisher/nats"
	pubsubpub "github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/scrape/firecrawl"
	"github.com/JakeFAU/pagewatch/internal/scrape/local"
	"github.com/JakeFAU/pagewatch/internal/storage/gcs"
	localblob "github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/teardown"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
	"github.com/JakeFAU/pagewatch/internal/webhook"
)

// Version is reported to tracing backends.
var Version = "dev"

// App holds the shared services. It is built once at startup and closed on
// shutdown.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     monitor.Store
	Checker   *checker.Checker
	Crawls    *crawljob.Monitor
	Teardown  *teardown.Teardown
	Runner    *checker.Runner
	Scheduler *scheduler.Scheduler
	Hub       *progress.Hub
	Webhooks  *webhook.Dispatcher
	Server    *api.Server

	telemetry *telemetry.Providers
	closers   []func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	provider   monitor.ScrapeProvider
	telemetry  bool
}

// WithRegisterer registers collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithScrapeProvider replaces the configured scrape provider.
func WithScrapeProvider(p monitor.ScrapeProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithoutTelemetry skips installing the global tracer and meter providers.
func WithoutTelemetry() Option {
	return func(o *options) { o.telemetry = false }
}

// New builds every service named by cfg. Resources opened before a failure are
// released before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer, telemetry: true}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	built := false
	defer func() {
		if !built {
			if cerr := a.Close(context.Background()); cerr != nil {
				logger.Warn("cleanup after failed start", zap.Error(cerr))
			}
		}
	}()
	logger.Info("initializing application services")

	var err error
	if o.telemetry {
		a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.TraceSampleRatio,
			Registerer:  o.registerer,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	clock := system.New()
	ids := uuid.New()

	ready, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	provider := o.provider
	if provider == nil {
		provider = newScrapeProvider(cfg.Scrape, logger)
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:   cfg.Telemetry.ProgressBuffer,
		MaxBatchWait: cfg.Telemetry.ProgressBatchWait,
		Logger:       logger.Named("progress"),
	},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	a.closers = append(a.closers, a.Hub.Close)
	if err := sinks.RegisterHubStats(o.registerer, a.Hub); err != nil {
		return nil, fmt.Errorf("register progress hub metrics: %w", err)
	}

	a.Scheduler = scheduler.New(scheduler.Config{
		Workers:     cfg.Scheduler.Workers,
		QueueDepth:  cfg.Scheduler.QueueDepth,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
	}, metrics.TaskObserver{}, logger)

	clsOpts := []classifier.Option{classifier.WithLogger(logger)}
	if blobs != nil {
		clsOpts = append(clsOpts, classifier.WithBlobStore(blobs))
	}
	cls := classifier.New(a.Store, clock, ids, sha256.New(), classifier.Config{
		LocalDiff:      cfg.Classifier.LocalDiff,
		SummaryMaxLen:  cfg.Classifier.SummaryMax,
		SnapshotPrefix: cfg.Classifier.SnapshotPrefix,
	}, clsOpts...)

	var scorer monitor.MeaningfulnessScorer
	if cfg.AI.Enabled {
		scorer = openai.New(openai.Config{
			BaseURL:      cfg.AI.BaseURL,
			APIKey:       cfg.AI.APIKey,
			Model:        cfg.AI.Model,
			Timeout:      cfg.AI.Timeout,
			MaxDiffChars: cfg.AI.MaxDiffChars,
		}, logger)
	}
	engine := policy.New(scorer, clock, policy.Config{
		FailOpen:      cfg.AI.FailOpen,
		SummaryMaxLen: cfg.Classifier.SummaryMax,
	}, logger)

	var mailer notify.Mailer
	if sender := newEmailSender(cfg.Email, logger); sender != nil {
		mailer = emailtmpl.NewEngine(sender, emailtmpl.Config{
			From:         cfg.Email.From,
			DashboardURL: cfg.Email.DashboardURL,
		}, logger)
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Webhook.RPS, DefaultBurst: cfg.Webhook.Burst})
	a.Webhooks = webhook.New(webhook.Config{
		ProxyURL:  proxyURL(cfg),
		UserAgent: cfg.Webhook.UserAgent,
		Timeout:   cfg.Webhook.Timeout,
	}, nil, limiter, logger)

	deliveries := sinks.NewDeliveryLog(a.Store, ids, logger.Named("deliveries"))
	router := notify.New(engine, mailer, a.Webhooks, publisher, clock, a.Hub, deliveries, notify.Config{Topic: cfg.Publisher.Topic}, logger)

	a.Crawls = crawljob.New(a.Store, provider, a.Scheduler, nil, clock, ids, a.Hub, crawljob.Config{
		PollInterval:    cfg.Crawl.PollInterval,
		MaxPollAttempts: cfg.Crawl.MaxPollAttempts,
	}, logger)
	a.Checker = checker.New(a.Store, provider, cls, router, a.Crawls, clock, ids, a.Hub, logger)
	a.Crawls.SetPageHandler(a.Checker)

	a.Runner = checker.NewRunner(a.Store, a.Checker, a.Scheduler, clock, checker.RunnerConfig{
		DueInterval: cfg.Scheduler.DueInterval,
	}, logger)
	a.Teardown = teardown.New(a.Store, a.Scheduler, clock, a.Hub, teardown.Config{
		BatchSize: cfg.Teardown.BatchSize,
		Delay:     cfg.Teardown.Delay,
	}, logger)

	a.Server = api.NewServer(api.Deps{
		Store:     a.Store,
		Checks:    a.Checker,
		Teardowns: a.Teardown,
		Proxy:     a.Webhooks,
		IDs:       ids,
		Clock:     clock,
		Ready:     ready,
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("scrape", cfg.Scrape.Provider),
		zap.String("email", cfg.Email.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
	)
	built = true
	return a, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Start launches the scheduler workers and the due-target loop. Both stop when
// ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	go func() {
		if err := a.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("runner stopped", zap.Error(err))
		}
	}()
}

// Close stops the scheduler and releases every resource in reverse order of
// acquisition.
func (a *App) Close(ctx context.Context) error {
	a.Logger.Info("shutting down application services")
	if a.Scheduler != nil {
		a.Scheduler.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.telemetry = nil
	}
	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context) (func(context.Context) error, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate store: %w", err)
			}
		}
		a.Store = pg
		return pg.Ping, nil
	case "memory", "":
		a.Logger.Warn("using in-memory store; data is lost on restart")
		a.Store = memory.NewStore()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openBlobStore returns nil when snapshots are disabled.
func (a *App) openBlobStore(ctx context.Context) (monitor.BlobStore, error) {
	cfg := a.Config.Blob
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		blobs, err := localblob.New(localblob.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return blobs, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Provider)
	}
}

// openPublisher returns nil when publishing is disabled.
func (a *App) openPublisher(ctx context.Context) (monitor.Publisher, error) {
	cfg := a.Config.Publisher
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		return pubmemory.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsubpub.New(client, a.Logger)
		a.closers = append(a.closers, func(context.Context) error {
			pub.Close()
			return client.Close()
		})
		return pub, nil
	case "nats":
		conn, err := natsgo.Connect(cfg.NATSURL, natsgo.Name("pagewatch"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			return conn.Drain()
		})
		pub, err := natspub.New(conn, natspub.Config{SubjectPrefix: cfg.SubjectPrefix, JetStream: cfg.JetStream}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("create nats publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Provider)
	}
}

func newScrapeProvider(cfg config.ScrapeConfig, logger *zap.Logger) monitor.ScrapeProvider {
	if cfg.Provider == "firecrawl" {
		return firecrawl.New(firecrawl.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}, logger)
	}
	return local.New(local.Config{UserAgent: cfg.UserAgent, RespectRobots: cfg.RespectRobots, Timeout: cfg.Timeout}, logger)
}

// newEmailSender returns nil when email is disabled.
func newEmailSender(cfg config.EmailConfig, logger *zap.Logger) monitor.EmailSender {
	switch cfg.Provider {
	case "resend":
		return resend.New(resend.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}, logger)
	case "memory":
		return mailmemory.New()
	default:
		return nil
	}
}

// proxyURL defaults to this process's own webhook proxy route.
func proxyURL(cfg config.Config) string {
	if cfg.Webhook.ProxyURL != "" {
		return cfg.Webhook.ProxyURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/api/webhook-proxy", cfg.Server.Port)
}
