// Package server builds the service's dependency graph and runs its
// long-lived loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/api"
	"github.com/JakeFAU/zipmailer/internal/archive"
	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/clock/system"
	"github.com/JakeFAU/zipmailer/internal/config"
	"github.com/JakeFAU/zipmailer/internal/dispatcher"
	"github.com/JakeFAU/zipmailer/internal/downloader"
	"github.com/JakeFAU/zipmailer/internal/fetch/httpcopy"
	"github.com/JakeFAU/zipmailer/internal/fetch/ytdlp"
	"github.com/JakeFAU/zipmailer/internal/finalizer"
	"github.com/JakeFAU/zipmailer/internal/hash/sha256"
	"github.com/JakeFAU/zipmailer/internal/id/uuid"
	"github.com/JakeFAU/zipmailer/internal/metrics"
	"github.com/JakeFAU/zipmailer/internal/notify"
	"github.com/JakeFAU/zipmailer/internal/origin"
	"github.com/JakeFAU/zipmailer/internal/pipeline"
	"github.com/JakeFAU/zipmailer/internal/policy/ratelimit"
	"github.com/JakeFAU/zipmailer/internal/progress"
	progresssinks "github.com/JakeFAU/zipmailer/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/zipmailer/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/zipmailer/internal/queue/pubsub"
	queueRedis "github.com/JakeFAU/zipmailer/internal/queue/redis"
	"github.com/JakeFAU/zipmailer/internal/retention"
	gcsstorage "github.com/JakeFAU/zipmailer/internal/storage/gcs"
	memoryStorage "github.com/JakeFAU/zipmailer/internal/storage/memory"
	pgstore "github.com/JakeFAU/zipmailer/internal/storage/postgres"
	"github.com/JakeFAU/zipmailer/internal/worker"
)

// ObjectStore is a publisher that can also enumerate its objects.
type ObjectStore interface {
	bundle.Publisher
	List(ctx context.Context) ([]string, error)
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  bundle.Clock

	queue     bundle.Queue
	jobs      bundle.JobStore
	schedule  bundle.RetentionStore
	publisher ObjectStore
	pipeline  *pipeline.Pipeline
	retention *retention.Manager
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	progressHub  *progress.Hub
	pubsubClient *pubsub.Client
	redisClient  *goredis.Client
	gcsClient    *storage.Client
	db           *pgstore.DB
	closeQueue   func()
	registerer   prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, logger: logger, clock: system.New(), registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	app.logger.Info("building application dependencies",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("mail_backend", cfg.Mail.Backend),
		zap.Int("pool_size", cfg.Workers.PoolSize),
		zap.Int("concurrency", cfg.Workers.Concurrency),
	)
	metrics.Init()

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupPubSub,
		app.setupQueue,
		app.setupPublisher,
		app.setupPipeline,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = app.Close(ctx)
			return nil, err
		}
	}

	app.retention = retention.New(app.publisher, app.schedule, app.clock, retention.Config{
		Window:        cfg.Retention.Window,
		SweepInterval: cfg.Retention.SweepInterval,
	}, logger.Named("retention"))
	app.dispatch = app.setupDispatcher()
	app.apiServer = api.NewServer(api.Deps{
		Jobs:      app.jobs,
		Queue:     app.dispatch,
		Retention: app.retention,
		IDs:       uuid.New(),
		Hasher:    sha256.New(),
		Clock:     app.clock,
		Ready:     app.Ready,
		Logger:    logger.Named("api"),
	}, api.Config{WorkdirRoot: cfg.Workdir.Root})
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory job store and retention schedule")
		a.jobs = memoryStorage.NewJobStore()
		a.schedule = memoryStorage.NewRetentionStore()
		return nil
	}
	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:            a.cfg.DB.DSN,
		JobsTable:      a.cfg.DB.JobsTable,
		RetentionTable: a.cfg.DB.RetentionTable,
		MaxConns:       a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.db = db
	if a.cfg.DB.EnsureSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
	}
	a.jobs = pgstore.NewJobStore(db)
	a.schedule = pgstore.NewRetentionStore(db)
	a.logger.Info("postgres stores initialized",
		zap.String("jobs_table", a.cfg.DB.JobsTable),
		zap.String("retention_table", a.cfg.DB.RetentionTable),
	)
	return nil
}

func (a *App) setupPubSub(ctx context.Context) error {
	if a.cfg.Queue.Backend != config.QueuePubSub && a.cfg.Events.PubSubTopic == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Queue.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case config.QueueRedis:
		client, err := queueRedis.Connect(ctx, a.cfg.Queue.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.redisClient = client
		q, err := queueRedis.New(client, queueRedis.Config{
			Key:               a.cfg.Queue.Redis.Key,
			VisibilityTimeout: a.cfg.Queue.Redis.VisibilityTimeout,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue = q
	case config.QueuePubSub:
		q, err := queuePubSub.New(a.pubsubClient, queuePubSub.Config{
			TopicID:        a.cfg.Queue.PubSub.TopicID,
			SubscriptionID: a.cfg.Queue.PubSub.SubscriptionID,
			MaxOutstanding: a.cfg.Workers.PoolSize * a.cfg.Workers.Concurrency,
			MaxExtension:   a.cfg.Download.TaskTimeout + time.Hour,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.queue = q
		a.closeQueue = q.Close
	default:
		q := queueMemory.NewQueue(a.cfg.Queue.Memory.Depth)
		a.queue = q
		a.closeQueue = q.Close
	}
	a.logger.Info("job queue initialized", zap.String("backend", a.cfg.Queue.Backend))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.Storage.Backend != config.StorageGCS {
		a.logger.Warn("using in-memory publisher; archives are not reachable outside this process")
		a.publisher = memoryStorage.NewPublisher("")
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs client init failed: %w", err)
	}
	a.gcsClient = client
	pub, err := gcsstorage.New(client, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCS.Bucket,
		Prefix: a.cfg.Storage.GCS.Prefix,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("gcs publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("GCS publisher initialized",
		zap.String("bucket", a.cfg.Storage.GCS.Bucket),
		zap.String("prefix", a.cfg.Storage.GCS.Prefix),
	)
	return nil
}

func (a *App) setupSender() (bundle.Sender, error) {
	if a.cfg.Mail.Backend != config.MailSMTP {
		a.logger.Warn("using log mail sender; no email will be delivered")
		return notify.NewLogSender(a.logger.Named("mail")), nil
	}
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     a.cfg.Mail.SMTP.Host,
		Port:     a.cfg.Mail.SMTP.Port,
		Username: a.cfg.Mail.SMTP.Username,
		Password: a.cfg.Mail.SMTP.Password,
		From:     a.cfg.Mail.SMTP.From,
		Timeout:  a.cfg.Mail.SMTP.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp sender init failed: %w", err)
	}
	return sender, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.cfg.Events.PubSubTopic != "" {
		pubsubSink, err := progresssinks.NewPubSubSink(a.pubsubClient.Topic(a.cfg.Events.PubSubTopic))
		if err != nil {
			return nil, fmt.Errorf("pubsub progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubsubSink)
		a.logger.Debug("added progress pubsub sink", zap.String("topic", a.cfg.Events.PubSubTopic))
	}
	hubCfg := progress.Config{
		BufferSize:  a.cfg.Events.BufferSize,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.progressHub, nil
}

func (a *App) setupPipeline(ctx context.Context) error {
	sender, err := a.setupSender()
	if err != nil {
		return err
	}
	notifier, err := notify.New(sender, notify.Config{
		SubjectTemplate: a.cfg.Mail.SubjectTemplate,
		BodyTemplate:    a.cfg.Mail.BodyTemplate,
		PublicBaseURL:   a.cfg.Server.PublicBaseURL,
	}, a.logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("notifier init failed: %w", err)
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}

	strategies := origin.Strategies{
		bundle.OriginGeneric:      httpcopy.New(nil, httpcopy.Config{UserAgent: a.cfg.Download.UserAgent}),
		bundle.OriginVideoHosting: ytdlp.New(ytdlp.Config{BinaryPath: a.cfg.Download.YTDLPPath}),
	}
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS:   a.cfg.Download.PerHostRPS,
		PerHostBurst: a.cfg.Download.PerHostBurst,
		Observer:     metrics.ObserveRateLimitDelay,
	})
	dl := downloader.New(
		origin.Default(),
		strategies,
		downloader.NewJitter(a.cfg.Download.JitterMin, a.cfg.Download.JitterPerLink, a.cfg.Download.JitterMax, nil),
		downloader.Config{
			MaxInFlight:      a.cfg.Download.MaxInFlight,
			TaskTimeout:      a.cfg.Download.TaskTimeout,
			FailFast:         a.cfg.Download.FailFast,
			SupportedFormats: a.cfg.SupportedFormats(),
		},
		downloader.WithHostWaiter(limiter),
		downloader.WithLogger(a.logger.Named("downloader")),
	)

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Downloader: dl,
		Archiver:   archive.New(),
		Publisher:  a.publisher,
		Notifier:   notifier,
		Finalizer:  finalizer.New(a.logger.Named("finalizer"), finalizer.WithRoot(a.cfg.Workdir.Root)),
		Emitter:    emitter,
		Clock:      a.clock,
		Logger:     a.logger.Named("pipeline"),
	}, pipeline.Config{CompensateOnGrantFailure: a.cfg.Storage.CompensateOnGrantFailure})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	a.logger.Info("pipeline initialized",
		zap.Duration("jitter_min", a.cfg.Download.JitterMin),
		zap.Duration("jitter_per_link", a.cfg.Download.JitterPerLink),
		zap.Int("max_in_flight", a.cfg.Download.MaxInFlight),
		zap.Duration("task_timeout", a.cfg.Download.TaskTimeout),
		zap.Bool("fail_fast", a.cfg.Download.FailFast),
	)
	return nil
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	workers := make([]*worker.Worker, 0, a.cfg.Workers.PoolSize)
	for i := 0; i < a.cfg.Workers.PoolSize; i++ {
		name := fmt.Sprintf("worker-%d", i)
		workers = append(workers, worker.New(
			name,
			a.queue,
			a.pipeline,
			a.jobs,
			a.clock,
			worker.Config{Concurrency: a.cfg.Workers.Concurrency},
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	interval := a.cfg.Queue.Redis.VisibilityTimeout / 4
	return dispatcher.New(a.queue, workers,
		dispatcher.WithRequeueInterval(interval),
		dispatcher.WithLogger(a.logger.Named("dispatcher")),
	)
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Ready reports whether the configured backends are reachable.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Ping(ctx))
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("ping redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Serve runs the HTTP API, the worker pool, and the retention sweeper until
// ctx is canceled. It returns only after in-flight jobs have unwound.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
		a.logger.Info("dispatcher stopped")
	}()
	go func() {
		defer background.Done()
		a.logger.Info("retention sweeper started", zap.Duration("interval", a.cfg.Retention.SweepInterval))
		a.retention.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	stop()
	background.Wait()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Work runs only the worker pool until ctx is canceled.
func (a *App) Work(ctx context.Context) error {
	a.logger.Info("dispatcher started")
	a.dispatch.Run(ctx)
	return nil
}

// Purge deletes every object the publisher can list. It returns an error
// when any deletion failed.
func (a *App) Purge(ctx context.Context) error {
	names, err := a.publisher.List(ctx)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	failed := 0
	for _, name := range names {
		if err := a.publisher.Delete(ctx, name); err != nil {
			failed++
			a.logger.Error("delete object failed", zap.String("object", name), zap.Error(err))
			continue
		}
		a.logger.Info("deleted object", zap.String("object", name))
	}
	a.logger.Info("purge finished", zap.Int("objects", len(names)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("purge: %d of %d deletions failed", failed, len(names))
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.closeQueue != nil {
		a.closeQueue()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.db.Close()
	a.logger.Info("shutdown complete")
	return nil
}
