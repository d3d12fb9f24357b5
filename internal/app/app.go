// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the harvester.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/api"
	"github.com/newsharvest/gdelt-harvester/internal/clock/system"
	"github.com/newsharvest/gdelt-harvester/internal/config"
	"github.com/newsharvest/gdelt-harvester/internal/dispatcher"
	"github.com/newsharvest/gdelt-harvester/internal/gdelt"
	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/id/uuid"
	"github.com/newsharvest/gdelt-harvester/internal/logging"
	"github.com/newsharvest/gdelt-harvester/internal/metrics"
	pubmem "github.com/newsharvest/gdelt-harvester/internal/publisher/memory"
	pubps "github.com/newsharvest/gdelt-harvester/internal/publisher/pubsub"
	queuemem "github.com/newsharvest/gdelt-harvester/internal/queue/memory"
	queueps "github.com/newsharvest/gdelt-harvester/internal/queue/pubsub"
	"github.com/newsharvest/gdelt-harvester/internal/ratelimit"
	"github.com/newsharvest/gdelt-harvester/internal/status"
	statusgcs "github.com/newsharvest/gdelt-harvester/internal/status/gcs"
	statusmem "github.com/newsharvest/gdelt-harvester/internal/status/memory"
	statuspg "github.com/newsharvest/gdelt-harvester/internal/status/postgres"
	storagegcs "github.com/newsharvest/gdelt-harvester/internal/storage/gcs"
	storagelocal "github.com/newsharvest/gdelt-harvester/internal/storage/local"
	storagemem "github.com/newsharvest/gdelt-harvester/internal/storage/memory"
	"github.com/newsharvest/gdelt-harvester/internal/worker"
)

// deadLetterer is implemented by queue providers that expose a dead-letter
// receiver.
type deadLetterer interface {
	DeadLetters() harvest.Receiver
}

// App holds the shared, long-lived services for the harvester. It is built
// once at startup from configuration and passed to the commands that need it.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      harvest.StatusStore
	Artifacts  harvest.ArtifactStore
	Queue      harvest.TaskQueue
	Fetcher    harvest.Fetcher
	Aggregator *status.Aggregator
	Dispatcher *dispatcher.Dispatcher
	Server     *api.Server
	IDs        harvest.IDGenerator
	Clock      harvest.Clock

	closers []func() error
}

// New builds the full service graph from cfg, failing fast if any provider
// cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()

	a := &App{
		Config: cfg,
		Logger: logger,
		IDs:    uuid.New(),
		Clock:  system.New(),
	}

	if err := a.initStatusStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initArtifactStore(ctx, cfg); err != nil {
		a.closeQuiet()
		return nil, err
	}
	if err := a.initQueue(ctx, cfg); err != nil {
		a.closeQuiet()
		return nil, err
	}

	a.Fetcher = gdelt.New(gdelt.Options{
		BaseURL: cfg.GDELT.BaseURL,
		Timeout: cfg.GDELTTimeout(),
		Filters: harvest.DefaultRegionFilters().Merge(harvest.RegionFilters(cfg.Regions)),
		Limiter: ratelimit.New(ratelimit.Config{RPS: cfg.GDELT.RPS, Burst: cfg.GDELT.Burst}),
	}, logger.Named("gdelt"))

	a.Aggregator = status.NewAggregator(a.Store, a.Clock, logger.Named("status"))
	if err := a.initNotifier(ctx, cfg); err != nil {
		a.closeQuiet()
		return nil, err
	}
	a.Dispatcher = dispatcher.New(a.Queue, a.Aggregator, a.Store, a.IDs, a.Clock, dispatcher.Defaults{
		MaxArticles: cfg.Planner.MaxArticlesDefault,
		YearsBack:   cfg.Planner.YearsBackDefault,
	}, logger.Named("dispatcher"))

	apiCfg := api.Config{RequestTimeout: cfg.ServerTimeout()}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	a.Server = api.NewServer(a.Dispatcher, a.Store, apiCfg, logger.Named("api"))

	return a, nil
}

// NewWorker builds a worker over the app's shared services.
func (a *App) NewWorker() *worker.Worker {
	return worker.New(
		a.Queue,
		a.Store,
		a.Artifacts,
		a.Fetcher,
		a.Aggregator,
		a.IDs,
		a.Clock,
		a.Logger.Named("worker"),
	)
}

// NewDeadLetterDrain builds the dead-letter consumer, or returns nil when the
// queue provider has no dead-letter receiver configured.
func (a *App) NewDeadLetterDrain() *worker.DeadLetterDrain {
	dl, ok := a.Queue.(deadLetterer)
	if !ok {
		return nil
	}
	receiver := dl.DeadLetters()
	if receiver == nil {
		return nil
	}
	return worker.NewDeadLetterDrain(
		receiver,
		a.Store,
		a.Aggregator,
		a.IDs,
		a.Clock,
		a.Logger.Named("deadletter"),
	)
}

// Close releases every provider that holds external connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeQuiet() {
	if err := a.Close(); err != nil {
		a.Logger.Warn("close partially initialized app", zap.Error(err))
	}
}

func (a *App) initStatusStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Status.Provider {
	case config.ProviderMemory:
		a.Logger.Info("using in-memory status store; state is lost on restart")
		a.Store = statusmem.New()
	case config.ProviderGCS:
		a.Logger.Info("using GCS status store", zap.String("bucket", cfg.Status.GCSBucket))
		store, err := statusgcs.New(ctx, cfg.Status.GCSBucket)
		if err != nil {
			return fmt.Errorf("initialize gcs status store: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
	case config.ProviderPostgres:
		a.Logger.Info("using postgres status store")
		store, err := statuspg.New(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("initialize postgres status store: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown status provider: %s", cfg.Status.Provider)
	}
	return nil
}

func (a *App) initArtifactStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Storage.Provider {
	case config.ProviderMemory:
		a.Logger.Info("using in-memory artifact store; artifacts are lost on restart")
		a.Artifacts = storagemem.New()
	case config.ProviderLocal:
		a.Logger.Info("using local artifact store", zap.String("dir", cfg.Storage.LocalDir))
		store, err := storagelocal.New(storagelocal.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("initialize local artifact store: %w", err)
		}
		a.Artifacts = store
	case config.ProviderGCS:
		a.Logger.Info("using GCS artifact store", zap.String("bucket", cfg.Storage.GCSBucket))
		store, err := storagegcs.New(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return fmt.Errorf("initialize gcs artifact store: %w", err)
		}
		a.Artifacts = store
		a.closers = append(a.closers, store.Close)
	default:
		return fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context, cfg config.Config) error {
	if !cfg.Notifications.Enabled {
		return nil
	}
	if cfg.Notifications.ProjectID == "" {
		a.Logger.Info("using in-memory completion notifier; events are not delivered anywhere")
		a.Aggregator.SetNotifier(pubmem.New())
		return nil
	}
	a.Logger.Info("publishing completion events to pubsub",
		zap.String("project", cfg.Notifications.ProjectID),
		zap.String("topic", cfg.Notifications.TopicID),
	)
	notifier, err := pubps.New(ctx, cfg.Notifications.ProjectID, cfg.Notifications.TopicID)
	if err != nil {
		return fmt.Errorf("initialize completion notifier: %w", err)
	}
	a.Aggregator.SetNotifier(notifier)
	a.closers = append(a.closers, notifier.Close)
	return nil
}

func (a *App) initQueue(ctx context.Context, cfg config.Config) error {
	switch cfg.Queue.Provider {
	case config.ProviderMemory:
		a.Logger.Info("using in-memory task queue; units are lost on restart")
		a.Queue = queuemem.New(queuemem.Config{
			Capacity:          cfg.Queue.Capacity,
			VisibilityTimeout: cfg.VisibilityTimeout(),
			MaxReceive:        cfg.Queue.MaxReceive,
		})
	case config.ProviderPubSub:
		a.Logger.Info("using pubsub task queue",
			zap.String("project", cfg.Queue.PubSub.ProjectID),
			zap.String("topic", cfg.Queue.PubSub.TopicID),
		)
		q, err := queueps.New(ctx, queueps.Config{
			ProjectID:                cfg.Queue.PubSub.ProjectID,
			TopicID:                  cfg.Queue.PubSub.TopicID,
			SubscriptionID:           cfg.Queue.PubSub.SubscriptionID,
			DeadLetterSubscriptionID: cfg.Queue.PubSub.DeadLetterSubscriptionID,
		}, a.Logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("initialize pubsub queue: %w", err)
		}
		a.Queue = q
		a.closers = append(a.closers, q.Close)
	default:
		return fmt.Errorf("unknown queue provider: %s", cfg.Queue.Provider)
	}
	return nil
}
