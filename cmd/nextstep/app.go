package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nextstep/nextstep/config"
	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/collab"
	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/ingest"
	"github.com/nextstep/nextstep/pkg/logger"
	"github.com/nextstep/nextstep/pkg/manager"
	"github.com/nextstep/nextstep/pkg/metrics"
	"github.com/nextstep/nextstep/pkg/storage"
	"github.com/nextstep/nextstep/pkg/storage/badger"
	"github.com/nextstep/nextstep/pkg/storage/memory"
	"github.com/nextstep/nextstep/pkg/storage/sqlite"
)

// app holds the wired service components.
type app struct {
	cfg *config.Config
	log logger.Logger

	metrics   *metrics.Manager
	store     storage.Store
	manager   *manager.Manager
	transport ingest.Transport
	redis     *ingest.RedisTransport
	service   *ingest.Service
	consumer  *ingest.Consumer
	publisher *ingest.Publisher

	closeOnce sync.Once
}

// newApp builds every component from cfg and restores persisted snapshots.
// Nothing runs until run is called.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	a.metrics = metrics.NewManager(metrics.Config{
		Enabled:                   cfg.Metrics.Enabled,
		Port:                      cfg.Metrics.Port,
		Path:                      cfg.Metrics.Path,
		UpdateDurationBuckets:     metrics.DefaultConfig().UpdateDurationBuckets,
		DependencyDurationBuckets: metrics.DefaultConfig().DependencyDurationBuckets,
		RewardBuckets:             metrics.DefaultConfig().RewardBuckets,
		HTTPDurationBuckets:       metrics.DefaultConfig().HTTPDurationBuckets,
	})
	manager.SetMetricsRecorder(a.metrics)
	collab.SetMetricsRecorder(a.metrics)
	ingest.SetMetricsRecorder(a.metrics)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store
	log.Info("initialized snapshot storage", "type", cfg.Storage.Type)

	collaborators, err := loadCollaborators(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	normalizer, ignored := action.NewNormalizer(cfg.Ingest.Synonyms)
	for _, name := range ignored {
		log.Warn("ignoring synonym with unknown action type", "synonym", name)
	}

	a.manager, err = manager.New(cfg.ManagerConfig(),
		manager.WithLogger(log.With("component", "manager")),
		manager.WithStore(store),
		manager.WithCollaborators(collaborators),
		manager.WithNormalizer(normalizer),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create manager: %w", err)
	}
	if err := a.manager.Restore(ctx); err != nil {
		if !onlyStateCorruption(err) {
			_ = store.Close()
			return nil, fmt.Errorf("restore snapshots: %w", err)
		}
		log.Warn("starting with empty Q-tables for courses with rejected snapshots", "error", err)
	}

	if err := a.openTransport(); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.service = ingest.NewService(a.manager, cfg.Ingest.Concurrency)
	a.consumer, err = ingest.NewConsumer(a.transport, a.service, ingest.ConsumerConfig{
		Transport:    cfg.Ingest.Transport,
		Subject:      cfg.Ingest.Subject,
		Buffer:       cfg.Ingest.Buffer,
		DedupeWindow: cfg.Ingest.DedupeWindow,
	}, log.With("component", "consumer"))
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.publisher, err = ingest.NewPublisher(cfg.App.Name, a.transport, ingest.DefaultRetryConfig(), cfg.Buffer.MaxEvents)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

// onlyStateCorruption reports whether err, or every error joined in it, is
// a rejected snapshot. Those courses start empty; anything else is a store
// failure.
func onlyStateCorruption(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return errdefs.IsStateCorruption(err)
	}
	for _, e := range joined.Unwrap() {
		if !errdefs.IsStateCorruption(e) {
			return false
		}
	}
	return true
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
			HistoryLimit:      cfg.HistoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.NewSQLiteStorage(&sqlite.Config{
			Path:         cfg.SQLite.Path,
			HistoryLimit: cfg.HistoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return s, nil
	default:
		return memory.NewMemoryStorage(cfg.HistoryLimit), nil
	}
}

func loadCollaborators(cfg *config.Config, log logger.Logger) (collab.Collaborators, error) {
	var static *collab.Static
	if cfg.Dependencies.FixturesPath == "" {
		log.Warn("no collaborator fixtures configured, every event lands in the overflow module")
		static = collab.NewStatic(collab.Fixtures{})
	} else {
		fixtures, err := collab.LoadFixtures(cfg.Dependencies.FixturesPath)
		if err != nil {
			return collab.Collaborators{}, fmt.Errorf("load collaborator fixtures: %w", err)
		}
		static = collab.NewStatic(fixtures)
		log.Info("loaded collaborator fixtures", "path", cfg.Dependencies.FixturesPath)
	}

	return collab.Guarded(collab.Collaborators{
		Clusters: static,
		Mastery:  static,
		Content:  static,
		Resolver: static,
	}, cfg.GuardConfig(), log.With("component", "collab")), nil
}

func (a *app) openTransport() error {
	switch a.cfg.Ingest.Transport {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{a.cfg.Ingest.Redis.Address},
			Password: a.cfg.Ingest.Redis.Password,
			DB:       a.cfg.Ingest.Redis.DB,
		})
		a.redis = ingest.NewRedisTransport(client, a.cfg.Ingest.Redis.ChannelPrefix)
		a.transport = a.redis
		a.log.Info("using redis transport", "address", a.cfg.Ingest.Redis.Address)
	default:
		a.transport = ingest.NewMemoryBus()
		a.log.Info("using in-process transport")
	}
	return nil
}

// healthChecks reports the dependencies checked by /healthz.
func (a *app) healthChecks() map[string]metrics.HealthCheck {
	checks := map[string]metrics.HealthCheck{
		"storage": func(ctx context.Context) error {
			_, err := a.store.ListCourses(ctx)
			return err
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			if !a.redis.Healthy(ctx) {
				return errors.New("redis ping failed")
			}
			return nil
		}
	}
	return checks
}

func (a *app) opsHandler() http.Handler {
	return metrics.NewRouter(a.metrics, a.cfg.Metrics.Path, a.healthChecks())
}

// run starts the background loop, the consumer and the ops server and
// blocks until ctx is done or the consumer fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.manager.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.consumer.Run(ctx); err != nil {
			errCh <- fmt.Errorf("event consumer: %w", err)
		}
	}()
	go func() {
		a.log.Info("starting ops server", "port", a.cfg.Metrics.Port, "metrics_path", a.cfg.Metrics.Path)
		if err := metrics.Serve(ctx, a.cfg.Metrics.Port, a.opsHandler()); err != nil {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// applyReload pushes the hot-reloadable part of cfg into the running
// components.
func (a *app) applyReload(cfg *config.Config) {
	a.log.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if err := a.manager.SetTunables(cfg.Tunables()); err != nil {
		a.log.Error("rejected reloaded learning parameters", "error", err)
		return
	}
	a.log.Info("applied reloaded configuration",
		"epsilon", cfg.Learning.Epsilon,
		"top_k", cfg.Learning.TopK,
		"min_logs_for_update", cfg.Learning.MinLogsForUpdate,
		"time_window", cfg.Learning.TimeWindow,
	)
}

// close persists the final snapshots and releases the transport and store.
func (a *app) close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.manager != nil {
			if cerr := a.manager.Close(ctx); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close manager: %w", cerr))
			}
		}
		err = errors.Join(err, a.closeResources())
	})
	return err
}

func (a *app) closeResources() error {
	var err error
	if a.transport != nil {
		if cerr := a.transport.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close transport: %w", cerr))
		}
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close storage: %w", cerr))
		}
	}
	return err
}
