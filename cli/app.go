package cli

import (
	"fmt"

	"feedbackcore.org/cache"
	"feedbackcore.org/common"
	"feedbackcore.org/config"
	"feedbackcore.org/db"
	"feedbackcore.org/db/repository"
	"feedbackcore.org/queue"
	"feedbackcore.org/vector"
)

// app holds the shared infrastructure both the server and the worker
// commands build on.
type app struct {
	cfg     *config.Config
	pg      *db.Postgres
	cache   *cache.Cache
	jobs    *queue.Queue
	vectors *vector.Store
	events  *queue.EventPublisher

	feedback  *repository.FeedbackRepository
	topics    *repository.TopicRepository
	audit     *repository.AuditRepository
	batches   *repository.BatchRepository
	analytics *repository.AnalyticsRepository
}

// buildApp loads configuration, configures logging and connects to all
// backing stores.
func buildApp() (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		return nil, err
	}

	pg, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	jobs, err := queue.New(cfg.Queue)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to connect to job queue: %w", err)
	}

	vectors, err := vector.New(cfg.Vector)
	if err != nil {
		jobs.Close()
		pg.Close()
		return nil, fmt.Errorf("failed to connect to vector store: %w", err)
	}

	events, err := queue.NewEventPublisher(cfg.Events)
	if err != nil {
		// Event publishing is best effort; a broken broker must not keep
		// the service down.
		common.Logger.WithError(err).Warn("event publisher unavailable, continuing without events")
		events = nil
	}

	a := &app{
		cfg:     cfg,
		pg:      pg,
		cache:   cache.New(cfg.Cache),
		jobs:    jobs,
		vectors: vectors,
		events:  events,

		feedback: repository.NewFeedbackRepository(pg),
		topics:   repository.NewTopicRepository(pg),
		audit:    repository.NewAuditRepository(pg),
		batches:  repository.NewBatchRepository(pg),
	}
	a.analytics = repository.NewAnalyticsRepository(pg.ReadOnly())

	common.Logger.WithFields(map[string]interface{}{
		"service":     cfg.Service.Name,
		"version":     cfg.Service.Version,
		"environment": cfg.Service.Environment,
	}).Info("infrastructure connected")
	return a, nil
}

// close releases all connections in reverse construction order.
func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			common.Logger.WithError(err).Warn("failed to close event publisher")
		}
	}
	if err := a.vectors.Close(); err != nil {
		common.Logger.WithError(err).Warn("failed to close vector store")
	}
	if err := a.jobs.Close(); err != nil {
		common.Logger.WithError(err).Warn("failed to close job queue")
	}
	if err := a.cache.Close(); err != nil {
		common.Logger.WithError(err).Warn("failed to close cache")
	}
	if err := a.pg.Close(); err != nil {
		common.Logger.WithError(err).Warn("failed to close database")
	}
}
