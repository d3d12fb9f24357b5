// Package worker consumes work units from the queue and executes the
// fetch-store-aggregate pipeline for each one.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/metrics"
	"github.com/newsharvest/gdelt-harvester/internal/status"
)

// Worker pulls deliveries off the queue and processes them one at a time.
// Run multiple Workers over the same queue for parallelism.
type Worker struct {
	queue      harvest.Receiver
	store      harvest.StatusStore
	artifacts  harvest.ArtifactStore
	fetcher    harvest.Fetcher
	aggregator *status.Aggregator
	ids        harvest.IDGenerator
	clock      harvest.Clock
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	queue harvest.Receiver,
	store harvest.StatusStore,
	artifacts harvest.ArtifactStore,
	fetcher harvest.Fetcher,
	aggregator *status.Aggregator,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      queue,
		store:      store,
		artifacts:  artifacts,
		fetcher:    fetcher,
		aggregator: aggregator,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}
}

// Run processes deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("receive delivery", zap.Error(err))
			continue
		}
		w.processDelivery(ctx, delivery)
	}
}

// processDelivery runs one unit end to end and settles the delivery. The
// counting step records the unit key and the increments in one conditional
// write, so a unit redelivered after a successful run acks without counting
// twice, and a failed count leaves nothing behind for a redelivery to trip on.
func (w *Worker) processDelivery(ctx context.Context, delivery harvest.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	unit := delivery.Unit()
	logger := w.logger.With(
		zap.String("collection_id", unit.CollectionID),
		zap.String("unit", unit.Key()),
		zap.Int("attempt", delivery.Attempt()),
	)

	articles, err := w.process(ctx, unit, logger)
	if err != nil {
		metrics.ObserveTask(string(harvest.TaskFailed))
		logger.Error("work unit failed, returning to queue", zap.Error(err))
		delivery.Nack()
		return
	}

	if err := w.countDone(ctx, unit, articles); err != nil {
		// The artifact is saved and the failed count recorded nothing, so a
		// redelivery reruns the pipeline and counts cleanly.
		logger.Error("count completed unit", zap.Error(err))
		delivery.Nack()
		return
	}

	metrics.ObserveTask(string(harvest.TaskCompleted))
	metrics.AddArticles(articles)
	delivery.Ack()
}

// process executes the fetch and store stages, maintaining the task status
// document alongside. It returns the number of articles persisted.
func (w *Worker) process(ctx context.Context, unit harvest.WorkUnit, logger *zap.Logger) (int, error) {
	apiCallID, err := w.ids.NewID()
	if err != nil {
		return 0, fmt.Errorf("generate api call id: %w", err)
	}

	now := w.clock.Now()
	task := harvest.TaskStatus{
		APICallID:    apiCallID,
		CollectionID: unit.CollectionID,
		Query:        unit.Query,
		Region:       unit.Region,
		Year:         unit.Year,
		Month:        unit.Month,
		State:        harvest.TaskProcessing,
		StartTime:    now,
		LastUpdated:  now,
	}
	if err := w.store.PutTask(ctx, task); err != nil {
		return 0, fmt.Errorf("record task start: %w", err)
	}

	result, err := w.fetcher.Fetch(ctx, unit)
	if err != nil {
		w.failTask(ctx, task, err, logger)
		return 0, fmt.Errorf("fetch unit: %w", err)
	}

	artifact := harvest.Artifact{
		CollectionID: unit.CollectionID,
		APICallID:    apiCallID,
		Query:        unit.Query,
		Region:       unit.Region,
		Year:         unit.Year,
		Month:        unit.Month,
		Articles:     result.Articles,
		ArticleCount: len(result.Articles),
		ProcessedAt:  w.clock.Now(),
		Metadata: harvest.ArtifactMetadata{
			MaxArticlesRequested: unit.MaxArticles,
			ArticlesFound:        len(result.Articles),
			URLConstructed:       result.URL,
		},
	}

	uri, err := w.artifacts.PutArtifact(ctx, artifact)
	if err != nil {
		w.failTask(ctx, task, err, logger)
		return 0, fmt.Errorf("save artifact: %w", err)
	}

	end := w.clock.Now()
	task.State = harvest.TaskCompleted
	task.ArticlesFound = len(result.Articles)
	task.LastUpdated = end
	task.EndTime = &end
	if err := w.store.PutTask(ctx, task); err != nil {
		// The artifact is durable; losing the task record is not worth a
		// redelivery.
		logger.Warn("record task completion", zap.Error(err))
	}

	logger.Info("work unit completed",
		zap.String("artifact_uri", uri),
		zap.Int("articles", len(result.Articles)),
	)
	return len(result.Articles), nil
}

// countDone folds the finished unit into the aggregate. An already counted
// unit is a no-op inside the aggregator, so duplicates ack without
// incrementing anything.
func (w *Worker) countDone(ctx context.Context, unit harvest.WorkUnit, articles int) error {
	_, err := w.aggregator.ApplyProgress(ctx, unit.CollectionID, unit.Query, unit.Key(), status.ProgressDelta{
		CompletedTasks: 1,
		Articles:       articles,
	})
	if err != nil {
		return fmt.Errorf("apply progress: %w", err)
	}
	return nil
}

// failTask best-effort records a terminal failed state on the task document.
func (w *Worker) failTask(ctx context.Context, task harvest.TaskStatus, cause error, logger *zap.Logger) {
	end := w.clock.Now()
	task.State = harvest.TaskFailed
	task.LastUpdated = end
	task.EndTime = &end
	task.ErrorMessage = cause.Error()
	if err := w.store.PutTask(ctx, task); err != nil {
		logger.Warn("record task failure", zap.Error(err))
	}
}
