package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/metrics"
	"github.com/newsharvest/gdelt-harvester/internal/status"
)

// DeadLetterDrain consumes units that exhausted redelivery and folds them
// into the aggregate as failures, so a collection with poisoned units still
// reaches a terminal status instead of hanging forever.
type DeadLetterDrain struct {
	queue      harvest.Receiver
	store      harvest.StatusStore
	aggregator *status.Aggregator
	ids        harvest.IDGenerator
	clock      harvest.Clock
	logger     *zap.Logger
}

// NewDeadLetterDrain constructs a DeadLetterDrain over the dead-letter
// receiver.
func NewDeadLetterDrain(
	queue harvest.Receiver,
	store harvest.StatusStore,
	aggregator *status.Aggregator,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	logger *zap.Logger,
) *DeadLetterDrain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterDrain{
		queue:      queue,
		store:      store,
		aggregator: aggregator,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}
}

// Run drains dead letters until the context finishes.
func (d *DeadLetterDrain) Run(ctx context.Context) {
	for {
		delivery, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("receive dead letter", zap.Error(err))
			continue
		}
		d.drain(ctx, delivery)
	}
}

func (d *DeadLetterDrain) drain(ctx context.Context, delivery harvest.Delivery) {
	unit := delivery.Unit()
	logger := d.logger.With(
		zap.String("collection_id", unit.CollectionID),
		zap.String("unit", unit.Key()),
	)
	metrics.ObserveDeadLetter()

	c, _, err := d.store.GetCollection(ctx, unit.CollectionID)
	if err != nil && !errors.Is(err, harvest.ErrNotFound) {
		logger.Error("read aggregate for dead letter", zap.Error(err))
		delivery.Nack()
		return
	}
	if err == nil && c.Counted(unit.Key()) {
		// An earlier delivery of this unit already landed, so the abandoned
		// duplicate carries no new information.
		logger.Info("dead lettered unit already counted")
		delivery.Ack()
		return
	}

	d.recordFailure(ctx, unit, logger)

	_, err = d.aggregator.ApplyProgress(ctx, unit.CollectionID, unit.Query, unit.Key(), status.ProgressDelta{
		FailedTasks: 1,
	})
	if err != nil {
		logger.Error("apply dead letter progress", zap.Error(err))
		delivery.Nack()
		return
	}

	logger.Warn("work unit dead lettered after exhausting redelivery",
		zap.Int("attempt", delivery.Attempt()),
	)
	delivery.Ack()
}

// recordFailure writes a terminal task document for the abandoned unit.
func (d *DeadLetterDrain) recordFailure(ctx context.Context, unit harvest.WorkUnit, logger *zap.Logger) {
	apiCallID, err := d.ids.NewID()
	if err != nil {
		logger.Warn("generate api call id for dead letter", zap.Error(err))
		return
	}
	now := d.clock.Now()
	task := harvest.TaskStatus{
		APICallID:    apiCallID,
		CollectionID: unit.CollectionID,
		Query:        unit.Query,
		Region:       unit.Region,
		Year:         unit.Year,
		Month:        unit.Month,
		State:        harvest.TaskFailed,
		StartTime:    now,
		LastUpdated:  now,
		EndTime:      &now,
		ErrorMessage: "abandoned after exhausting queue redelivery",
	}
	if err := d.store.PutTask(ctx, task); err != nil {
		logger.Warn("record dead letter task", zap.Error(err))
	}
}
