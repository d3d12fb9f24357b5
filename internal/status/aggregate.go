// Package status maintains the shared collection aggregate over a StatusStore.
//
// The store offers no atomic increment, only get and revision-checked put.
// Every aggregate mutation here is a read-modify-write that retries from a
// fresh read whenever the conditional put reports a lost race, so concurrent
// workers can never clobber each other's increments.
package status

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/publisher"
)

// DefaultMaxAttempts bounds the revision-race retry loop. Each retry re-reads
// the document, so the loop only spins while other writers are landing
// updates; a handful of attempts outlasts any realistic contention burst.
const DefaultMaxAttempts = 10

// ProgressDelta is one worker's contribution to the aggregate.
type ProgressDelta struct {
	CompletedTasks int
	FailedTasks    int
	Articles       int
}

// Aggregator applies progress deltas and status transitions to collection
// aggregates with conditional writes.
type Aggregator struct {
	store       harvest.StatusStore
	clock       harvest.Clock
	logger      *zap.Logger
	notifier    publisher.Notifier
	maxAttempts int
}

// NewAggregator creates an Aggregator.
func NewAggregator(store harvest.StatusStore, clock harvest.Clock, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:       store,
		clock:       clock,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetNotifier enables completion notifications. Events publish best-effort
// after a terminal status lands; a publish failure never fails the write.
func (a *Aggregator) SetNotifier(n publisher.Notifier) {
	a.notifier = n
}

func (a *Aggregator) notifyTerminal(ctx context.Context, c harvest.Collection) {
	if a.notifier == nil || !c.Status.Terminal() {
		return
	}
	id, err := a.notifier.PublishCompletion(ctx, publisher.EventFrom(c))
	if err != nil {
		a.logger.Warn("publish completion event",
			zap.String("collection_id", c.ID),
			zap.Error(err),
		)
		return
	}
	a.logger.Info("completion event published",
		zap.String("collection_id", c.ID),
		zap.String("message_id", id),
	)
}

// ApplyProgress folds one finished unit into the collection aggregate. The
// unit key and the counter increments land in the same conditional write, so
// either the unit is counted exactly once or nothing is recorded at all: a
// redelivery after a failed write counts cleanly, and a redelivery after a
// successful write finds the key and leaves the aggregate alone. When the
// aggregate is absent a fallback document is synthesized so that progress is
// never dropped; the synthesized document carries zero totals and therefore
// cannot complete until the dispatcher's seed lands. When the counted work
// covers every task the collection transitions to completed with a timestamp.
func (a *Aggregator) ApplyProgress(
	ctx context.Context,
	collectionID string,
	query string,
	unitKey string,
	delta ProgressDelta,
) (harvest.Collection, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		c, rev, err := a.store.GetCollection(ctx, collectionID)
		if errors.Is(err, harvest.ErrNotFound) {
			created, createErr := a.synthesize(ctx, collectionID, query, unitKey, delta)
			if createErr == nil {
				return created, nil
			}
			if errors.Is(createErr, harvest.ErrAlreadyExists) {
				// Another writer seeded or synthesized it first.
				continue
			}
			return harvest.Collection{}, createErr
		}
		if err != nil {
			return harvest.Collection{}, fmt.Errorf("get collection %s: %w", collectionID, err)
		}

		if c.Counted(unitKey) {
			a.logger.Info("unit already counted, leaving aggregate unchanged",
				zap.String("collection_id", collectionID),
				zap.String("unit", unitKey),
			)
			return c, nil
		}

		wasTerminal := c.Status.Terminal()
		now := a.clock.Now()
		if c.CountedUnits == nil {
			c.CountedUnits = make(map[string]bool, c.TotalTasks)
		}
		c.CountedUnits[unitKey] = true
		c.CompletedTasks += delta.CompletedTasks
		c.FailedTasks += delta.FailedTasks
		c.TotalArticles += delta.Articles
		c.LastUpdated = now

		if !c.Status.Terminal() && c.TotalTasks > 0 &&
			c.CompletedTasks+c.FailedTasks >= c.TotalTasks {
			c.Status = harvest.CollectionCompleted
			completedAt := now
			c.CompletedAt = &completedAt
		}

		err = a.store.PutCollection(ctx, c, rev)
		if errors.Is(err, harvest.ErrRevisionMismatch) {
			a.logger.Debug("aggregate write lost revision race, retrying",
				zap.String("collection_id", collectionID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return harvest.Collection{}, fmt.Errorf("put collection %s: %w", collectionID, err)
		}
		if !wasTerminal {
			a.notifyTerminal(ctx, c)
		}
		return c, nil
	}
	return harvest.Collection{}, fmt.Errorf(
		"apply progress to collection %s: gave up after %d contended attempts",
		collectionID, a.maxAttempts,
	)
}

// Transition advances the collection status. Transitions are monotonic:
// terminal states are never left and the running stage is never re-entered
// from completed or error. Reaching an already-terminal document is not an
// error; the current document is returned unchanged.
func (a *Aggregator) Transition(
	ctx context.Context,
	collectionID string,
	to harvest.CollectionStatus,
	errorMessage string,
) (harvest.Collection, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		c, rev, err := a.store.GetCollection(ctx, collectionID)
		if err != nil {
			return harvest.Collection{}, fmt.Errorf("get collection %s: %w", collectionID, err)
		}
		if !allowed(c.Status, to) {
			return c, nil
		}

		now := a.clock.Now()
		c.Status = to
		c.LastUpdated = now
		if to == harvest.CollectionError {
			c.ErrorMessage = errorMessage
		}
		if to.Terminal() && c.CompletedAt == nil {
			completedAt := now
			c.CompletedAt = &completedAt
		}

		err = a.store.PutCollection(ctx, c, rev)
		if errors.Is(err, harvest.ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return harvest.Collection{}, fmt.Errorf("put collection %s: %w", collectionID, err)
		}
		a.notifyTerminal(ctx, c)
		return c, nil
	}
	return harvest.Collection{}, fmt.Errorf(
		"transition collection %s to %s: gave up after %d contended attempts",
		collectionID, to, a.maxAttempts,
	)
}

func (a *Aggregator) synthesize(
	ctx context.Context,
	collectionID string,
	query string,
	unitKey string,
	delta ProgressDelta,
) (harvest.Collection, error) {
	now := a.clock.Now()
	c := harvest.Collection{
		ID:             collectionID,
		Query:          query,
		Status:         harvest.CollectionRunning,
		CompletedTasks: delta.CompletedTasks,
		FailedTasks:    delta.FailedTasks,
		TotalArticles:  delta.Articles,
		StartTime:      now,
		LastUpdated:    now,
		CountedUnits:   map[string]bool{unitKey: true},
	}
	a.logger.Warn("collection aggregate missing, synthesizing fallback",
		zap.String("collection_id", collectionID),
	)
	if err := a.store.CreateCollection(ctx, c); err != nil {
		return harvest.Collection{}, err
	}
	return c, nil
}

// allowed encodes the monotonic status lattice.
func allowed(from, to harvest.CollectionStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case harvest.CollectionRunning:
		return from == harvest.CollectionInitializing
	case harvest.CollectionCompleted, harvest.CollectionError:
		return true
	default:
		return false
	}
}
