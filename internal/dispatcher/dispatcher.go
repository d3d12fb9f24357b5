// Package dispatcher initiates collections: it plans the work unit grid,
// seeds the aggregate status document, and fans the units out over the queue.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/planner"
	"github.com/newsharvest/gdelt-harvester/internal/status"
)

// Fallbacks applied when configuration leaves a default unset.
const (
	DefaultMaxArticles = 20
	DefaultYearsBack   = 3
)

// Defaults fill zero-valued request fields. Zero-valued Defaults fields fall
// back to the package constants.
type Defaults struct {
	MaxArticles int
	YearsBack   int
}

// Request is one collection initiation request.
type Request struct {
	Query       string `json:"query"`
	MaxArticles int    `json:"max_articles"`
	YearsBack   int    `json:"years_back"`
	// Regions overrides the default macro-region list when non-empty.
	Regions []string `json:"regions,omitempty"`
}

// Result describes an initiated collection.
type Result struct {
	CollectionID         string `json:"collection_id"`
	TotalTasks           int    `json:"total_tasks"`
	QueuedTasks          int    `json:"queued_tasks"`
	StatusKey            string `json:"status_key"`
	ArtifactPathTemplate string `json:"artifact_path_template"`
}

// Dispatcher turns initiation requests into queued work units.
type Dispatcher struct {
	queue      harvest.TaskQueue
	aggregator *status.Aggregator
	store      harvest.StatusStore
	ids        harvest.IDGenerator
	clock      harvest.Clock
	defaults   Defaults
	logger     *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue harvest.TaskQueue,
	aggregator *status.Aggregator,
	store harvest.StatusStore,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	defaults Defaults,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.MaxArticles <= 0 {
		defaults.MaxArticles = DefaultMaxArticles
	}
	if defaults.YearsBack <= 0 {
		defaults.YearsBack = DefaultYearsBack
	}
	return &Dispatcher{
		queue:      queue,
		aggregator: aggregator,
		store:      store,
		ids:        ids,
		clock:      clock,
		defaults:   defaults,
		logger:     logger,
	}
}

// Dispatch validates and defaults the request, seeds the aggregate document,
// then enqueues every planned unit. The seed is written before the first
// enqueue so no worker can ever observe a missing aggregate for a unit this
// dispatch produced. Partial enqueue failure marks the collection as errored
// but still reports the units that did go out.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	req = d.withDefaults(req)
	if req.Query == "" {
		return Result{}, fmt.Errorf("dispatch: query is required")
	}

	collectionID, err := d.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate collection id: %w", err)
	}

	units := planner.Plan(collectionID, planner.Request{
		Query:       req.Query,
		MaxArticles: req.MaxArticles,
		YearsBack:   req.YearsBack,
		Regions:     req.Regions,
	}, d.clock.Now())
	if len(units) == 0 {
		return Result{}, fmt.Errorf("dispatch: request for %q plans no work units", req.Query)
	}

	if err := d.seed(ctx, collectionID, req.Query, len(units)); err != nil {
		return Result{}, err
	}

	queued := d.enqueue(ctx, units)

	result := Result{
		CollectionID:         collectionID,
		TotalTasks:           len(units),
		QueuedTasks:          queued,
		StatusKey:            harvest.StatusKey(collectionID),
		ArtifactPathTemplate: harvest.ArtifactPathTemplate(collectionID),
	}

	if queued < len(units) {
		msg := fmt.Sprintf("only queued %d/%d tasks", queued, len(units))
		if _, err := d.aggregator.Transition(ctx, collectionID, harvest.CollectionError, msg); err != nil {
			d.logger.Error("mark partially queued collection as errored",
				zap.String("collection_id", collectionID),
				zap.Error(err),
			)
		}
		return result, fmt.Errorf("dispatch collection %s: %s", collectionID, msg)
	}

	if _, err := d.aggregator.Transition(ctx, collectionID, harvest.CollectionRunning, ""); err != nil {
		return result, fmt.Errorf("mark collection %s running: %w", collectionID, err)
	}

	d.logger.Info("collection dispatched",
		zap.String("collection_id", collectionID),
		zap.String("query", req.Query),
		zap.Int("total_tasks", len(units)),
	)
	return result, nil
}

// seed writes the initializing aggregate before any unit is visible to
// workers.
func (d *Dispatcher) seed(ctx context.Context, collectionID, query string, total int) error {
	now := d.clock.Now()
	c := harvest.Collection{
		ID:          collectionID,
		Query:       query,
		Status:      harvest.CollectionInitializing,
		TotalTasks:  total,
		StartTime:   now,
		LastUpdated: now,
	}
	if err := d.store.CreateCollection(ctx, c); err != nil {
		return fmt.Errorf("seed collection %s: %w", collectionID, err)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, units []harvest.WorkUnit) int {
	queued := 0
	for _, unit := range units {
		if err := d.queue.Enqueue(ctx, unit); err != nil {
			d.logger.Error("enqueue work unit",
				zap.String("collection_id", unit.CollectionID),
				zap.String("unit", unit.Key()),
				zap.Error(err),
			)
			continue
		}
		queued++
	}
	return queued
}

func (d *Dispatcher) withDefaults(req Request) Request {
	if req.MaxArticles <= 0 {
		req.MaxArticles = d.defaults.MaxArticles
	}
	if req.YearsBack <= 0 {
		req.YearsBack = d.defaults.YearsBack
	}
	if len(req.Regions) == 0 {
		req.Regions = harvest.DefaultRegions()
	}
	return req
}
