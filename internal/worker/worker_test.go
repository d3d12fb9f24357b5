package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/dispatcher"
	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/metrics"
	queuemem "github.com/newsharvest/gdelt-harvester/internal/queue/memory"
	"github.com/newsharvest/gdelt-harvester/internal/status"
	statusmem "github.com/newsharvest/gdelt-harvester/internal/status/memory"
	storagemem "github.com/newsharvest/gdelt-harvester/internal/storage/memory"
)

func init() {
	metrics.Init()
}

type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{t: time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// stubFetcher returns a fixed number of articles per unit.
type stubFetcher struct {
	articles int
}

func (f stubFetcher) Fetch(_ context.Context, unit harvest.WorkUnit) (harvest.FetchResult, error) {
	articles := make([]harvest.Article, 0, f.articles)
	for i := 0; i < f.articles; i++ {
		articles = append(articles, harvest.Article{
			Title:  fmt.Sprintf("article %d", i),
			URL:    fmt.Sprintf("https://example.com/%s/%d", unit.Key(), i),
			Region: unit.Region,
			Query:  unit.Query,
			Year:   unit.Year,
			Month:  unit.Month,
		})
	}
	return harvest.FetchResult{Articles: articles, URL: "https://upstream.example/doc?q=" + unit.Query}, nil
}

// failingArtifacts rejects every write.
type failingArtifacts struct{}

func (failingArtifacts) PutArtifact(context.Context, harvest.Artifact) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingArtifacts) GetArtifact(context.Context, string, int, int, string) (harvest.Artifact, error) {
	return harvest.Artifact{}, harvest.ErrNotFound
}

type fixture struct {
	queue     *queuemem.Queue
	store     *statusmem.Store
	artifacts *storagemem.Store
	agg       *status.Aggregator
	clock     *tickingClock
	ids       *seqIDs
}

func newFixture(cfg queuemem.Config) *fixture {
	clock := newTickingClock()
	store := statusmem.New()
	return &fixture{
		queue:     queuemem.New(cfg),
		store:     store,
		artifacts: storagemem.New(),
		agg:       status.NewAggregator(store, clock, zap.NewNop()),
		clock:     clock,
		ids:       &seqIDs{},
	}
}

func (f *fixture) worker(fetcher harvest.Fetcher, artifacts harvest.ArtifactStore) *Worker {
	return New(f.queue, f.store, artifacts, fetcher, f.agg, f.ids, f.clock, zap.NewNop())
}

func (f *fixture) seedCollection(t *testing.T, collectionID, query string, total int) {
	t.Helper()
	now := f.clock.Now()
	err := f.store.CreateCollection(context.Background(), harvest.Collection{
		ID:          collectionID,
		Query:       query,
		Status:      harvest.CollectionRunning,
		TotalTasks:  total,
		StartTime:   now,
		LastUpdated: now,
	})
	require.NoError(t, err)
}

func unitFor(collectionID string) harvest.WorkUnit {
	return harvest.WorkUnit{
		CollectionID: collectionID,
		Query:        "semiconductors",
		Region:       "europe",
		MaxArticles:  20,
		Year:         2025,
		Month:        3,
	}
}

func receive(t *testing.T, q *queuemem.Queue) harvest.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestProcessDelivery_SuccessStoresArtifactAndCounts(t *testing.T) {
	f := newFixture(queuemem.Config{})
	f.seedCollection(t, "col-1", "semiconductors", 2)
	w := f.worker(stubFetcher{articles: 3}, f.artifacts)

	unit := unitFor("col-1")
	require.NoError(t, f.queue.Enqueue(context.Background(), unit))
	w.processDelivery(context.Background(), receive(t, f.queue))

	artifact, err := f.artifacts.GetArtifact(context.Background(), "col-1", 2025, 3, "europe")
	require.NoError(t, err)
	assert.Equal(t, 3, artifact.ArticleCount)
	assert.Len(t, artifact.Articles, 3)
	assert.Equal(t, 20, artifact.Metadata.MaxArticlesRequested)
	assert.NotEmpty(t, artifact.Metadata.URLConstructed)

	tasks, err := f.store.ListTasks(context.Background(), "col-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, harvest.TaskCompleted, tasks[0].State)
	assert.Equal(t, 3, tasks[0].ArticlesFound)
	require.NotNil(t, tasks[0].EndTime)

	c, _, err := f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CompletedTasks)
	assert.Equal(t, 3, c.TotalArticles)
	assert.Equal(t, harvest.CollectionRunning, c.Status, "one of two tasks done, still running")

	assert.Zero(t, f.queue.Depth(), "delivery must be acked")
}

func TestProcessDelivery_DegradedFetchStillCompletesUnit(t *testing.T) {
	f := newFixture(queuemem.Config{})
	f.seedCollection(t, "col-1", "semiconductors", 1)
	w := f.worker(stubFetcher{articles: 0}, f.artifacts)

	require.NoError(t, f.queue.Enqueue(context.Background(), unitFor("col-1")))
	w.processDelivery(context.Background(), receive(t, f.queue))

	artifact, err := f.artifacts.GetArtifact(context.Background(), "col-1", 2025, 3, "europe")
	require.NoError(t, err)
	assert.Zero(t, artifact.ArticleCount)
	assert.NotNil(t, artifact.Articles, "empty fetch still yields a valid artifact")

	c, _, err := f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Equal(t, harvest.CollectionCompleted, c.Status)
	assert.Equal(t, 1, c.CompletedTasks)
	assert.Zero(t, c.TotalArticles)
}

func TestProcessDelivery_SaveFailureNacksAndRecordsFailedTask(t *testing.T) {
	f := newFixture(queuemem.Config{})
	f.seedCollection(t, "col-1", "semiconductors", 1)
	w := f.worker(stubFetcher{articles: 2}, failingArtifacts{})

	require.NoError(t, f.queue.Enqueue(context.Background(), unitFor("col-1")))
	w.processDelivery(context.Background(), receive(t, f.queue))

	tasks, err := f.store.ListTasks(context.Background(), "col-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, harvest.TaskFailed, tasks[0].State)
	assert.Contains(t, tasks[0].ErrorMessage, "bucket unavailable")

	c, _, err := f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Zero(t, c.CompletedTasks, "failed unit must not count as progress")
	assert.Equal(t, harvest.CollectionRunning, c.Status)

	assert.Equal(t, 1, f.queue.Depth(), "nacked delivery must be redeliverable")
}

func TestProcessDelivery_RedeliveryCountsOnce(t *testing.T) {
	f := newFixture(queuemem.Config{})
	f.seedCollection(t, "col-1", "semiconductors", 5)
	w := f.worker(stubFetcher{articles: 4}, f.artifacts)

	unit := unitFor("col-1")
	require.NoError(t, f.queue.Enqueue(context.Background(), unit))
	w.processDelivery(context.Background(), receive(t, f.queue))

	// Simulate an at-least-once duplicate of the same unit.
	require.NoError(t, f.queue.Enqueue(context.Background(), unit))
	w.processDelivery(context.Background(), receive(t, f.queue))

	c, _, err := f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CompletedTasks, "duplicate delivery must not double count")
	assert.Equal(t, 4, c.TotalArticles)

	tasks, err := f.store.ListTasks(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "each execution records its own task document")
}

// flakyStatusStore fails a set number of conditional puts before recovering,
// simulating a transient status store outage during the counting step.
type flakyStatusStore struct {
	*statusmem.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStatusStore) PutCollection(ctx context.Context, c harvest.Collection, rev harvest.Revision) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return errors.New("status store unavailable")
	}
	s.mu.Unlock()
	return s.Store.PutCollection(ctx, c, rev)
}

func TestProcessDelivery_TransientCountFailureRecoversOnRedelivery(t *testing.T) {
	f := newFixture(queuemem.Config{})
	store := &flakyStatusStore{Store: f.store, fails: 1}
	f.agg = status.NewAggregator(store, f.clock, zap.NewNop())
	f.seedCollection(t, "col-1", "semiconductors", 1)
	w := New(f.queue, store, f.artifacts, stubFetcher{articles: 2}, f.agg, f.ids, f.clock, zap.NewNop())

	unit := unitFor("col-1")
	require.NoError(t, f.queue.Enqueue(context.Background(), unit))

	// First delivery: the pipeline succeeds but the count write fails, so the
	// delivery is nacked with nothing recorded against the aggregate.
	w.processDelivery(context.Background(), receive(t, f.queue))
	c, _, err := f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Zero(t, c.CompletedTasks)
	require.Equal(t, 1, f.queue.Depth(), "failed count must leave the message redeliverable")

	// Redelivery: the store has recovered and the unit counts exactly once.
	w.processDelivery(context.Background(), receive(t, f.queue))
	c, _, err = f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CompletedTasks)
	assert.Equal(t, 2, c.TotalArticles)
	assert.Equal(t, harvest.CollectionCompleted, c.Status)
	assert.Zero(t, f.queue.Depth())
}

func TestProcessDelivery_MissingAggregateIsSynthesized(t *testing.T) {
	f := newFixture(queuemem.Config{})
	w := f.worker(stubFetcher{articles: 1}, f.artifacts)

	require.NoError(t, f.queue.Enqueue(context.Background(), unitFor("col-orphan")))
	w.processDelivery(context.Background(), receive(t, f.queue))

	c, _, err := f.store.GetCollection(context.Background(), "col-orphan")
	require.NoError(t, err)
	assert.Equal(t, harvest.CollectionRunning, c.Status)
	assert.Equal(t, 1, c.CompletedTasks)
	assert.Zero(t, c.TotalTasks, "synthesized aggregate cannot complete")
}

func TestDeadLetterDrain_CountsFailureTowardCompletion(t *testing.T) {
	f := newFixture(queuemem.Config{MaxReceive: 2})
	f.seedCollection(t, "col-1", "semiconductors", 1)
	w := f.worker(stubFetcher{articles: 2}, failingArtifacts{})

	require.NoError(t, f.queue.Enqueue(context.Background(), unitFor("col-1")))
	for i := 0; i < 2; i++ {
		w.processDelivery(context.Background(), receive(t, f.queue))
	}
	require.Equal(t, 1, f.queue.DeadDepth(), "unit must dead letter after exhausting receives")

	drain := NewDeadLetterDrain(f.queue.DeadLetters(), f.store, f.agg, f.ids, f.clock, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.queue.DeadLetters().Receive(ctx)
	require.NoError(t, err)
	drain.drain(context.Background(), d)

	c, _, err := f.store.GetCollection(context.Background(), "col-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.FailedTasks)
	assert.Zero(t, c.CompletedTasks)
	assert.Equal(t, harvest.CollectionCompleted, c.Status,
		"failure coverage still terminates the collection")

	tasks, listErr := f.store.ListTasks(context.Background(), "col-1")
	require.NoError(t, listErr)
	var failed int
	for _, task := range tasks {
		if task.State == harvest.TaskFailed {
			failed++
		}
	}
	assert.GreaterOrEqual(t, failed, 1)
}

func TestHarvest_EndToEnd(t *testing.T) {
	f := newFixture(queuemem.Config{})
	disp := dispatcher.New(f.queue, f.agg, f.store, f.ids, f.clock, dispatcher.Defaults{}, zap.NewNop())

	result, err := disp.Dispatch(context.Background(), dispatcher.Request{
		Query:     "semiconductors",
		YearsBack: 1,
		Regions:   []string{"europe"},
	})
	require.NoError(t, err)
	require.Equal(t, 12, result.TotalTasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w := f.worker(stubFetcher{articles: 2}, f.artifacts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		c, _, err := f.store.GetCollection(context.Background(), result.CollectionID)
		return err == nil && c.Status == harvest.CollectionCompleted
	}, 5*time.Second, 10*time.Millisecond, "collection should complete")

	cancel()
	wg.Wait()

	c, _, err := f.store.GetCollection(context.Background(), result.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, 12, c.CompletedTasks)
	assert.Zero(t, c.FailedTasks)
	assert.Equal(t, 24, c.TotalArticles)
	require.NotNil(t, c.CompletedAt)

	assert.Equal(t, 12, f.artifacts.Len(), "one artifact per work unit")
}
