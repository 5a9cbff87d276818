package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/engine"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/remote"
)

// stubStore serves QueryPending from a queue the test controls.
type stubStore struct {
	mu      sync.Mutex
	pending []*entity.Entity
}

func (s *stubStore) push(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.pending = append(s.pending, &entity.Entity{ID: id, ExternalID: "ext-" + id})
	}
}

func (s *stubStore) QueryPending(ctx context.Context, limit int) ([]*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *stubStore) Create(ctx context.Context, e *entity.Entity) error { return nil }
func (s *stubStore) Get(ctx context.Context, id string) (*entity.Entity, error) {
	return nil, entity.ErrNotFound
}
func (s *stubStore) GetByExternalID(ctx context.Context, externalID string) (*entity.Entity, error) {
	return nil, entity.ErrNotFound
}
func (s *stubStore) Update(ctx context.Context, id string, mutate func(*entity.Entity) error) (*entity.Entity, error) {
	return nil, entity.ErrNotFound
}
func (s *stubStore) TouchLocal(ctx context.Context, id string, payload []byte) (*entity.Entity, error) {
	return nil, entity.ErrNotFound
}
func (s *stubStore) QueryForReconciliation(ctx context.Context, filter entity.ReconcileFilter) ([]*entity.Entity, error) {
	return nil, nil
}
func (s *stubStore) CountByStatus(ctx context.Context) (map[entity.SyncStatus]int, error) {
	return nil, nil
}
func (s *stubStore) CountStalePending(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

// stubEngine scripts adjudication outcomes per entity and feeds requeued
// entities back into the store.
type stubEngine struct {
	mu       sync.Mutex
	store    *stubStore
	outcomes map[string][]engine.Outcome
	attempts map[string]int
	requeues int
}

func newStubEngine(store *stubStore) *stubEngine {
	return &stubEngine{
		store:    store,
		outcomes: make(map[string][]engine.Outcome),
		attempts: make(map[string]int),
	}
}

func (s *stubEngine) script(entityID string, outcomes ...engine.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[entityID] = outcomes
}

func (s *stubEngine) Dispatch(ctx context.Context, entityID string) (*engine.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[entityID]++
	return &engine.Receipt{
		EntityID:     entityID,
		ExternalID:   "ext-" + entityID,
		JobRef:       fmt.Sprintf("job-%s-%d", entityID, s.attempts[entityID]),
		Attempt:      s.attempts[entityID],
		DispatchedAt: time.Now().UTC(),
	}, nil
}

func (s *stubEngine) Adjudicate(ctx context.Context, receipt engine.Receipt, snap *remote.Snapshot, callErr error) (engine.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.outcomes[receipt.EntityID]
	if len(queue) == 0 {
		return engine.OutcomeSynced, nil
	}
	outcome := queue[0]
	s.outcomes[receipt.EntityID] = queue[1:]
	return outcome, nil
}

func (s *stubEngine) RequeueForRetry(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeues++
	return nil
}

func (s *stubEngine) attemptCount(entityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[entityID]
}

// stubFetcher records which external ids were fetched.
type stubFetcher struct {
	mu      sync.Mutex
	fetched []string
}

func (f *stubFetcher) GetByID(ctx context.Context, externalID string) (*remote.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, externalID)
	return &remote.Snapshot{ID: externalID, Version: 1, UpdatedAt: time.Now().UTC()}, nil
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Workers:       2,
		QueueSize:     16,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffFactor: 2,
		BackoffMax:    10 * time.Millisecond,
		PendingBatch:  50,
		PollInterval:  10 * time.Millisecond,
	}
}

func testRemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{RequestsPerSecond: 1000, BurstLimit: 100}
}

func newTestScheduler(store *stubStore, eng *stubEngine, fetcher *stubFetcher) *Scheduler {
	return NewScheduler(testSyncConfig(), testRemoteConfig(), eng, fetcher, store, loggy.NewNoopLogger())
}

func TestEnqueueSingleFlight(t *testing.T) {
	store := &stubStore{}
	s := newTestScheduler(store, newStubEngine(store), &stubFetcher{})

	assert.True(t, s.Enqueue("ent-1"))
	assert.False(t, s.Enqueue("ent-1"), "second enqueue while in flight must be dropped")

	s.release("ent-1")
	assert.True(t, s.Enqueue("ent-1"), "released entity is eligible again")
}

func TestEnqueueQueueFull(t *testing.T) {
	store := &stubStore{}
	cfg := testSyncConfig()
	cfg.QueueSize = 1
	s := NewScheduler(cfg, testRemoteConfig(), newStubEngine(store), &stubFetcher{}, store, loggy.NewNoopLogger())

	assert.True(t, s.Enqueue("ent-1"))
	assert.False(t, s.Enqueue("ent-2"), "full queue must drop, not block")
}

func TestDelayForAttemptMonotonic(t *testing.T) {
	store := &stubStore{}
	cfg := testSyncConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffFactor = 5
	cfg.BackoffMax = time.Hour
	s := NewScheduler(cfg, testRemoteConfig(), newStubEngine(store), &stubFetcher{}, store, loggy.NewNoopLogger())

	assert.Equal(t, 100*time.Millisecond, s.DelayForAttempt(1))
	assert.Equal(t, 500*time.Millisecond, s.DelayForAttempt(2))
	assert.Equal(t, 2500*time.Millisecond, s.DelayForAttempt(3))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := s.DelayForAttempt(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must never shrink between attempts")
		prev = d
	}
}

func TestDelayForAttemptCapped(t *testing.T) {
	store := &stubStore{}
	cfg := testSyncConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffFactor = 5
	cfg.BackoffMax = time.Second
	s := NewScheduler(cfg, testRemoteConfig(), newStubEngine(store), &stubFetcher{}, store, loggy.NewNoopLogger())

	assert.Equal(t, time.Second, s.DelayForAttempt(3))
	assert.Equal(t, time.Second, s.DelayForAttempt(10))
}

func TestRunOnceDrainsPending(t *testing.T) {
	store := &stubStore{}
	store.push("ent-1", "ent-2")
	eng := newStubEngine(store)
	fetcher := &stubFetcher{}
	s := newTestScheduler(store, eng, fetcher)

	processed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, eng.attemptCount("ent-1"))
	assert.Equal(t, 1, eng.attemptCount("ent-2"))
	assert.ElementsMatch(t, []string{"ext-ent-1", "ext-ent-2"}, fetcher.fetched)
}

func TestRunOnceRetriesWithBackoffUntilDeadLetter(t *testing.T) {
	store := &stubStore{}
	store.push("ent-1")
	eng := newStubEngine(store)
	eng.script("ent-1", engine.OutcomeError, engine.OutcomeError, engine.OutcomeDeadLetter)
	s := newTestScheduler(store, eng, &stubFetcher{})

	var deadLettered []string
	s.SetDeadLetterHook(func(entityID string) {
		deadLettered = append(deadLettered, entityID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	processed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed, "two retries plus the final attempt")
	assert.Equal(t, 3, eng.attemptCount("ent-1"))
	assert.Equal(t, 2, eng.requeues)
	assert.Equal(t, []string{"ent-1"}, deadLettered)
}

func TestRunProcessesAndStops(t *testing.T) {
	store := &stubStore{}
	store.push("ent-1")
	eng := newStubEngine(store)
	s := newTestScheduler(store, eng, &stubFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return eng.attemptCount("ent-1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	assert.False(t, s.Enqueue("ent-2"), "stopped scheduler must reject new work")
}
