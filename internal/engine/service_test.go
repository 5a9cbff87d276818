package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/conflict"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/remote"
)

// memStore is an in-memory entity.Repository for state machine tests.
type memStore struct {
	mu       sync.Mutex
	entities map[string]*entity.Entity
}

func newMemStore() *memStore {
	return &memStore{entities: make(map[string]*entity.Entity)}
}

func (s *memStore) clone(e *entity.Entity) *entity.Entity {
	cp := *e
	return &cp
}

func (s *memStore) Create(ctx context.Context, e *entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = s.clone(e)
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return s.clone(e), nil
}

func (s *memStore) GetByExternalID(ctx context.Context, externalID string) (*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.ExternalID == externalID {
			return s.clone(e), nil
		}
	}
	return nil, entity.ErrNotFound
}

func (s *memStore) Update(ctx context.Context, id string, mutate func(*entity.Entity) error) (*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := s.clone(e)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	s.entities[id] = cp
	return s.clone(cp), nil
}

func (s *memStore) TouchLocal(ctx context.Context, id string, payload []byte) (*entity.Entity, error) {
	return s.Update(ctx, id, func(e *entity.Entity) error {
		if payload != nil {
			e.Payload = payload
		}
		e.SyncStatus = entity.StatusPending
		e.RetryCount = 0
		e.ClearError()
		e.LocalModifiedAt = time.Now().UTC()
		return nil
	})
}

func (s *memStore) QueryPending(ctx context.Context, limit int) ([]*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Entity
	for _, e := range s.entities {
		if e.SyncStatus == entity.StatusPending && e.DeletedAt == nil {
			out = append(out, s.clone(e))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) QueryForReconciliation(ctx context.Context, filter entity.ReconcileFilter) ([]*entity.Entity, error) {
	return nil, nil
}

func (s *memStore) CountByStatus(ctx context.Context) (map[entity.SyncStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[entity.SyncStatus]int)
	for _, e := range s.entities {
		counts[e.SyncStatus]++
	}
	return counts, nil
}

func (s *memStore) CountStalePending(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

// memLogs is an in-memory LogRepository.
type memLogs struct {
	mu   sync.Mutex
	logs []*SyncLog
}

func (m *memLogs) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memLogs) GetSyncLogs(ctx context.Context, entityID string, limit, offset int) ([]*SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SyncLog(nil), m.logs...), nil
}

func (m *memLogs) CountOutcomesSince(ctx context.Context, since time.Time) (map[Outcome]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Outcome]int)
	for _, l := range m.logs {
		counts[l.Outcome]++
	}
	return counts, nil
}

func (m *memLogs) LatestOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Outcome
	for i := len(m.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.logs[i].Outcome)
	}
	return out, nil
}

func (m *memLogs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func newTestService(t *testing.T, store *memStore, logs *memLogs) *Service {
	t.Helper()
	cfg := config.SyncConfig{MaxRetries: 3, ChecksumEnabled: true}
	return NewService(cfg, store, logs, loggy.NewNoopLogger())
}

func seedEntity(t *testing.T, store *memStore, id, externalID string, version int64) *entity.Entity {
	t.Helper()
	e := entity.New(externalID, json.RawMessage(`{"name":"widget"}`))
	e.ID = id
	e.ExternalVersion = version
	// Place the local write in the past so a fresh dispatch is not a race.
	e.LocalModifiedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

func snapshot(externalID string, version int64) *remote.Snapshot {
	snap := &remote.Snapshot{
		ID:        externalID,
		Version:   version,
		UpdatedAt: time.Now().UTC(),
		Fields:    map[string]any{"name": "widget", "status": "active"},
	}
	snap.Checksum = conflict.Checksum(snap)
	return snap
}

func TestAdjudicateAppliesNewerVersion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-a", "ext-a", 3)

	receipt, err := svc.Dispatch(ctx, "ent-a")
	require.NoError(t, err)

	outcome, err := svc.Adjudicate(ctx, *receipt, snapshot("ext-a", 5), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)

	e, err := store.Get(ctx, "ent-a")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSynced, e.SyncStatus)
	assert.Equal(t, int64(5), e.ExternalVersion)
	assert.NotNil(t, e.LastSyncSuccess)
	assert.Zero(t, e.RetryCount)
}

func TestAdjudicateSkipsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-b", "ext-b", 3)

	receipt, err := svc.Dispatch(ctx, "ent-b")
	require.NoError(t, err)

	outcome, err := svc.Adjudicate(ctx, *receipt, snapshot("ext-b", 2), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	e, _ := store.Get(ctx, "ent-b")
	assert.Equal(t, entity.StatusSkipped, e.SyncStatus)
	assert.Equal(t, int64(3), e.ExternalVersion, "stale snapshot must not move the version")
}

func TestAdjudicateNoClobberOnRace(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-c", "ext-c", 1)

	receipt, err := svc.Dispatch(ctx, "ent-c")
	require.NoError(t, err)

	// User edits the entity while the remote call is in flight.
	localEdit := json.RawMessage(`{"name":"edited by user"}`)
	time.Sleep(2 * time.Millisecond)
	_, err = store.TouchLocal(ctx, "ent-c", localEdit)
	require.NoError(t, err)

	outcome, err := svc.Adjudicate(ctx, *receipt, snapshot("ext-c", 2), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVersionConflict, outcome)

	e, _ := store.Get(ctx, "ent-c")
	assert.Equal(t, entity.StatusVersionConflict, e.SyncStatus)
	assert.JSONEq(t, string(localEdit), string(e.Payload), "local edit must be preserved")
	assert.Equal(t, int64(1), e.ExternalVersion)
	assert.Equal(t, CodeConflict, e.SyncErrorCode)
}

func TestAdjudicateDeadLetterAfterRetryCap(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-d", "ext-d", 1)

	transportErr := remote.APIError{StatusCode: 503, Message: "unavailable"}

	for i := 0; i < 2; i++ {
		receipt, err := svc.Dispatch(ctx, "ent-d")
		require.NoError(t, err)

		outcome, err := svc.Adjudicate(ctx, *receipt, nil, transportErr)
		require.NoError(t, err)
		assert.Equal(t, OutcomeError, outcome, "attempt %d should be retryable", i+1)

		require.NoError(t, svc.RequeueForRetry(ctx, "ent-d"))
	}

	receipt, err := svc.Dispatch(ctx, "ent-d")
	require.NoError(t, err)

	outcome, err := svc.Adjudicate(ctx, *receipt, nil, transportErr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLetter, outcome)

	e, _ := store.Get(ctx, "ent-d")
	assert.Equal(t, entity.StatusDeadLetter, e.SyncStatus)
	assert.Equal(t, 3, e.RetryCount)
}

func TestAdjudicateIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-e", "ext-e", 1)

	receipt, err := svc.Dispatch(ctx, "ent-e")
	require.NoError(t, err)

	snap := snapshot("ext-e", 2)

	outcome, err := svc.Adjudicate(ctx, *receipt, snap, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)

	outcome, err = svc.Adjudicate(ctx, *receipt, snap, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, outcome, "second adjudication must be a no-op")

	assert.Equal(t, 1, logs.count(), "superseded adjudication must not append an audit row")

	e, _ := store.Get(ctx, "ent-e")
	assert.Equal(t, int64(2), e.ExternalVersion)
}

func TestAdjudicateStaleJobRef(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-f", "ext-f", 1)

	stale := Receipt{
		EntityID:     "ent-f",
		JobRef:       "job-staleref",
		DispatchedAt: time.Now().UTC(),
	}

	outcome, err := svc.Adjudicate(ctx, stale, snapshot("ext-f", 2), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, outcome)

	e, _ := store.Get(ctx, "ent-f")
	assert.Equal(t, entity.StatusPending, e.SyncStatus, "stale job ref must not change state")
}

func TestAdjudicateValidationFailure(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-g", "ext-g", 1)

	receipt, err := svc.Dispatch(ctx, "ent-g")
	require.NoError(t, err)

	malformed := &remote.Snapshot{ID: "ext-g"} // no version, no updated_at
	outcome, err := svc.Adjudicate(ctx, *receipt, malformed, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationFailed, outcome)

	e, _ := store.Get(ctx, "ent-g")
	assert.Equal(t, entity.StatusValidationFailed, e.SyncStatus)
	assert.Equal(t, CodeValidation, e.SyncErrorCode)
	assert.Contains(t, e.SyncErrorMessage, "version")
}

func TestAdjudicateChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-h", "ext-h", 1)

	receipt, err := svc.Dispatch(ctx, "ent-h")
	require.NoError(t, err)

	snap := snapshot("ext-h", 2)
	snap.Checksum = "corrupted"

	outcome, err := svc.Adjudicate(ctx, *receipt, snap, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationFailed, outcome)

	e, _ := store.Get(ctx, "ent-h")
	assert.Equal(t, CodeChecksum, e.SyncErrorCode)
	assert.Equal(t, int64(1), e.ExternalVersion, "corrupt snapshot must not be applied")
}

func TestAdjudicatePropagatesRemoteDelete(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-i", "ext-i", 5)

	receipt, err := svc.Dispatch(ctx, "ent-i")
	require.NoError(t, err)

	deletedAt := time.Now().UTC()
	snap := snapshot("ext-i", 2) // older version; deletes win regardless
	snap.DeletedAt = &deletedAt

	outcome, err := svc.Adjudicate(ctx, *receipt, snap, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)

	e, _ := store.Get(ctx, "ent-i")
	assert.Equal(t, entity.StatusSynced, e.SyncStatus)
	assert.NotNil(t, e.DeletedAt)
	assert.Equal(t, int64(5), e.ExternalVersion, "version must stay monotonic")
}

func TestDispatchGuards(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)

	t.Run("missing entity", func(t *testing.T) {
		_, err := svc.Dispatch(ctx, "ent-missing")
		assert.ErrorIs(t, err, ErrEntityGone)
	})

	t.Run("deleted entity", func(t *testing.T) {
		e := seedEntity(t, store, "ent-del", "ext-del", 1)
		now := time.Now().UTC()
		_, err := store.Update(ctx, e.ID, func(e *entity.Entity) error {
			e.DeletedAt = &now
			return nil
		})
		require.NoError(t, err)

		_, err = svc.Dispatch(ctx, "ent-del")
		assert.ErrorIs(t, err, ErrEntityGone)
	})

	t.Run("duplicate dispatch", func(t *testing.T) {
		seedEntity(t, store, "ent-dup", "ext-dup", 1)

		_, err := svc.Dispatch(ctx, "ent-dup")
		require.NoError(t, err)

		_, err = svc.Dispatch(ctx, "ent-dup")
		var stateErr *InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, entity.StatusProcessing, stateErr.From)
	})

	t.Run("validation_failed needs operator", func(t *testing.T) {
		e := seedEntity(t, store, "ent-vf", "ext-vf", 1)
		_, err := store.Update(ctx, e.ID, func(e *entity.Entity) error {
			e.SyncStatus = entity.StatusValidationFailed
			return nil
		})
		require.NoError(t, err)

		_, err = svc.Dispatch(ctx, "ent-vf")
		var stateErr *InvalidStateError
		assert.ErrorAs(t, err, &stateErr)
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)

	setStatus := func(t *testing.T, id string, status entity.SyncStatus) {
		t.Helper()
		_, err := store.Update(ctx, id, func(e *entity.Entity) error {
			e.SyncStatus = status
			e.RetryCount = 3
			return nil
		})
		require.NoError(t, err)
	}

	t.Run("accept remote re-enqueues", func(t *testing.T) {
		seedEntity(t, store, "ent-r1", "ext-r1", 1)
		setStatus(t, "ent-r1", entity.StatusVersionConflict)

		resolved, err := svc.Resolve(ctx, "ent-r1", ResolutionAcceptRemote)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPending, resolved.SyncStatus)
		assert.Zero(t, resolved.RetryCount)
	})

	t.Run("keep local marks synced", func(t *testing.T) {
		seedEntity(t, store, "ent-r2", "ext-r2", 1)
		setStatus(t, "ent-r2", entity.StatusVersionConflict)

		resolved, err := svc.Resolve(ctx, "ent-r2", ResolutionKeepLocal)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusSynced, resolved.SyncStatus)
	})

	t.Run("keep local rejected for dead letter", func(t *testing.T) {
		seedEntity(t, store, "ent-r3", "ext-r3", 1)
		setStatus(t, "ent-r3", entity.StatusDeadLetter)

		_, err := svc.Resolve(ctx, "ent-r3", ResolutionKeepLocal)
		assert.Error(t, err)
	})

	t.Run("retry from dead letter", func(t *testing.T) {
		seedEntity(t, store, "ent-r4", "ext-r4", 1)
		setStatus(t, "ent-r4", entity.StatusDeadLetter)

		resolved, err := svc.Resolve(ctx, "ent-r4", ResolutionRetry)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPending, resolved.SyncStatus)
	})

	t.Run("rejects entities not needing resolution", func(t *testing.T) {
		seedEntity(t, store, "ent-r5", "ext-r5", 1)

		_, err := svc.Resolve(ctx, "ent-r5", ResolutionRetry)
		var stateErr *InvalidStateError
		assert.ErrorAs(t, err, &stateErr)
	})

	t.Run("unknown resolution", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "ent-r5", Resolution("coin_flip"))
		assert.Error(t, err)
	})
}

func TestVersionMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	logs := &memLogs{}
	svc := newTestService(t, store, logs)
	seedEntity(t, store, "ent-m", "ext-m", 0)

	versions := []int64{2, 1, 5, 3, 9, 9}
	var applied int64

	for _, v := range versions {
		receipt, err := svc.Dispatch(ctx, "ent-m")
		require.NoError(t, err)

		_, err = svc.Adjudicate(ctx, *receipt, snapshot("ext-m", v), nil)
		require.NoError(t, err)

		e, err := store.Get(ctx, "ent-m")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e.ExternalVersion, applied, "stored version must never decrease")
		applied = e.ExternalVersion

		// Skipped/synced are terminal for the attempt; make it eligible again.
		_, err = store.Update(ctx, "ent-m", func(e *entity.Entity) error {
			e.SyncStatus = entity.StatusPending
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(9), applied)
}
