// Package scheduler drives the live sync path: it picks up pending
// entities, dispatches at most one in-flight task per entity, and retries
// transient failures with exponential backoff until the engine
// dead-letters them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/engine"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/remote"
)

// Dispatcher is the slice of the sync engine the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, entityID string) (*engine.Receipt, error)
	Adjudicate(ctx context.Context, receipt engine.Receipt, snap *remote.Snapshot, callErr error) (engine.Outcome, error)
	RequeueForRetry(ctx context.Context, entityID string) error
}

// Fetcher retrieves the authoritative snapshot for a dispatched task.
type Fetcher interface {
	GetByID(ctx context.Context, externalID string) (*remote.Snapshot, error)
}

// Scheduler owns the task queue, the worker pool, and the retry timers.
type Scheduler struct {
	engine   Dispatcher
	fetcher  Fetcher
	entities entity.Repository
	logger   *loggy.Logger

	limiter *rate.Limiter

	workers      int
	pollInterval time.Duration
	pendingBatch int

	backoffBase   time.Duration
	backoffFactor float64
	backoffMax    time.Duration

	onDeadLetter func(entityID string)

	mu       sync.Mutex
	inflight map[string]struct{}
	timers   map[string]*time.Timer
	closed   bool

	tasks chan string
	wg    sync.WaitGroup
}

// NewScheduler creates a scheduler wired to the given engine and remote
// client. The rate limiter enforces the live-path budget from the remote
// configuration.
func NewScheduler(syncCfg config.SyncConfig, remoteCfg config.RemoteConfig, eng Dispatcher, fetcher Fetcher, entities entity.Repository, logger *loggy.Logger) *Scheduler {
	return &Scheduler{
		engine:        eng,
		fetcher:       fetcher,
		entities:      entities,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(remoteCfg.RequestsPerSecond), remoteCfg.BurstLimit),
		workers:       syncCfg.Workers,
		pollInterval:  syncCfg.PollInterval,
		pendingBatch:  syncCfg.PendingBatch,
		backoffBase:   syncCfg.BackoffBase,
		backoffFactor: syncCfg.BackoffFactor,
		backoffMax:    syncCfg.BackoffMax,
		inflight:      make(map[string]struct{}),
		timers:        make(map[string]*time.Timer),
		tasks:         make(chan string, syncCfg.QueueSize),
	}
}

// SetDeadLetterHook registers a callback invoked whenever an entity reaches
// dead_letter. Must be called before Run.
func (s *Scheduler) SetDeadLetterHook(fn func(entityID string)) {
	s.onDeadLetter = fn
}

// Enqueue offers an entity to the queue. It reports false when the entity
// already has an in-flight task or the queue is full; a dropped entity
// stays pending and the next poll picks it up again.
func (s *Scheduler) Enqueue(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.inflight[entityID]; ok {
		return false
	}

	// The send stays under the lock so it cannot race the channel close
	// in shutdown. Workers receive without the lock, so this never blocks.
	select {
	case s.tasks <- entityID:
		s.inflight[entityID] = struct{}{}
		return true
	default:
		return false
	}
}

func (s *Scheduler) claim(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.inflight[entityID]; ok {
		return false
	}
	s.inflight[entityID] = struct{}{}
	return true
}

func (s *Scheduler) release(entityID string) {
	s.mu.Lock()
	delete(s.inflight, entityID)
	s.mu.Unlock()
}

// Run starts the worker pool and polls for pending entities until the
// context is cancelled. It blocks; callers run it in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.logger.Info("Scheduler started", "workers", s.workers, "poll_interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pollPending(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.pollPending(ctx)
		}
	}
}

// RunOnce drains the pending backlog synchronously, waiting out retry
// backoffs, and returns the number of tasks processed. This is the
// one-shot CLI path; the daemon path is Run.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		// Retry timers re-enqueue through the task channel; with no
		// workers running, drain it here.
		drained, err := s.drainQueued(ctx)
		processed += drained
		if err != nil {
			return processed, err
		}

		pending, err := s.entities.QueryPending(ctx, s.pendingBatch)
		if err != nil {
			return processed, fmt.Errorf("querying pending entities: %w", err)
		}

		for _, e := range pending {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			if !s.claim(e.ID) {
				continue
			}
			s.process(ctx, e.ID)
			processed++
		}

		if len(pending) == 0 && drained == 0 {
			if !s.retriesOutstanding() {
				return processed, nil
			}
			select {
			case <-ctx.Done():
				return processed, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (s *Scheduler) drainQueued(ctx context.Context) (int, error) {
	n := 0
	for {
		select {
		case entityID := <-s.tasks:
			if err := ctx.Err(); err != nil {
				s.release(entityID)
				return n, err
			}
			s.process(ctx, entityID)
			n++
		default:
			return n, nil
		}
	}
}

func (s *Scheduler) retriesOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) > 0
}

func (s *Scheduler) pollPending(ctx context.Context) {
	pending, err := s.entities.QueryPending(ctx, s.pendingBatch)
	if err != nil {
		s.logger.Error("Failed to query pending entities", "error", err)
		return
	}
	for _, e := range pending {
		s.Enqueue(e.ID)
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for entityID := range s.tasks {
		if ctx.Err() != nil {
			s.release(entityID)
			continue
		}
		s.process(ctx, entityID)
	}
}

// process runs one full dispatch-fetch-adjudicate cycle for an entity.
func (s *Scheduler) process(ctx context.Context, entityID string) {
	defer s.release(entityID)

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	receipt, err := s.engine.Dispatch(ctx, entityID)
	if err != nil {
		var stateErr *engine.InvalidStateError
		switch {
		case errors.Is(err, engine.ErrEntityGone):
			s.logger.Debug("Dropping task for gone entity", "entity_id", entityID)
		case errors.As(err, &stateErr):
			s.logger.Debug("Entity not dispatchable", "entity_id", entityID, "status", stateErr.From)
		default:
			s.logger.Error("Dispatch failed", "error", err, "entity_id", entityID)
		}
		return
	}

	var snap *remote.Snapshot
	var callErr error
	if receipt.ExternalID == "" {
		callErr = remote.ErrNotFound
	} else {
		snap, callErr = s.fetcher.GetByID(ctx, receipt.ExternalID)
	}

	outcome, err := s.engine.Adjudicate(ctx, *receipt, snap, callErr)
	if err != nil {
		s.logger.Error("Adjudication failed", "error", err, "entity_id", entityID)
		return
	}

	switch outcome {
	case engine.OutcomeError:
		s.scheduleRetry(entityID, receipt.Attempt)
	case engine.OutcomeDeadLetter:
		s.logger.Warn("Entity dead-lettered", "entity_id", entityID, "attempts", receipt.Attempt)
		if s.onDeadLetter != nil {
			s.onDeadLetter(entityID)
		}
	}
}

// scheduleRetry arms a one-shot timer that moves the entity back to
// pending once its backoff delay elapses, then re-enqueues it.
func (s *Scheduler) scheduleRetry(entityID string, attempt int) {
	delay := s.DelayForAttempt(attempt)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.timers[entityID]; ok {
		s.mu.Unlock()
		return
	}
	s.timers[entityID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, entityID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if err := s.engine.RequeueForRetry(context.Background(), entityID); err != nil {
			// The entity moved on while waiting: resolved, edited, or gone.
			s.logger.Debug("Skipping retry requeue", "entity_id", entityID, "error", err)
			return
		}
		s.Enqueue(entityID)
	})
	s.mu.Unlock()

	s.logger.Debug("Scheduled retry", "entity_id", entityID, "attempt", attempt, "delay", delay)
}

// DelayForAttempt returns the wait before retrying after the given failed
// attempt. Delays grow geometrically from the base and saturate at the cap.
func (s *Scheduler) DelayForAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffBase
	b.RandomizationFactor = 0
	b.Multiplier = s.backoffFactor
	b.MaxInterval = s.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.tasks)
	s.mu.Unlock()

	s.wg.Wait()

	// Drop inflight claims so a restart starts clean.
	s.mu.Lock()
	s.inflight = make(map[string]struct{})
	s.mu.Unlock()

	s.logger.Info("Scheduler stopped")
}
