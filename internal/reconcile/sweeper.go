package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/conflict"
	"github.com/tildaslashalef/driftsync/internal/engine"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/remote"
)

// Adjudicator is the slice of the sync engine the sweeper uses to repair
// drift. Reusing the live adjudication path keeps every repair behind the
// same version and race checks, so a sweep can never clobber a concurrent
// local edit.
type Adjudicator interface {
	Dispatch(ctx context.Context, entityID string) (*engine.Receipt, error)
	Adjudicate(ctx context.Context, receipt engine.Receipt, snap *remote.Snapshot, callErr error) (engine.Outcome, error)
}

// BulkFetcher retrieves remote snapshots in batches and exposes the
// remote's incremental change feed.
type BulkFetcher interface {
	BulkGetByIDs(ctx context.Context, ids []string) (*remote.BulkResult, error)
	ListChangedSince(ctx context.Context, since time.Time, cursor string) (*remote.ChangePage, error)
	MaxBulkIDs() int
	RateInfo() remote.RateInfo
}

// errNotHealable aborts a repair for an entity whose current state must
// not be changed without an operator.
var errNotHealable = errors.New("entity not auto-healable")

// Sweeper runs batch comparisons between the local population and the
// remote system. It shares nothing with the live path except the engine,
// and its rate budget is configured below the live path's so a sweep never
// starves interactive syncs.
type Sweeper struct {
	entities entity.Repository
	records  RecordRepository
	fetcher  BulkFetcher
	engine   Adjudicator
	logger   *loggy.Logger

	limiter     *rate.Limiter
	batchSize   int
	autoHeal    bool
	incremental bool
	interval    time.Duration

	onReport func(*Report)

	mu        sync.Mutex
	lastSweep time.Time
}

// NewSweeper creates a reconciliation sweeper.
func NewSweeper(cfg config.ReconcileConfig, entities entity.Repository, records RecordRepository, fetcher BulkFetcher, eng Adjudicator, logger *loggy.Logger) *Sweeper {
	return &Sweeper{
		entities:    entities,
		records:     records,
		fetcher:     fetcher,
		engine:      eng,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstLimit),
		batchSize:   cfg.BatchSize,
		autoHeal:    cfg.AutoHeal,
		incremental: cfg.Incremental,
		interval:    cfg.Interval,
	}
}

// SetReportHook registers a callback invoked with the report of every
// completed sweep. Must be called before Run.
func (s *Sweeper) SetReportHook(fn func(*Report)) {
	s.onReport = fn
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Reconciliation sweeper started", "interval", s.interval, "auto_heal", s.autoHeal)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweeper stopped")
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx, false)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Reconciliation sweep failed", "error", err)
			}
			if report != nil && s.onReport != nil {
				s.onReport(report)
			}
		}
	}
}

// Sweep compares the correlated local population against the remote and
// records every discrepancy. Incremental sweeps first walk the remote
// change feed since the previous sweep, so remote-side edits are caught
// without waiting for the local filter to readmit the entity; the keyset
// walk that follows covers local-side changes. full forces a complete
// keyset pass over the whole population.
func (s *Sweeper) Sweep(ctx context.Context, full bool) (*Report, error) {
	report := newReport()

	var since time.Time
	s.mu.Lock()
	if s.incremental && !full {
		since = s.lastSweep
	}
	s.mu.Unlock()

	seen := make(map[string]struct{})
	if !since.IsZero() {
		if err := s.sweepChanges(ctx, since, seen, report); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}

		batch, err := s.entities.QueryForReconciliation(ctx, entity.ReconcileFilter{
			AfterID:       afterID,
			Limit:         s.batchSize,
			ModifiedSince: since,
		})
		if err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, fmt.Errorf("querying reconciliation batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		if err := s.sweepBatch(ctx, batch, seen, report); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	report.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	s.lastSweep = report.StartedAt
	s.mu.Unlock()

	s.logger.Info("Reconciliation sweep finished",
		"scanned", report.Scanned,
		"consistent", report.Consistent,
		"discrepancies", report.TotalDiscrepancies(),
		"healed", report.Healed,
		"errors", report.Errors,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// sweepChanges walks the remote change feed and classifies every locally
// tracked entity the feed names. The feed carries full snapshots, so no
// second fetch is needed. Entities handled here are added to seen so the
// keyset walk does not classify them twice in the same sweep. A feed
// failure is not fatal: the keyset walk still runs.
func (s *Sweeper) sweepChanges(ctx context.Context, since time.Time, seen map[string]struct{}, report *Report) error {
	cursor := ""
	for {
		if err := s.waitBudget(ctx); err != nil {
			return err
		}

		page, err := s.fetcher.ListChangedSince(ctx, since, cursor)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			report.Errors++
			s.logger.Warn("Change feed fetch failed, continuing with local scan", "error", err)
			return nil
		}

		for _, snap := range page.Items {
			e, err := s.entities.GetByExternalID(ctx, snap.ID)
			if errors.Is(err, entity.ErrNotFound) {
				// Not tracked locally; creation is an operator decision.
				continue
			}
			if err != nil {
				report.Errors++
				s.logger.Error("Failed to load entity for feed entry", "error", err, "external_id", snap.ID)
				continue
			}

			seen[e.ID] = struct{}{}
			report.Scanned++
			s.classify(ctx, e, snap, report)
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (s *Sweeper) sweepBatch(ctx context.Context, batch []*entity.Entity, seen map[string]struct{}, report *Report) error {
	snapshots := make(map[string]*remote.Snapshot, len(batch))
	fetched := make(map[string]struct{}, len(batch))

	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		if _, ok := seen[e.ID]; ok {
			// Already classified from the change feed this sweep.
			continue
		}
		ids = append(ids, e.ExternalID)
	}
	if len(ids) == 0 {
		return nil
	}

	chunkSize := s.fetcher.MaxBulkIDs()
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		if err := s.waitBudget(ctx); err != nil {
			return err
		}

		result, err := s.fetcher.BulkGetByIDs(ctx, chunk)
		if err != nil {
			report.Errors++
			s.logger.Warn("Bulk fetch failed, skipping chunk", "error", err, "ids", len(chunk))
			continue
		}
		for _, id := range chunk {
			fetched[id] = struct{}{}
		}
		for _, snap := range result.Found {
			snapshots[snap.ID] = snap
		}
	}

	for _, e := range batch {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		if _, ok := fetched[e.ExternalID]; !ok {
			// The chunk failed; leave the entity for the next sweep.
			continue
		}
		report.Scanned++
		s.classify(ctx, e, snapshots[e.ExternalID], report)
	}
	return nil
}

// waitBudget blocks until the sweeper may spend a remote call: first on
// the remote's own published quota, then on the local sweep budget.
func (s *Sweeper) waitBudget(ctx context.Context) error {
	if info := s.fetcher.RateInfo(); info.Exhausted(time.Now().UTC()) {
		wait := time.Until(info.ResetAt)
		s.logger.Debug("Remote rate quota exhausted, pausing sweep", "until", info.ResetAt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return s.limiter.Wait(ctx)
}

// classify compares one entity against its snapshot (nil means the remote
// has no record) and records, and where policy allows repairs, the
// discrepancy.
func (s *Sweeper) classify(ctx context.Context, e *entity.Entity, snap *remote.Snapshot, report *Report) {
	now := time.Now().UTC()

	switch {
	case snap == nil:
		if e.Deleted() {
			// Gone on both sides.
			report.Consistent++
			s.stampReconciled(ctx, e.ID, now)
			return
		}
		// Never auto-created remotely: could be data loss on the remote
		// side, so an operator decides.
		s.open(ctx, e, DiscrepancyMissingInRemote,
			fmt.Sprintf("no remote record for external id %s", e.ExternalID), report, nil)

	case snap.Deleted():
		if e.Deleted() {
			report.Consistent++
			s.stampReconciled(ctx, e.ID, now)
			return
		}
		// Remote deletes always propagate.
		s.open(ctx, e, DiscrepancyDeletedInRemote,
			fmt.Sprintf("remote deleted at %s", snap.DeletedAt.Format(time.RFC3339)),
			report, func() bool { return s.healViaAdjudication(ctx, e.ID, snap) })

	case snap.Checksum != "" && !conflict.VerifyChecksum(snap, snap.Checksum):
		s.open(ctx, e, DiscrepancyChecksumMismatch,
			fmt.Sprintf("snapshot checksum invalid at version %d", snap.Version), report, nil)

	case e.ExternalVersion != snap.Version:
		var heal func() bool
		if s.autoHeal {
			heal = func() bool { return s.healViaAdjudication(ctx, e.ID, snap) }
		}
		s.open(ctx, e, DiscrepancyVersionMismatch,
			fmt.Sprintf("local version %d, remote version %d", e.ExternalVersion, snap.Version), report, heal)

	case !payloadMatches(e.Payload, snap.Fields):
		var heal func() bool
		if s.autoHeal {
			heal = func() bool { return s.healDataDrift(ctx, e.ID, snap) }
		}
		s.open(ctx, e, DiscrepancyDataMismatch,
			fmt.Sprintf("payload differs from remote at version %d", snap.Version), report, heal)

	default:
		report.Consistent++
		s.stampReconciled(ctx, e.ID, now)
	}
}

// open records a discrepancy and, when a heal function is supplied and
// succeeds, stamps it resolved in the same pass.
func (s *Sweeper) open(ctx context.Context, e *entity.Entity, dtype DiscrepancyType, details string, report *Report, heal func() bool) {
	report.record(dtype)

	rec := NewRecord(e.ID, e.ExternalID, dtype, details)
	if err := s.records.Create(ctx, rec); err != nil {
		report.Errors++
		s.logger.Error("Failed to create reconciliation record", "error", err, "entity_id", e.ID)
		return
	}

	s.logger.Debug("Discrepancy detected", "entity_id", e.ID, "type", dtype, "details", details)

	if heal == nil || !heal() {
		return
	}

	report.Healed++
	now := time.Now().UTC()
	if err := s.records.MarkResolved(ctx, rec.ID, now); err != nil {
		s.logger.Error("Failed to resolve reconciliation record", "error", err, "record_id", rec.ID)
	}
	s.stampReconciled(ctx, e.ID, now)
}

// healViaAdjudication re-enqueues the entity and runs the standard
// dispatch and adjudication cycle against the snapshot the sweep already
// fetched. Entities in operator-owned states are never touched.
func (s *Sweeper) healViaAdjudication(ctx context.Context, entityID string, snap *remote.Snapshot) bool {
	_, err := s.entities.Update(ctx, entityID, func(cur *entity.Entity) error {
		switch cur.SyncStatus {
		case entity.StatusSynced, entity.StatusSkipped, entity.StatusError:
			cur.SyncStatus = entity.StatusPending
			return nil
		case entity.StatusPending:
			// Already queued; the live path owns it.
			return nil
		default:
			return errNotHealable
		}
	})
	if err != nil {
		s.logger.Debug("Skipping repair", "entity_id", entityID, "error", err)
		return false
	}

	receipt, err := s.engine.Dispatch(ctx, entityID)
	if err != nil {
		s.logger.Debug("Repair dispatch refused", "entity_id", entityID, "error", err)
		return false
	}

	outcome, err := s.engine.Adjudicate(ctx, *receipt, snap, nil)
	if err != nil {
		s.logger.Error("Repair adjudication failed", "error", err, "entity_id", entityID)
		return false
	}

	switch outcome {
	case engine.OutcomeSynced, engine.OutcomeDeleted:
		return true
	default:
		return false
	}
}

// healDataDrift overwrites a drifted payload with the authoritative remote
// fields at the same version. Restricted to settled entities: a pending
// or conflicted row owns its payload until the live path or an operator
// settles it.
func (s *Sweeper) healDataDrift(ctx context.Context, entityID string, snap *remote.Snapshot) bool {
	payload, err := json.Marshal(snap.Fields)
	if err != nil {
		s.logger.Error("Failed to encode remote fields", "error", err, "entity_id", entityID)
		return false
	}

	_, err = s.entities.Update(ctx, entityID, func(cur *entity.Entity) error {
		switch cur.SyncStatus {
		case entity.StatusSynced, entity.StatusSkipped:
		default:
			return errNotHealable
		}
		if cur.ExternalVersion != snap.Version {
			// Moved on since the comparison; the live path will catch up.
			return errNotHealable
		}
		cur.Payload = payload
		return nil
	})
	if err != nil {
		s.logger.Debug("Skipping payload repair", "entity_id", entityID, "error", err)
		return false
	}
	return true
}

func (s *Sweeper) stampReconciled(ctx context.Context, entityID string, at time.Time) {
	_, err := s.entities.Update(ctx, entityID, func(e *entity.Entity) error {
		e.LastReconciledAt = &at
		return nil
	})
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		s.logger.Debug("Failed to stamp reconciliation time", "entity_id", entityID, "error", err)
	}
}

// payloadMatches compares a stored payload against remote fields after
// normalizing both through JSON, so formatting and number encoding never
// count as drift.
func payloadMatches(payload []byte, fields map[string]any) bool {
	var local map[string]any
	if err := json.Unmarshal(payload, &local); err != nil {
		return false
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return false
	}
	var normalized map[string]any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return false
	}

	if len(local) == 0 && len(normalized) == 0 {
		return true
	}
	return reflect.DeepEqual(local, normalized)
}
