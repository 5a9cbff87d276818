// Package engine implements the sync state machine: dispatching per-entity
// sync work and adjudicating remote call outcomes into new local state.
// The ordering of adjudication checks is the central correctness property
// of the whole system; see Service.Adjudicate.
package engine

import (
	"fmt"
	"time"

	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/ulid"
)

// Outcome is the result of one adjudication.
type Outcome string

const (
	// OutcomeSynced means the remote snapshot was applied.
	OutcomeSynced Outcome = "synced"
	// OutcomeSkipped means the remote version was not newer; no-op.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeleted means a remote soft-delete was propagated.
	OutcomeDeleted Outcome = "deleted"
	// OutcomeError means the remote call failed transiently; may retry.
	OutcomeError Outcome = "error"
	// OutcomeValidationFailed means the snapshot was malformed.
	OutcomeValidationFailed Outcome = "validation_failed"
	// OutcomeVersionConflict means a concurrent local edit won the race.
	OutcomeVersionConflict Outcome = "version_conflict"
	// OutcomeDeadLetter means the retry budget is exhausted.
	OutcomeDeadLetter Outcome = "dead_letter"
	// OutcomeSuperseded means the adjudication was a no-op: the job ref
	// was stale or the entity had already reached a terminal state.
	OutcomeSuperseded Outcome = "superseded"
)

// Failure reports whether the outcome counts as a failed sync attempt
// for monitoring purposes.
func (o Outcome) Failure() bool {
	switch o {
	case OutcomeError, OutcomeValidationFailed, OutcomeVersionConflict, OutcomeDeadLetter:
		return true
	}
	return false
}

// Error codes recorded on entities and sync logs.
const (
	CodeTransport  = "transport"
	CodeNotFound   = "missing_in_remote"
	CodeValidation = "validation"
	CodeChecksum   = "checksum_mismatch"
	CodeConflict   = "concurrent_local_edit"
)

// InvalidStateError signals an attempted illegal status transition, such
// as dispatching an entity that is already processing.
type InvalidStateError struct {
	EntityID string
	From     entity.SyncStatus
	To       entity.SyncStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("entity %s: illegal transition %s -> %s", e.EntityID, e.From, e.To)
}

// Receipt identifies one dispatched sync attempt. The job ref ties the
// eventual adjudication back to this dispatch so stale results are
// detected; the dispatch time anchors race detection.
type Receipt struct {
	EntityID     string
	ExternalID   string
	JobRef       string
	Attempt      int
	DispatchedAt time.Time
}

// SyncLog is one append-only audit row per adjudication.
type SyncLog struct {
	ID           string    `json:"id"`
	EntityID     string    `json:"entity_id"`
	JobRef       string    `json:"job_ref,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempt      int       `json:"attempt"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// NewSyncLog creates a sync log entry for a dispatched attempt.
func NewSyncLog(receipt Receipt) *SyncLog {
	return &SyncLog{
		ID:        ulid.SyncLogID(),
		EntityID:  receipt.EntityID,
		JobRef:    receipt.JobRef,
		Attempt:   receipt.Attempt,
		StartedAt: receipt.DispatchedAt,
	}
}

// Finish stamps the outcome on the log entry.
func (l *SyncLog) Finish(outcome Outcome, code, message string) *SyncLog {
	l.Outcome = outcome
	l.ErrorCode = code
	l.ErrorMessage = message
	l.CompletedAt = time.Now().UTC()
	return l
}

// Resolution is an operator's decision for an entity stuck in
// validation_failed, version_conflict, or dead_letter.
type Resolution string

const (
	// ResolutionAcceptRemote re-enqueues the entity; the next sync applies
	// the remote state if it is still newer.
	ResolutionAcceptRemote Resolution = "accept_remote"
	// ResolutionKeepLocal declares the local payload authoritative and
	// marks the entity synced; a later sweep will surface remaining drift.
	ResolutionKeepLocal Resolution = "keep_local"
	// ResolutionRetry re-enqueues the entity with a fresh retry budget.
	ResolutionRetry Resolution = "retry"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionAcceptRemote, ResolutionKeepLocal, ResolutionRetry:
		return true
	}
	return false
}
