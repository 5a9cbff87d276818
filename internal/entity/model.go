// Package entity defines the synchronized business record and its sync
// lifecycle. An entity is the local half of a pair: the remote system owns
// the authoritative copy, correlated through ExternalID, and the fields
// here track how far apart the two halves are.
package entity

import (
	"encoding/json"
	"time"

	"github.com/tildaslashalef/driftsync/internal/ulid"
)

// SyncStatus represents where an entity sits in the sync lifecycle.
type SyncStatus string

const (
	// StatusPending means a local write awaits synchronization.
	StatusPending SyncStatus = "pending"
	// StatusProcessing means a sync task is in flight for the entity.
	StatusProcessing SyncStatus = "processing"
	// StatusSynced means local and remote agree as of the last attempt.
	StatusSynced SyncStatus = "synced"
	// StatusError means the last attempt failed transiently and may retry.
	StatusError SyncStatus = "error"
	// StatusValidationFailed means the remote payload was malformed;
	// requires upstream data correction, never retried automatically.
	StatusValidationFailed SyncStatus = "validation_failed"
	// StatusVersionConflict means a concurrent local edit beat a stale
	// remote result; requires explicit resolution.
	StatusVersionConflict SyncStatus = "version_conflict"
	// StatusSkipped means the remote result was a no-op (version not newer).
	StatusSkipped SyncStatus = "skipped"
	// StatusDeadLetter means retries are exhausted; manual intervention.
	StatusDeadLetter SyncStatus = "dead_letter"
)

// transitions is the closed set of legal status moves. Operator-driven
// moves out of validation_failed and version_conflict are included here;
// the engine only takes them through Resolve, never automatically.
var transitions = map[SyncStatus][]SyncStatus{
	// pending -> version_conflict covers the race where a user edit reset
	// the entity to pending while its task was still in flight; the stale
	// task's adjudication then loses to the edit.
	StatusPending:    {StatusProcessing, StatusVersionConflict},
	StatusProcessing: {StatusSynced, StatusSkipped, StatusError, StatusValidationFailed, StatusVersionConflict, StatusDeadLetter},
	StatusError:      {StatusPending, StatusDeadLetter},
	StatusSynced:     {StatusPending},
	StatusSkipped:    {StatusPending},
	// Operator action only.
	StatusValidationFailed: {StatusPending},
	StatusVersionConflict:  {StatusPending, StatusSynced},
	StatusDeadLetter:       {StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to SyncStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the current sync attempt's
// lifecycle without further automatic action.
func (s SyncStatus) Terminal() bool {
	switch s {
	case StatusSynced, StatusSkipped, StatusValidationFailed, StatusVersionConflict, StatusDeadLetter:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SyncStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Entity is the locally stored record correlated with a remote
// authoritative record.
type Entity struct {
	ID               string          `json:"id"`
	ExternalID       string          `json:"external_id,omitempty"`
	ExternalVersion  int64           `json:"external_version"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	SyncStatus       SyncStatus      `json:"sync_status"`
	SyncJobRef       string          `json:"sync_job_ref,omitempty"`
	SyncErrorCode    string          `json:"sync_error_code,omitempty"`
	SyncErrorMessage string          `json:"sync_error_message,omitempty"`
	RetryCount       int             `json:"retry_count"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty"`
	LastSyncAttempt  *time.Time      `json:"last_sync_attempt,omitempty"`
	LastSyncSuccess  *time.Time      `json:"last_sync_success,omitempty"`
	LastReconciledAt *time.Time      `json:"last_reconciled_at,omitempty"`
	LocalModifiedAt  time.Time       `json:"local_modified_at"`
	CreatedAt        time.Time       `json:"created_at"`

	// RowVersion is the store's write token: bumped on every UPDATE and
	// used as the optimistic guard, so any intervening write is detected
	// even when it leaves LocalModifiedAt untouched.
	RowVersion int64 `json:"-"`
}

// New creates a new entity from a local write. It starts pending, so the
// scheduler will pick it up on the next poll even if the enqueue that
// accompanies the write is lost.
func New(externalID string, payload json.RawMessage) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:              ulid.EntityID(),
		ExternalID:      externalID,
		Payload:         payload,
		SyncStatus:      StatusPending,
		LocalModifiedAt: now,
		CreatedAt:       now,
	}
}

// Deleted reports whether the entity is soft-deleted.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// SetError records a sync failure on the entity.
func (e *Entity) SetError(code, message string) {
	e.SyncErrorCode = code
	e.SyncErrorMessage = message
}

// ClearError removes any recorded sync failure.
func (e *Entity) ClearError() {
	e.SyncErrorCode = ""
	e.SyncErrorMessage = ""
}
