// Package reconcile implements the batch sweeper that compares the local
// population against the remote system and records or repairs the drift
// the live sync path missed.
package reconcile

import (
	"time"

	"github.com/tildaslashalef/driftsync/internal/ulid"
)

// DiscrepancyType classifies what a sweep comparison found.
type DiscrepancyType string

const (
	// DiscrepancyVersionMismatch means local and remote versions differ.
	DiscrepancyVersionMismatch DiscrepancyType = "version_mismatch"
	// DiscrepancyDataMismatch means versions agree but the payloads do not.
	DiscrepancyDataMismatch DiscrepancyType = "data_mismatch"
	// DiscrepancyMissingInRemote means the remote has no record for a
	// correlated local entity.
	DiscrepancyMissingInRemote DiscrepancyType = "missing_in_remote"
	// DiscrepancyDeletedInRemote means the remote soft-deleted a record
	// that is still live locally.
	DiscrepancyDeletedInRemote DiscrepancyType = "deleted_in_remote"
	// DiscrepancyChecksumMismatch means the remote snapshot failed its own
	// integrity check.
	DiscrepancyChecksumMismatch DiscrepancyType = "checksum_mismatch"
)

// Valid reports whether t is a known discrepancy type.
func (t DiscrepancyType) Valid() bool {
	switch t {
	case DiscrepancyVersionMismatch, DiscrepancyDataMismatch,
		DiscrepancyMissingInRemote, DiscrepancyDeletedInRemote,
		DiscrepancyChecksumMismatch:
		return true
	}
	return false
}

// Record is one append-only audit row per detected discrepancy. It is
// never mutated except to stamp resolution.
type Record struct {
	ID              string          `json:"id"`
	EntityID        string          `json:"entity_id"`
	ExternalID      string          `json:"external_id,omitempty"`
	DiscrepancyType DiscrepancyType `json:"discrepancy_type"`
	Details         string          `json:"details,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// NewRecord creates a reconciliation record for a detected discrepancy.
func NewRecord(entityID, externalID string, dtype DiscrepancyType, details string) *Record {
	return &Record{
		ID:              ulid.RecordID(),
		EntityID:        entityID,
		ExternalID:      externalID,
		DiscrepancyType: dtype,
		Details:         details,
		DetectedAt:      time.Now().UTC(),
	}
}

// Resolved reports whether the discrepancy has been repaired.
func (r *Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// Report summarizes one sweep pass.
type Report struct {
	StartedAt     time.Time               `json:"started_at"`
	FinishedAt    time.Time               `json:"finished_at"`
	Scanned       int                     `json:"scanned"`
	Consistent    int                     `json:"consistent"`
	Discrepancies map[DiscrepancyType]int `json:"discrepancies"`
	Healed        int                     `json:"healed"`
	Errors        int                     `json:"errors"`
}

func newReport() *Report {
	return &Report{
		StartedAt:     time.Now().UTC(),
		Discrepancies: make(map[DiscrepancyType]int),
	}
}

// TotalDiscrepancies returns the number of discrepancies found in the pass.
func (r *Report) TotalDiscrepancies() int {
	total := 0
	for _, n := range r.Discrepancies {
		total += n
	}
	return total
}

func (r *Report) record(dtype DiscrepancyType) {
	r.Discrepancies[dtype]++
}
