// Package remote abstracts the authoritative remote system behind a
// small REST client: single fetch, bounded bulk fetch, and an incremental
// change feed. No business logic lives here; adjudication of what a
// snapshot means belongs to the engine.
package remote

import (
	"time"
)

// Snapshot is the remote system's current representation of an entity.
// It is transient: only its effects persist, through entity mutation.
type Snapshot struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Deleted reports whether the remote side has soft-deleted the record.
func (s *Snapshot) Deleted() bool {
	return s.DeletedAt != nil
}

// BulkResult is the response to a bulk fetch: which of the requested ids
// the remote knows about, and which it does not.
type BulkResult struct {
	Found   []*Snapshot `json:"found"`
	Missing []string    `json:"missing,omitempty"`
}

// ChangePage is one page of the incremental change feed.
type ChangePage struct {
	Items      []*Snapshot `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// RateInfo carries the remote's rate-limit signals as of the most recent
// response. Consumed by the scheduler and sweeper for backpressure.
type RateInfo struct {
	Remaining int
	ResetAt   time.Time
}

// Exhausted reports whether the remote quota is used up and has not yet
// reset.
func (r RateInfo) Exhausted(now time.Time) bool {
	return r.Remaining == 0 && !r.ResetAt.IsZero() && now.Before(r.ResetAt)
}
