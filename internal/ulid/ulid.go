// Package ulid provides prefixed, lexicographically sortable identifiers
// built on github.com/oklog/ulid/v2. Prefixes make IDs self-describing in
// logs and the database ("ent-...", "task-...") while the underlying ULID
// keeps them time-ordered, which matters for keyset pagination over
// entities and audit rows.
package ulid

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes used across the engine.
const (
	PrefixEntity  = "ent"
	PrefixTask    = "task"
	PrefixJob     = "job"
	PrefixRecord  = "rec"
	PrefixAlert   = "alr"
	PrefixSyncLog = "slog"

	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// ULID wraps ulid.ULID with an optional domain prefix.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID carrying the given prefix.
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// Parse parses a plain or prefixed ULID string.
func Parse(id string) (ULID, error) {
	var rawID, prefix string

	if i := strings.Index(id, PrefixSeparator); i >= 0 {
		prefix = id[:i]
		rawID = id[i+1:]
	} else {
		rawID = id
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// Validate reports whether id is a well-formed plain or prefixed ULID.
func Validate(id string) bool {
	_, err := Parse(id)
	return err == nil
}

// Prefix returns the prefix of the ULID, if any.
func (u ULID) Prefix() string {
	return u.prefix
}

// IsZero returns true if the ULID is the zero value.
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// String renders the ULID as "prefix-ulid" when a prefix is set.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// Value implements driver.Valuer; ULIDs are stored as strings.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements sql.Scanner for string and []byte columns.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// Domain-specific ID constructors.

// EntityID generates an entity identifier.
func EntityID() string {
	return GenerateWithPrefix(PrefixEntity).String()
}

// TaskID generates a sync task identifier.
func TaskID() string {
	return GenerateWithPrefix(PrefixTask).String()
}

// JobRef generates a per-dispatch job reference used to detect stale
// adjudications.
func JobRef() string {
	return GenerateWithPrefix(PrefixJob).String()
}

// RecordID generates a reconciliation record identifier.
func RecordID() string {
	return GenerateWithPrefix(PrefixRecord).String()
}

// AlertID generates an alert identifier.
func AlertID() string {
	return GenerateWithPrefix(PrefixAlert).String()
}

// SyncLogID generates a sync log identifier.
func SyncLogID() string {
	return GenerateWithPrefix(PrefixSyncLog).String()
}
