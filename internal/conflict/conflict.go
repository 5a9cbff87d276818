// Package conflict holds the pure decision functions the sync engine uses
// to adjudicate a remote snapshot against local state: version ordering,
// concurrent-edit detection, shape validation, and checksum verification.
// Everything here is deterministic and side-effect free.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tildaslashalef/driftsync/internal/remote"
)

// VersionOrder classifies a remote version relative to the local one.
type VersionOrder int

const (
	// VersionStale means the remote version is behind the local one.
	VersionStale VersionOrder = iota
	// VersionSame means both sides carry the same version.
	VersionSame
	// VersionNewer means the remote version is ahead of the local one.
	VersionNewer
)

func (o VersionOrder) String() string {
	switch o {
	case VersionStale:
		return "stale"
	case VersionSame:
		return "same"
	case VersionNewer:
		return "newer"
	default:
		return "unknown"
	}
}

// CompareVersions orders a remote version against the local one.
func CompareVersions(local, remoteVersion int64) VersionOrder {
	switch {
	case remoteVersion > local:
		return VersionNewer
	case remoteVersion == local:
		return VersionSame
	default:
		return VersionStale
	}
}

// DetectRace reports whether a local edit landed after the sync task was
// dispatched, meaning the in-flight snapshot may be stale relative to
// what the user just wrote.
func DetectRace(localModifiedAt, dispatchedAt time.Time) bool {
	return localModifiedAt.After(dispatchedAt)
}

// FieldError describes a single validation failure in a snapshot.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// knownStatuses is the closed set of values accepted for a payload-level
// "status" field, when present.
var knownStatuses = map[string]struct{}{
	"active":   {},
	"inactive": {},
	"archived": {},
}

// ValidateShape checks a snapshot for structural validity: required
// fields present, types conformant, enumerated values in range. A nil
// result means the snapshot is applicable.
func ValidateShape(snap *remote.Snapshot) []FieldError {
	var errs []FieldError

	if snap == nil {
		return []FieldError{{Field: "snapshot", Message: "missing"}}
	}

	if snap.ID == "" {
		errs = append(errs, FieldError{Field: "id", Message: "required"})
	}
	if snap.Version <= 0 {
		errs = append(errs, FieldError{Field: "version", Message: "must be a positive integer"})
	}
	if snap.UpdatedAt.IsZero() {
		errs = append(errs, FieldError{Field: "updated_at", Message: "required"})
	}
	if snap.DeletedAt != nil && snap.DeletedAt.IsZero() {
		errs = append(errs, FieldError{Field: "deleted_at", Message: "must be a valid timestamp when set"})
	}

	if raw, ok := snap.Fields["status"]; ok {
		status, isString := raw.(string)
		if !isString {
			errs = append(errs, FieldError{Field: "status", Message: "must be a string"})
		} else if _, known := knownStatuses[status]; !known {
			errs = append(errs, FieldError{Field: "status", Message: fmt.Sprintf("unknown value %q", status)})
		}
	}

	return errs
}

// VerifyChecksum recomputes the canonical checksum of a snapshot and
// compares it to the expected value. An empty expected checksum passes:
// the remote marks checksums optional.
func VerifyChecksum(snap *remote.Snapshot, expected string) bool {
	if expected == "" {
		return true
	}
	return Checksum(snap) == expected
}

// Checksum computes a canonical SHA-256 over the identity fields and the
// domain payload in sorted key order. The fixed ordering makes the hash
// stable across map iteration order and both sides of the wire.
func Checksum(snap *remote.Snapshot) string {
	var b strings.Builder

	b.WriteString(snap.ID)
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d", snap.Version)
	b.WriteByte('|')

	keys := make([]string, 0, len(snap.Fields))
	for k := range snap.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, snap.Fields[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
