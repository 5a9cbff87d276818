package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tildaslashalef/driftsync/internal/remote"
)

func validSnapshot() *remote.Snapshot {
	return &remote.Snapshot{
		ID:        "ext-1",
		Version:   5,
		UpdatedAt: time.Now(),
		Fields: map[string]any{
			"name":   "widget",
			"status": "active",
		},
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name   string
		local  int64
		remote int64
		want   VersionOrder
	}{
		{"remote ahead", 3, 5, VersionNewer},
		{"same version", 3, 3, VersionSame},
		{"remote behind", 3, 2, VersionStale},
		{"first sync", 0, 1, VersionNewer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.local, tt.remote))
		})
	}
}

func TestDetectRace(t *testing.T) {
	dispatched := time.Now()

	assert.True(t, DetectRace(dispatched.Add(time.Second), dispatched),
		"edit after dispatch is a race")
	assert.False(t, DetectRace(dispatched.Add(-time.Second), dispatched),
		"edit before dispatch is not a race")
	assert.False(t, DetectRace(dispatched, dispatched),
		"simultaneous timestamps are not a race")
}

func TestValidateShape(t *testing.T) {
	t.Run("valid snapshot", func(t *testing.T) {
		assert.Empty(t, ValidateShape(validSnapshot()))
	})

	t.Run("nil snapshot", func(t *testing.T) {
		errs := ValidateShape(nil)
		assert.Len(t, errs, 1)
		assert.Equal(t, "snapshot", errs[0].Field)
	})

	t.Run("missing required fields", func(t *testing.T) {
		snap := &remote.Snapshot{}
		errs := ValidateShape(snap)

		fields := make([]string, 0, len(errs))
		for _, e := range errs {
			fields = append(fields, e.Field)
		}
		assert.Contains(t, fields, "id")
		assert.Contains(t, fields, "version")
		assert.Contains(t, fields, "updated_at")
	})

	t.Run("non-positive version", func(t *testing.T) {
		snap := validSnapshot()
		snap.Version = 0
		errs := ValidateShape(snap)
		assert.Len(t, errs, 1)
		assert.Equal(t, "version", errs[0].Field)
	})

	t.Run("status must be a string", func(t *testing.T) {
		snap := validSnapshot()
		snap.Fields["status"] = 42
		errs := ValidateShape(snap)
		assert.Len(t, errs, 1)
		assert.Equal(t, "status", errs[0].Field)
	})

	t.Run("unknown status value", func(t *testing.T) {
		snap := validSnapshot()
		snap.Fields["status"] = "hibernating"
		errs := ValidateShape(snap)
		assert.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "hibernating")
	})
}

func TestChecksum(t *testing.T) {
	t.Run("deterministic across field order", func(t *testing.T) {
		a := validSnapshot()
		b := &remote.Snapshot{
			ID:        a.ID,
			Version:   a.Version,
			UpdatedAt: a.UpdatedAt,
			Fields: map[string]any{
				"status": "active",
				"name":   "widget",
			},
		}
		assert.Equal(t, Checksum(a), Checksum(b))
	})

	t.Run("sensitive to field changes", func(t *testing.T) {
		a := validSnapshot()
		b := validSnapshot()
		b.Fields["name"] = "gadget"
		assert.NotEqual(t, Checksum(a), Checksum(b))
	})

	t.Run("sensitive to version", func(t *testing.T) {
		a := validSnapshot()
		b := validSnapshot()
		b.Version++
		assert.NotEqual(t, Checksum(a), Checksum(b))
	})
}

func TestVerifyChecksum(t *testing.T) {
	snap := validSnapshot()

	assert.True(t, VerifyChecksum(snap, ""), "empty expected checksum passes")
	assert.True(t, VerifyChecksum(snap, Checksum(snap)))
	assert.False(t, VerifyChecksum(snap, "deadbeef"))
}
