package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from SyncStatus
		to   SyncStatus
		want bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to version conflict on stale task", StatusPending, StatusVersionConflict, true},
		{"pending to synced skips processing", StatusPending, StatusSynced, false},
		{"processing to synced", StatusProcessing, StatusSynced, true},
		{"processing to skipped", StatusProcessing, StatusSkipped, true},
		{"processing to error", StatusProcessing, StatusError, true},
		{"processing to validation failed", StatusProcessing, StatusValidationFailed, true},
		{"processing to version conflict", StatusProcessing, StatusVersionConflict, true},
		{"processing to dead letter", StatusProcessing, StatusDeadLetter, true},
		{"processing to pending", StatusProcessing, StatusPending, false},
		{"error to pending for retry", StatusError, StatusPending, true},
		{"error to dead letter at cap", StatusError, StatusDeadLetter, true},
		{"error to synced", StatusError, StatusSynced, false},
		{"synced to pending on local edit", StatusSynced, StatusPending, true},
		{"synced to processing", StatusSynced, StatusProcessing, false},
		{"skipped to pending", StatusSkipped, StatusPending, true},
		{"validation failed to pending", StatusValidationFailed, StatusPending, true},
		{"validation failed to synced", StatusValidationFailed, StatusSynced, false},
		{"version conflict to pending", StatusVersionConflict, StatusPending, true},
		{"version conflict to synced", StatusVersionConflict, StatusSynced, true},
		{"dead letter to pending", StatusDeadLetter, StatusPending, true},
		{"dead letter to processing", StatusDeadLetter, StatusProcessing, false},
		{"unknown source", SyncStatus("bogus"), StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSyncStatusTerminal(t *testing.T) {
	terminal := []SyncStatus{StatusSynced, StatusSkipped, StatusValidationFailed, StatusVersionConflict, StatusDeadLetter}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	for _, s := range []SyncStatus{StatusPending, StatusProcessing, StatusError} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestSyncStatusValid(t *testing.T) {
	for s := range transitions {
		assert.True(t, s.Valid(), "%s should be valid", s)
	}
	assert.False(t, SyncStatus("").Valid())
	assert.False(t, SyncStatus("archived").Valid())
}

func TestNewEntity(t *testing.T) {
	payload := json.RawMessage(`{"name":"widget"}`)
	e := New("ext-42", payload)

	require.NotEmpty(t, e.ID)
	assert.Contains(t, e.ID, "ent-")
	assert.Equal(t, "ext-42", e.ExternalID)
	assert.Equal(t, StatusPending, e.SyncStatus)
	assert.Equal(t, int64(0), e.ExternalVersion)
	assert.JSONEq(t, string(payload), string(e.Payload))
	assert.False(t, e.LocalModifiedAt.IsZero())
	assert.Equal(t, e.CreatedAt, e.LocalModifiedAt)
	assert.False(t, e.Deleted())
}

func TestEntityDeleted(t *testing.T) {
	e := New("ext-1", nil)
	assert.False(t, e.Deleted())

	now := time.Now().UTC()
	e.DeletedAt = &now
	assert.True(t, e.Deleted())
}

func TestEntityErrorState(t *testing.T) {
	e := New("ext-1", nil)

	e.SetError("TIMEOUT", "remote did not answer in time")
	assert.Equal(t, "TIMEOUT", e.SyncErrorCode)
	assert.Equal(t, "remote did not answer in time", e.SyncErrorMessage)

	e.ClearError()
	assert.Empty(t, e.SyncErrorCode)
	assert.Empty(t, e.SyncErrorMessage)
}
