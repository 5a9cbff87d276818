package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/conflict"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/remote"
	"github.com/tildaslashalef/driftsync/internal/ulid"
)

var (
	// ErrEntityGone is returned when a task's entity was deleted locally
	// before dispatch. The scheduler drops such tasks silently.
	ErrEntityGone = errors.New("entity gone")

	// errSuperseded aborts an update whose decision was overtaken by a
	// newer dispatch or an already-terminal status.
	errSuperseded = errors.New("adjudication superseded")
)

// retryUpdateAttempts bounds re-reads when an optimistic write loses to a
// concurrent local edit; each retry re-runs the full decision against the
// fresh row, so correctness never depends on winning the first try.
const retryUpdateAttempts = 3

// Service is the sync state machine.
type Service struct {
	entities        entity.Repository
	logs            LogRepository
	logger          *loggy.Logger
	maxRetries      int
	verifyChecksums bool
}

// NewService creates a new sync state machine service.
func NewService(cfg config.SyncConfig, entities entity.Repository, logs LogRepository, logger *loggy.Logger) *Service {
	return &Service{
		entities:        entities,
		logs:            logs,
		logger:          logger,
		maxRetries:      cfg.MaxRetries,
		verifyChecksums: cfg.ChecksumEnabled,
	}
}

// Dispatch marks an entity as processing and returns the receipt the
// caller needs to adjudicate the eventual remote result. Returns
// ErrEntityGone for deleted or missing entities and InvalidStateError when
// the entity is already processing or requires operator action first.
func (s *Service) Dispatch(ctx context.Context, entityID string) (*Receipt, error) {
	jobRef := ulid.JobRef()
	now := time.Now().UTC()

	var attempt int
	var externalID string
	_, err := s.entities.Update(ctx, entityID, func(e *entity.Entity) error {
		if e.Deleted() {
			return ErrEntityGone
		}
		if e.SyncStatus == entity.StatusProcessing {
			return &InvalidStateError{EntityID: entityID, From: e.SyncStatus, To: entity.StatusProcessing}
		}
		if !entity.CanTransition(e.SyncStatus, entity.StatusProcessing) {
			return &InvalidStateError{EntityID: entityID, From: e.SyncStatus, To: entity.StatusProcessing}
		}

		attempt = e.RetryCount + 1
		externalID = e.ExternalID
		e.SyncStatus = entity.StatusProcessing
		e.SyncJobRef = jobRef
		e.LastSyncAttempt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, ErrEntityGone
		}
		return nil, err
	}

	s.logger.Debug("Dispatched sync task", "entity_id", entityID, "job_ref", jobRef, "attempt", attempt)

	return &Receipt{
		EntityID:     entityID,
		ExternalID:   externalID,
		JobRef:       jobRef,
		Attempt:      attempt,
		DispatchedAt: now,
	}, nil
}

// Adjudicate turns a remote call result into a new local sync state. The
// check order is deliberate and load-bearing:
//
//  1. transport failure -> error/dead-letter path
//  2. structural validation of the snapshot
//  3. remote soft-delete propagation (authoritative regardless of version)
//  4. race and version comparison against the CURRENT stored row, re-read
//     here rather than captured at dispatch, so a concurrent local edit is
//     never clobbered by a stale snapshot
//  5. checksum verification
//  6. apply
//
// Calling Adjudicate twice for the same receipt is a no-op on the second
// call: the job ref no longer matches once a newer dispatch exists, and a
// terminal status ends the attempt.
func (s *Service) Adjudicate(ctx context.Context, receipt Receipt, snap *remote.Snapshot, callErr error) (Outcome, error) {
	var outcome Outcome
	var code, message string

	for attempt := 0; ; attempt++ {
		_, err := s.entities.Update(ctx, receipt.EntityID, func(e *entity.Entity) error {
			if e.SyncJobRef != receipt.JobRef || e.SyncStatus.Terminal() {
				return errSuperseded
			}

			outcome, code, message = s.decide(e, receipt, snap, callErr)
			if outcome == OutcomeSuperseded {
				return errSuperseded
			}
			return nil
		})

		if err == nil {
			break
		}
		if errors.Is(err, errSuperseded) {
			return OutcomeSuperseded, nil
		}
		if errors.Is(err, entity.ErrNotFound) {
			// Deleted locally while the call was in flight.
			return OutcomeSuperseded, nil
		}
		if errors.Is(err, entity.ErrConcurrentModification) && attempt < retryUpdateAttempts {
			continue
		}
		return "", fmt.Errorf("adjudicating entity %s: %w", receipt.EntityID, err)
	}

	log := NewSyncLog(receipt).Finish(outcome, code, message)
	if err := s.logs.CreateSyncLog(ctx, log); err != nil {
		s.logger.Error("Failed to create sync log", "error", err, "entity_id", receipt.EntityID)
	}

	s.logger.Debug("Adjudicated sync task",
		"entity_id", receipt.EntityID,
		"job_ref", receipt.JobRef,
		"outcome", outcome,
		"error_code", code,
	)

	return outcome, nil
}

// decide mutates e according to the adjudication algorithm and reports the
// outcome. It runs inside the repository's atomic read-modify-write, so e
// is always the current row.
func (s *Service) decide(e *entity.Entity, receipt Receipt, snap *remote.Snapshot, callErr error) (Outcome, string, string) {
	raced := conflict.DetectRace(e.LocalModifiedAt, receipt.DispatchedAt)

	// (1) Transport outcome.
	if callErr != nil {
		if raced {
			// The concurrent edit already reset the entity; its own task
			// will sync. Recording a transport error here would clobber it.
			return OutcomeSuperseded, "", ""
		}

		code := CodeTransport
		if errors.Is(callErr, remote.ErrNotFound) {
			code = CodeNotFound
		}

		e.RetryCount++
		e.SetError(code, callErr.Error())

		if e.RetryCount >= s.maxRetries {
			if !s.transition(e, entity.StatusDeadLetter) {
				return OutcomeSuperseded, "", ""
			}
			return OutcomeDeadLetter, code, callErr.Error()
		}
		if !s.transition(e, entity.StatusError) {
			return OutcomeSuperseded, "", ""
		}
		return OutcomeError, code, callErr.Error()
	}

	// (2) Structural validation before touching anything.
	if fieldErrs := conflict.ValidateShape(snap); len(fieldErrs) > 0 {
		msg := joinFieldErrors(fieldErrs)
		if !s.transition(e, entity.StatusValidationFailed) {
			return OutcomeSuperseded, "", ""
		}
		e.SetError(CodeValidation, msg)
		return OutcomeValidationFailed, CodeValidation, msg
	}

	// (3) A remote delete is authoritative regardless of version.
	if snap.Deleted() {
		if !s.transition(e, entity.StatusSynced) {
			return OutcomeSuperseded, "", ""
		}
		e.DeletedAt = snap.DeletedAt
		if snap.Version > e.ExternalVersion {
			e.ExternalVersion = snap.Version
		}
		s.markApplied(e)
		return OutcomeDeleted, "", ""
	}

	// (4) Race and version checks against the current row.
	if raced {
		msg := fmt.Sprintf("local edit at %s after dispatch at %s",
			e.LocalModifiedAt.Format(time.RFC3339), receipt.DispatchedAt.Format(time.RFC3339))
		if !s.transition(e, entity.StatusVersionConflict) {
			return OutcomeSuperseded, "", ""
		}
		e.SetError(CodeConflict, msg)
		return OutcomeVersionConflict, CodeConflict, msg
	}

	if conflict.CompareVersions(e.ExternalVersion, snap.Version) != conflict.VersionNewer {
		if !s.transition(e, entity.StatusSkipped) {
			return OutcomeSuperseded, "", ""
		}
		e.ClearError()
		return OutcomeSkipped, "", ""
	}

	// (5) Checksum verification when the remote provides one.
	if s.verifyChecksums && !conflict.VerifyChecksum(snap, snap.Checksum) {
		msg := fmt.Sprintf("checksum mismatch for version %d", snap.Version)
		if !s.transition(e, entity.StatusValidationFailed) {
			return OutcomeSuperseded, "", ""
		}
		e.SetError(CodeChecksum, msg)
		return OutcomeValidationFailed, CodeChecksum, msg
	}

	// (6) Apply.
	payload, err := json.Marshal(snap.Fields)
	if err != nil {
		msg := fmt.Sprintf("encoding remote fields: %v", err)
		if !s.transition(e, entity.StatusValidationFailed) {
			return OutcomeSuperseded, "", ""
		}
		e.SetError(CodeValidation, msg)
		return OutcomeValidationFailed, CodeValidation, msg
	}

	if !s.transition(e, entity.StatusSynced) {
		return OutcomeSuperseded, "", ""
	}
	if e.ExternalID == "" {
		e.ExternalID = snap.ID
	}
	e.ExternalVersion = snap.Version
	e.Payload = payload
	s.markApplied(e)
	return OutcomeSynced, "", ""
}

func (s *Service) transition(e *entity.Entity, to entity.SyncStatus) bool {
	if !entity.CanTransition(e.SyncStatus, to) {
		s.logger.Warn("Refusing illegal status transition",
			"entity_id", e.ID, "from", e.SyncStatus, "to", to)
		return false
	}
	e.SyncStatus = to
	return true
}

func (s *Service) markApplied(e *entity.Entity) {
	now := time.Now().UTC()
	e.LastSyncSuccess = &now
	e.RetryCount = 0
	e.ClearError()
}

// RequeueForRetry moves an entity from error back to pending after its
// backoff delay elapsed. Only the scheduler takes this transition.
func (s *Service) RequeueForRetry(ctx context.Context, entityID string) error {
	_, err := s.entities.Update(ctx, entityID, func(e *entity.Entity) error {
		if e.SyncStatus != entity.StatusError {
			return &InvalidStateError{EntityID: entityID, From: e.SyncStatus, To: entity.StatusPending}
		}
		e.SyncStatus = entity.StatusPending
		return nil
	})
	if errors.Is(err, entity.ErrNotFound) {
		return ErrEntityGone
	}
	return err
}

// Resolve applies an operator's decision to an entity stuck in
// validation_failed, version_conflict, or dead_letter. These states are
// never left automatically.
func (s *Service) Resolve(ctx context.Context, entityID string, resolution Resolution) (*entity.Entity, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}

	resolved, err := s.entities.Update(ctx, entityID, func(e *entity.Entity) error {
		switch e.SyncStatus {
		case entity.StatusValidationFailed, entity.StatusVersionConflict, entity.StatusDeadLetter:
		default:
			return &InvalidStateError{EntityID: entityID, From: e.SyncStatus, To: entity.StatusPending}
		}

		if resolution == ResolutionKeepLocal {
			if e.SyncStatus != entity.StatusVersionConflict {
				return fmt.Errorf("keep_local only applies to version conflicts, entity is %s", e.SyncStatus)
			}
			e.SyncStatus = entity.StatusSynced
			s.markApplied(e)
			return nil
		}

		e.SyncStatus = entity.StatusPending
		e.RetryCount = 0
		e.ClearError()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Resolved entity", "entity_id", entityID, "resolution", resolution, "status", resolved.SyncStatus)
	return resolved, nil
}

func joinFieldErrors(errs []conflict.FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
