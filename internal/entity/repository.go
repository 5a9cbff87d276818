package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/driftsync/internal/database"
	"github.com/tildaslashalef/driftsync/internal/loggy"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrConcurrentModification is returned when an optimistic update loses
	// the race against a concurrent write to the same entity
	ErrConcurrentModification = errors.New("entity modified concurrently")
)

// ReconcileFilter bounds a reconciliation page. AfterID makes the scan
// restartable without holding rows in memory between batches.
type ReconcileFilter struct {
	AfterID       string
	Limit         int
	ModifiedSince time.Time // zero value disables the incremental filter
}

// Repository defines the persistence operations for entities.
type Repository interface {
	Create(ctx context.Context, e *Entity) error
	Get(ctx context.Context, id string) (*Entity, error)
	GetByExternalID(ctx context.Context, externalID string) (*Entity, error)

	// Update performs an atomic read-modify-write of one entity. The
	// mutator receives the current row; the write only lands if no other
	// writer touched the row in between.
	Update(ctx context.Context, id string, mutate func(*Entity) error) (*Entity, error)

	// TouchLocal applies a user-initiated edit: new payload, bumped
	// local_modified_at, status reset to pending, error state cleared.
	TouchLocal(ctx context.Context, id string, payload []byte) (*Entity, error)

	QueryPending(ctx context.Context, limit int) ([]*Entity, error)
	QueryForReconciliation(ctx context.Context, filter ReconcileFilter) ([]*Entity, error)

	CountByStatus(ctx context.Context) (map[SyncStatus]int, error)
	CountStalePending(ctx context.Context, olderThan time.Time) (int, error)
}

var entityColumnList = []string{
	"id", "external_id", "external_version", "payload", "sync_status", "sync_job_ref",
	"sync_error_code", "sync_error_message", "retry_count", "deleted_at", "last_sync_attempt",
	"last_sync_success", "last_reconciled_at", "local_modified_at", "created_at", "row_version",
}

// SQLRepository implements Repository using SQLite.
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new entity SQL repository.
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Create saves a new entity to the database.
func (r *SQLRepository) Create(ctx context.Context, e *Entity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LocalModifiedAt.IsZero() {
		e.LocalModifiedAt = now
	}
	if e.SyncStatus == "" {
		e.SyncStatus = StatusPending
	}

	query, args, err := r.builder.
		Insert("entities").
		Columns(entityColumnList...).
		Values(
			e.ID,
			e.ExternalID,
			e.ExternalVersion,
			payloadOrEmpty(e.Payload),
			e.SyncStatus,
			e.SyncJobRef,
			e.SyncErrorCode,
			e.SyncErrorMessage,
			e.RetryCount,
			e.DeletedAt,
			e.LastSyncAttempt,
			e.LastSyncSuccess,
			e.LastReconciledAt,
			e.LocalModifiedAt,
			e.CreatedAt,
			e.RowVersion,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building create entity query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create entity query: %w", err)
	}

	return nil
}

// Get retrieves an entity by its local ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Entity, error) {
	return r.getWhere(ctx, sq.Eq{"id": id})
}

// GetByExternalID retrieves an entity by its remote correlation key.
func (r *SQLRepository) GetByExternalID(ctx context.Context, externalID string) (*Entity, error) {
	return r.getWhere(ctx, sq.Eq{"external_id": externalID})
}

func (r *SQLRepository) getWhere(ctx context.Context, pred interface{}) (*Entity, error) {
	query, args, err := r.builder.
		Select(entityColumnList...).
		From("entities").
		Where(pred).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get entity query: %w", err)
	}

	e, err := scanEntity(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executing get entity query: %w", err)
	}

	return e, nil
}

// Update performs an atomic read-modify-write inside a transaction. The
// UPDATE is guarded on the row_version observed at read time and bumps it,
// so any intervening write trips the guard even when it left
// local_modified_at untouched. Losing the guard means a concurrent writer
// got there first and the caller must re-read and decide again.
func (r *SQLRepository) Update(ctx context.Context, id string, mutate func(*Entity) error) (*Entity, error) {
	var updated *Entity

	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		query, args, err := r.builder.
			Select(entityColumnList...).
			From("entities").
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building get entity query: %w", err)
		}

		current, err := scanEntity(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("executing get entity query: %w", err)
		}

		observedRowVersion := current.RowVersion

		if err := mutate(current); err != nil {
			return err
		}

		current.RowVersion = observedRowVersion + 1

		query, args, err = r.builder.
			Update("entities").
			Set("external_id", current.ExternalID).
			Set("external_version", current.ExternalVersion).
			Set("payload", payloadOrEmpty(current.Payload)).
			Set("sync_status", current.SyncStatus).
			Set("sync_job_ref", current.SyncJobRef).
			Set("sync_error_code", current.SyncErrorCode).
			Set("sync_error_message", current.SyncErrorMessage).
			Set("retry_count", current.RetryCount).
			Set("deleted_at", current.DeletedAt).
			Set("last_sync_attempt", current.LastSyncAttempt).
			Set("last_sync_success", current.LastSyncSuccess).
			Set("last_reconciled_at", current.LastReconciledAt).
			Set("local_modified_at", current.LocalModifiedAt).
			Set("row_version", current.RowVersion).
			Where(sq.Eq{"id": id, "row_version": observedRowVersion}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building update entity query: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing update entity query: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading update result: %w", err)
		}
		if affected == 0 {
			return ErrConcurrentModification
		}

		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// TouchLocal applies a user-initiated edit to an entity.
func (r *SQLRepository) TouchLocal(ctx context.Context, id string, payload []byte) (*Entity, error) {
	return r.Update(ctx, id, func(e *Entity) error {
		if payload != nil {
			e.Payload = payload
		}
		e.SyncStatus = StatusPending
		e.RetryCount = 0
		e.ClearError()
		e.LocalModifiedAt = time.Now().UTC()
		return nil
	})
}

// QueryPending returns entities awaiting sync, oldest local write first.
func (r *SQLRepository) QueryPending(ctx context.Context, limit int) ([]*Entity, error) {
	q := r.builder.
		Select(entityColumnList...).
		From("entities").
		Where(sq.Eq{"sync_status": StatusPending}).
		Where("deleted_at IS NULL").
		OrderBy("local_modified_at ASC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.queryEntities(ctx, q)
}

// QueryForReconciliation returns one keyset-paginated batch of entities
// eligible for a sweep: correlated with the remote (non-empty external_id),
// ordered by id so successive calls with the last seen id walk the whole
// population exactly once.
func (r *SQLRepository) QueryForReconciliation(ctx context.Context, filter ReconcileFilter) ([]*Entity, error) {
	q := r.builder.
		Select(entityColumnList...).
		From("entities").
		Where(sq.NotEq{"external_id": ""}).
		OrderBy("id ASC")

	if filter.AfterID != "" {
		q = q.Where(sq.Gt{"id": filter.AfterID})
	}
	if !filter.ModifiedSince.IsZero() {
		q = q.Where(sq.Or{
			sq.Gt{"local_modified_at": filter.ModifiedSince},
			sq.Eq{"last_reconciled_at": nil},
			sq.Lt{"last_reconciled_at": filter.ModifiedSince},
		})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	return r.queryEntities(ctx, q)
}

// CountByStatus returns entity counts grouped by sync status.
func (r *SQLRepository) CountByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	query, args, err := r.builder.
		Select("sync_status", "COUNT(*)").
		From("entities").
		GroupBy("sync_status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count by status query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing count by status query: %w", err)
	}
	defer rows.Close()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var status SyncStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count row: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status count rows: %w", err)
	}

	return counts, nil
}

// CountStalePending counts pending entities whose local write predates the
// given cutoff. Fed to the anomaly monitor.
func (r *SQLRepository) CountStalePending(ctx context.Context, olderThan time.Time) (int, error) {
	query, args, err := r.builder.
		Select("COUNT(*)").
		From("entities").
		Where(sq.Eq{"sync_status": StatusPending}).
		Where(sq.Lt{"local_modified_at": olderThan}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count stale pending query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing count stale pending query: %w", err)
	}

	return count, nil
}

func (r *SQLRepository) queryEntities(ctx context.Context, q sq.SelectBuilder) ([]*Entity, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building entity query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing entity query: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}

	return entities, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var payload []byte

	err := row.Scan(
		&e.ID,
		&e.ExternalID,
		&e.ExternalVersion,
		&payload,
		&e.SyncStatus,
		&e.SyncJobRef,
		&e.SyncErrorCode,
		&e.SyncErrorMessage,
		&e.RetryCount,
		&e.DeletedAt,
		&e.LastSyncAttempt,
		&e.LastSyncSuccess,
		&e.LastReconciledAt,
		&e.LocalModifiedAt,
		&e.CreatedAt,
		&e.RowVersion,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		e.Payload = payload
	}

	return &e, nil
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
