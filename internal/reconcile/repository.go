package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/driftsync/internal/loggy"
)

// ErrRecordNotFound is returned when a reconciliation record does not
// exist.
var ErrRecordNotFound = errors.New("reconciliation record not found")

// RecordRepository defines operations for the reconciliation audit trail.
type RecordRepository interface {
	Create(ctx context.Context, rec *Record) error

	// MarkResolved stamps the resolution time on a record. Records are
	// never otherwise mutated.
	MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error

	// ListOpen returns unresolved records, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*Record, error)

	// CountSince returns per-type counts of records detected after the
	// cutoff, resolved or not.
	CountSince(ctx context.Context, since time.Time) (map[DiscrepancyType]int, error)
}

var recordColumnList = []string{
	"id", "entity_id", "external_id", "discrepancy_type", "details", "detected_at", "resolved_at",
}

// SQLRecordRepository implements RecordRepository using SQLite.
type SQLRecordRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRecordRepository creates a new reconciliation record SQL repository.
func NewSQLRecordRepository(db *sql.DB, logger *loggy.Logger) *SQLRecordRepository {
	return &SQLRecordRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Create appends a reconciliation record.
func (r *SQLRecordRepository) Create(ctx context.Context, rec *Record) error {
	query, args, err := r.builder.
		Insert("reconciliation_records").
		Columns(recordColumnList...).
		Values(
			rec.ID,
			rec.EntityID,
			rec.ExternalID,
			rec.DiscrepancyType,
			rec.Details,
			rec.DetectedAt,
			rec.ResolvedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building reconciliation record insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting reconciliation record: %w", err)
	}
	return nil
}

// MarkResolved stamps resolved_at on a record.
func (r *SQLRecordRepository) MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error {
	query, args, err := r.builder.
		Update("reconciliation_records").
		Set("resolved_at", resolvedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building reconciliation record update: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolving reconciliation record: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("resolving record %s: %w", id, ErrRecordNotFound)
	}
	return nil
}

// ListOpen returns unresolved records, oldest first.
func (r *SQLRecordRepository) ListOpen(ctx context.Context, limit int) ([]*Record, error) {
	q := r.builder.
		Select(recordColumnList...).
		From("reconciliation_records").
		Where(sq.Eq{"resolved_at": nil}).
		OrderBy("detected_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building open records query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying open records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountSince returns per-type counts of records detected after the cutoff.
func (r *SQLRecordRepository) CountSince(ctx context.Context, since time.Time) (map[DiscrepancyType]int, error) {
	query, args, err := r.builder.
		Select("discrepancy_type", "COUNT(*)").
		From("reconciliation_records").
		Where(sq.GtOrEq{"detected_at": since}).
		GroupBy("discrepancy_type").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building record count query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting reconciliation records: %w", err)
	}
	defer rows.Close()

	counts := make(map[DiscrepancyType]int)
	for rows.Next() {
		var dtype DiscrepancyType
		var n int
		if err := rows.Scan(&dtype, &n); err != nil {
			return nil, fmt.Errorf("scanning record count: %w", err)
		}
		counts[dtype] = n
	}
	return counts, rows.Err()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var resolvedAt sql.NullTime
	if err := rows.Scan(
		&rec.ID,
		&rec.EntityID,
		&rec.ExternalID,
		&rec.DiscrepancyType,
		&rec.Details,
		&rec.DetectedAt,
		&resolvedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning reconciliation record: %w", err)
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return &rec, nil
}
