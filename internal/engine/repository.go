package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/driftsync/internal/loggy"
)

// LogRepository defines operations for the append-only sync audit log.
type LogRepository interface {
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// GetSyncLogs retrieves sync logs, most recent first, optionally
	// filtered by entity.
	GetSyncLogs(ctx context.Context, entityID string, limit, offset int) ([]*SyncLog, error)

	// CountOutcomesSince returns per-outcome counts of adjudications
	// completed after the cutoff. Feeds the anomaly monitor.
	CountOutcomesSince(ctx context.Context, since time.Time) (map[Outcome]int, error)

	// LatestOutcomes returns the outcomes of the most recent adjudications,
	// newest first, for stalled-remote detection.
	LatestOutcomes(ctx context.Context, limit int) ([]Outcome, error)
}

var syncLogColumnList = []string{
	"id", "entity_id", "job_ref", "outcome", "error_code", "error_message", "attempt", "started_at", "completed_at",
}

// SQLLogRepository implements LogRepository using SQLite.
type SQLLogRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLLogRepository creates a new sync log SQL repository.
func NewSQLLogRepository(db *sql.DB, logger *loggy.Logger) *SQLLogRepository {
	return &SQLLogRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// CreateSyncLog appends a sync log row.
func (r *SQLLogRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	query, args, err := r.builder.
		Insert("sync_logs").
		Columns(syncLogColumnList...).
		Values(
			log.ID,
			log.EntityID,
			log.JobRef,
			log.Outcome,
			log.ErrorCode,
			log.ErrorMessage,
			log.Attempt,
			log.StartedAt,
			log.CompletedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// GetSyncLogs retrieves sync logs with optional entity filtering.
func (r *SQLLogRepository) GetSyncLogs(ctx context.Context, entityID string, limit, offset int) ([]*SyncLog, error) {
	q := r.builder.
		Select(syncLogColumnList...).
		From("sync_logs").
		OrderBy("completed_at DESC")

	if entityID != "" {
		q = q.Where(sq.Eq{"entity_id": entityID})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		var log SyncLog
		err := rows.Scan(
			&log.ID,
			&log.EntityID,
			&log.JobRef,
			&log.Outcome,
			&log.ErrorCode,
			&log.ErrorMessage,
			&log.Attempt,
			&log.StartedAt,
			&log.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// CountOutcomesSince returns per-outcome adjudication counts after a cutoff.
func (r *SQLLogRepository) CountOutcomesSince(ctx context.Context, since time.Time) (map[Outcome]int, error) {
	query, args, err := r.builder.
		Select("outcome", "COUNT(*)").
		From("sync_logs").
		Where(sq.GtOrEq{"completed_at": since}).
		GroupBy("outcome").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count outcomes query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing count outcomes query: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var outcome Outcome
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scanning outcome count row: %w", err)
		}
		counts[outcome] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome count rows: %w", err)
	}

	return counts, nil
}

// LatestOutcomes returns the most recent adjudication outcomes, newest first.
func (r *SQLLogRepository) LatestOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	q := r.builder.
		Select("outcome").
		From("sync_logs").
		OrderBy("completed_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building latest outcomes query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing latest outcomes query: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var outcome Outcome
		if err := rows.Scan(&outcome); err != nil {
			return nil, fmt.Errorf("scanning outcome row: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome rows: %w", err)
	}

	return outcomes, nil
}
