package query

import (
	"context"
	"fmt"
	"time"

	"github.com/dbcove/dbcove/pkg/database"
	"github.com/dbcove/dbcove/pkg/logger"
)

// ExecutionRecord is one row of the append-only query history. Records
// are immutable once written and are only removed by retention
// cleanup, oldest first.
type ExecutionRecord struct {
	ID           string
	TenantID     string
	QueryText    string
	ExecutedAt   time.Time
	DurationMs   int64
	RowsAffected int64
	Success      bool
	ErrorMessage string
}

// ledgerSchema holds the full query text; truncation for display is a
// presentation concern handled by the listing callers.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS query_history (
	id UUID NOT NULL,
	tenant_id UUID NOT NULL,
	query_text TEXT NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	rows_affected BIGINT NOT NULL,
	success BOOLEAN NOT NULL,
	error_message TEXT,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_query_history_tenant_executed
	ON query_history (tenant_id, executed_at DESC);
`

// Ledger is the per-tenant append-only log of query executions,
// persisted in the platform catalog database.
type Ledger struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewLedger creates a ledger over the catalog database
func NewLedger(db *database.PostgreSQL, logger *logger.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the history table if it does not exist
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Pool().Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create query history schema: %w", err)
	}
	return nil
}

// Append inserts an execution record. Insert-only; existing records
// are never mutated.
func (l *Ledger) Append(ctx context.Context, record ExecutionRecord) error {
	query := `
		INSERT INTO query_history (id, tenant_id, query_text, executed_at, duration_ms, rows_affected, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := l.db.Pool().Exec(ctx, query,
		record.ID,
		record.TenantID,
		record.QueryText,
		record.ExecutedAt,
		record.DurationMs,
		record.RowsAffected,
		record.Success,
		record.ErrorMessage,
	)
	if err != nil {
		l.logger.Errorf("Failed to append query history record for tenant %s: %v", record.TenantID, err)
		return fmt.Errorf("failed to append query history record: %w", err)
	}

	return nil
}

// ListRecent returns a tenant's execution records, newest first
func (l *Ledger) ListRecent(ctx context.Context, tenantID string, limit, offset int) ([]ExecutionRecord, error) {
	query := `
		SELECT id, tenant_id, query_text, executed_at, duration_ms, rows_affected, success, COALESCE(error_message, '')
		FROM query_history
		WHERE tenant_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := l.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		l.logger.Errorf("Failed to list query history for tenant %s: %v", tenantID, err)
		return nil, fmt.Errorf("failed to list query history: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var record ExecutionRecord
		err := rows.Scan(
			&record.ID,
			&record.TenantID,
			&record.QueryText,
			&record.ExecutedAt,
			&record.DurationMs,
			&record.RowsAffected,
			&record.Success,
			&record.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Count returns the number of history records for a tenant
func (l *Ledger) Count(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := l.db.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM query_history WHERE tenant_id = $1", tenantID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CleanupByAge deletes records older than maxAgeDays. Age-based
// retention is inherently per tenant: no tenant's volume can push
// another tenant's records past the age bound.
func (l *Ledger) CleanupByAge(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, fmt.Errorf("maxAgeDays must be positive")
	}

	query := `
		DELETE FROM query_history
		WHERE executed_at < NOW() - make_interval(days => $1)
	`

	tag, err := l.db.Pool().Exec(ctx, query, maxAgeDays)
	if err != nil {
		l.logger.Errorf("Failed age-based history cleanup: %v", err)
		return 0, fmt.Errorf("failed age-based history cleanup: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CleanupByCount keeps each tenant's newest maxPerTenant records and
// deletes the rest, oldest first. The partition by tenant means one
// tenant's volume cannot evict another tenant's history.
func (l *Ledger) CleanupByCount(ctx context.Context, maxPerTenant int) (int64, error) {
	if maxPerTenant <= 0 {
		return 0, fmt.Errorf("maxPerTenant must be positive")
	}

	query := `
		DELETE FROM query_history
		WHERE (tenant_id, id) IN (
			SELECT tenant_id, id FROM (
				SELECT tenant_id, id,
					ROW_NUMBER() OVER (PARTITION BY tenant_id ORDER BY executed_at DESC, id DESC) AS rank
				FROM query_history
			) ranked
			WHERE ranked.rank > $1
		)
	`

	tag, err := l.db.Pool().Exec(ctx, query, maxPerTenant)
	if err != nil {
		l.logger.Errorf("Failed count-based history cleanup: %v", err)
		return 0, fmt.Errorf("failed count-based history cleanup: %w", err)
	}

	return tag.RowsAffected(), nil
}
