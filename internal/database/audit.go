package database

import (
	"context"
	"fmt"
	"time"

	"github.com/plugwatch/plugwatch-go/internal/core/audit"
)

// AuditRepository stores the append-only audit log. There is no update path
// on purpose.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates the repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) InsertRecord(ctx context.Context, rec *audit.Record) error {
	query := `
		INSERT INTO audit_log (id, actor, action, resource_type, resource_id,
			before_state, after_state, success, timestamp, hash)
		VALUES (:id, :actor, :action, :resource_type, :resource_id,
			:before_state, :after_state, :success, :timestamp, :hash)`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *AuditRepository) RecordsBetween(ctx context.Context, from, to time.Time) ([]audit.Record, error) {
	var records []audit.Record
	query := `SELECT * FROM audit_log
		WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`
	if err := r.db.SelectContext(ctx, &records, query, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}
	return records, nil
}

func (r *AuditRepository) RecordsBefore(ctx context.Context, before time.Time, limit int) ([]audit.Record, error) {
	var records []audit.Record
	query := `SELECT * FROM audit_log
		WHERE timestamp < ? ORDER BY timestamp ASC LIMIT ?`
	if err := r.db.SelectContext(ctx, &records, query, before.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to load expired audit records: %w", err)
	}
	return records, nil
}

func (r *AuditRepository) DeleteRecordsBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM audit_log WHERE rowid IN (
			SELECT rowid FROM audit_log WHERE timestamp < ? LIMIT ?
		)`
	res, err := r.db.ExecContext(ctx, query, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit records: %w", err)
	}
	return res.RowsAffected()
}
