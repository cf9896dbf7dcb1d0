package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AuditEntry is one immutable audit row. IntegrityHash is computed by the
// audit service before insert; rows are never updated or deleted.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	UserID        sql.NullString
	Username      sql.NullString
	ActionType    string
	EntityType    string
	EntityID      sql.NullString
	EntityName    sql.NullString
	Description   string
	Details       sql.NullString
	IPAddress     sql.NullString
	UserAgent     sql.NullString
	Category      sql.NullString
	Result        string
	ErrorMessage  sql.NullString
	IntegrityHash string
}

const auditColumns = `id, ts, user_id, username, action_type, entity_type, entity_id, entity_name,
	description, details, ip_address, user_agent, category, result, error_message, integrity_hash`

func scanAuditEntry(row interface{ Scan(...any) error }) (*AuditEntry, error) {
	e := &AuditEntry{}
	var ts sql.NullString
	err := row.Scan(
		&e.ID, &ts, &e.UserID, &e.Username, &e.ActionType, &e.EntityType, &e.EntityID, &e.EntityName,
		&e.Description, &e.Details, &e.IPAddress, &e.UserAgent, &e.Category, &e.Result,
		&e.ErrorMessage, &e.IntegrityHash,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = timeFromNull(ts)
	return e, nil
}

// InsertAuditEntry appends one audit row.
func (s *Store) InsertAuditEntry(ctx context.Context, q Querier, e *AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, FormatTime(e.Timestamp), e.UserID, e.Username, e.ActionType, e.EntityType,
		e.EntityID, e.EntityName, e.Description, e.Details, e.IPAddress, e.UserAgent,
		e.Category, e.Result, e.ErrorMessage, e.IntegrityHash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns audit rows in chronological order, oldest first,
// optionally filtered by entity type.
func (s *Store) ListAuditEntries(ctx context.Context, q Querier, entityType string, limit int) ([]*AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY ts, id LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAuditEntry returns one audit row by ID.
func (s *Store) GetAuditEntry(ctx context.Context, q Querier, id string) (*AuditEntry, error) {
	e, err := scanAuditEntry(q.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get audit entry: %w", sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return e, nil
}
