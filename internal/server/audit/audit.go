// Package audit writes the tamper-evident audit trail.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/common/trace"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// Action types.
const (
	ActionCreate           = "create"
	ActionUpdate           = "update"
	ActionDelete           = "delete"
	ActionLogin            = "login"
	ActionLogout           = "logout"
	ActionApprove          = "approve"
	ActionReject           = "reject"
	ActionAgentMessage     = "agent_message"
	ActionPermissionChange = "permission_change"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry is what callers provide; ID, timestamp and integrity hash are filled
// in by the service.
type Entry struct {
	UserID       string
	Username     string
	ActionType   string
	EntityType   string
	EntityID     string
	EntityName   string
	Description  string
	Details      string
	IPAddress    string
	UserAgent    string
	Category     string
	Result       string
	ErrorMessage string
}

// Service appends audit entries. It holds no state beyond the store; the
// integrity of the log comes from the per-row hash, not from memory.
type Service struct {
	store *store.Store
}

func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Log appends one entry. When called with a transaction Querier the entry
// commits or rolls back together with the mutation it describes.
func (s *Service) Log(ctx context.Context, q store.Querier, e Entry) (string, error) {
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	if tid := trace.FromContext(ctx); tid != "" {
		e.Details = detailsWithTrace(e.Details, tid)
	}

	row := &store.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		UserID:       optional(e.UserID),
		Username:     optional(e.Username),
		ActionType:   e.ActionType,
		EntityType:   e.EntityType,
		EntityID:     optional(e.EntityID),
		EntityName:   optional(e.EntityName),
		Description:  e.Description,
		Details:      optional(e.Details),
		IPAddress:    optional(e.IPAddress),
		UserAgent:    optional(e.UserAgent),
		Category:     optional(e.Category),
		Result:       e.Result,
		ErrorMessage: optional(e.ErrorMessage),
	}
	row.IntegrityHash = computeHash(row)

	if err := s.store.InsertAuditEntry(ctx, q, row); err != nil {
		return "", fmt.Errorf("failed to write audit entry: %w", err)
	}
	return row.ID, nil
}

// Success logs a successful action.
func (s *Service) Success(ctx context.Context, q store.Querier, e Entry) (string, error) {
	e.Result = ResultSuccess
	return s.Log(ctx, q, e)
}

// Failure logs a failed action with its error message.
func (s *Service) Failure(ctx context.Context, q store.Querier, e Entry, opErr error) (string, error) {
	e.Result = ResultFailure
	if opErr != nil && e.ErrorMessage == "" {
		e.ErrorMessage = opErr.Error()
	}
	return s.Log(ctx, q, e)
}

// detailsWithTrace folds the trace id into the details JSON object so an
// audit row can be matched with the log lines of the call that wrote it.
// Details that are not a JSON object are left alone.
func detailsWithTrace(details, traceID string) string {
	m := map[string]any{}
	if details != "" {
		if err := json.Unmarshal([]byte(details), &m); err != nil {
			return details
		}
	}
	m["trace_id"] = traceID
	blob, err := json.Marshal(m)
	if err != nil {
		return details
	}
	return string(blob)
}

// Verify recomputes the integrity hash of a stored entry and reports whether
// it matches. A mismatch means the row was altered after it was written.
func Verify(row *store.AuditEntry) bool {
	return computeHash(row) == row.IntegrityHash
}

// VerifyRange fetches up to limit entries and returns the IDs of any whose
// hash no longer matches their content.
func (s *Service) VerifyRange(ctx context.Context, q store.Querier, entityType string, limit int) ([]string, error) {
	entries, err := s.store.ListAuditEntries(ctx, q, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}
	var tampered []string
	for _, e := range entries {
		if !Verify(e) {
			tampered = append(tampered, e.ID)
		}
	}
	return tampered, nil
}

// computeHash binds the identifying fields of a row into one SHA-256 digest.
// Field order is part of the on-disk format and must never change.
func computeHash(row *store.AuditEntry) string {
	parts := []string{
		row.ID,
		store.FormatTime(row.Timestamp),
		row.UserID.String,
		row.ActionType,
		row.EntityType,
		row.EntityID.String,
		row.Description,
		row.Result,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func optional(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
