package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTokenNotFound is returned when no reset token row matches.
var ErrTokenNotFound = errors.New("store: reset token not found")

// ErrTokenUsed is returned when the reset token was already consumed.
var ErrTokenUsed = errors.New("store: reset token already used")

// ErrTokenExpired is returned when the reset token is past its expiry.
var ErrTokenExpired = errors.New("store: reset token expired")

// PasswordResetToken is a single-use token emailed to a user.
type PasswordResetToken struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    time.Time
}

// CreatePasswordResetToken inserts a fresh reset token.
func (s *Store) CreatePasswordResetToken(ctx context.Context, q Querier, t *PasswordResetToken) error {
	t.CreatedAt = time.Now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Token, FormatTime(t.CreatedAt), FormatTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create reset token: %w", err)
	}
	return nil
}

// GetPasswordResetToken returns the row for a token value.
func (s *Store) GetPasswordResetToken(ctx context.Context, q Querier, token string) (*PasswordResetToken, error) {
	t := &PasswordResetToken{}
	var createdAt, expiresAt, usedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, token, created_at, expires_at, used_at
		FROM password_reset_tokens WHERE token = ?
	`, token).Scan(&t.ID, &t.UserID, &t.Token, &createdAt, &expiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reset token: %w", err)
	}
	t.CreatedAt = timeFromNull(createdAt)
	t.ExpiresAt = timeFromNull(expiresAt)
	t.UsedAt = timeFromNull(usedAt)
	return t, nil
}

// ConsumePasswordResetToken marks a token used. The conditional WHERE makes
// consumption single-use even under concurrent attempts; distinguishing the
// failure reason takes a second read.
func (s *Store) ConsumePasswordResetToken(ctx context.Context, q Querier, token string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE password_reset_tokens SET used_at = ?
		WHERE token = ? AND used_at IS NULL AND expires_at > ?
	`, FormatTime(now), token, FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to consume reset token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reset token consumption: %w", err)
	}
	if n == 1 {
		return nil
	}

	t, err := s.GetPasswordResetToken(ctx, q, token)
	if err != nil {
		return err
	}
	if !t.UsedAt.IsZero() {
		return ErrTokenUsed
	}
	return ErrTokenExpired
}

// DeleteExpiredResetTokens prunes tokens whose expiry passed before the cutoff.
func (s *Store) DeleteExpiredResetTokens(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM password_reset_tokens WHERE expires_at < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reset tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted reset tokens: %w", err)
	}
	return n, nil
}
