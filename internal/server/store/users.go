package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUserNotFound is returned when the requested user does not exist.
var ErrUserNotFound = errors.New("store: user not found")

// ErrDuplicateUser is returned when the userid (email) is already taken.
var ErrDuplicateUser = errors.New("store: userid already exists")

// User represents an operator account.
type User struct {
	ID                  string
	Userid              string // login email, unique
	HashedPassword      string
	IsAdmin             bool
	Active              bool
	FailedLoginAttempts int
	IsLocked            bool
	LockedAt            time.Time
	ForcePasswordReset  bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const userColumns = `id, userid, hashed_password, is_admin, active,
	failed_login_attempts, is_locked, locked_at, force_password_reset,
	created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var isAdmin, active, isLocked, forceReset int
	var lockedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(
		&u.ID, &u.Userid, &u.HashedPassword, &isAdmin, &active,
		&u.FailedLoginAttempts, &isLocked, &lockedAt, &forceReset,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.IsAdmin = isAdmin != 0
	u.Active = active != 0
	u.IsLocked = isLocked != 0
	u.ForcePasswordReset = forceReset != 0
	u.LockedAt = timeFromNull(lockedAt)
	u.CreatedAt = timeFromNull(createdAt)
	u.UpdatedAt = timeFromNull(updatedAt)
	return u, nil
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, q Querier, u *User) error {
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, userid, hashed_password, is_admin, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Userid, u.HashedPassword, boolToInt(u.IsAdmin), boolToInt(u.Active),
		FormatTime(now), FormatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, q Querier, id string) (*User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByUserid retrieves a user by login email.
func (s *Store) GetUserByUserid(ctx context.Context, q Querier, userid string) (*User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE userid = ?`, userid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by userid: %w", err)
	}
	return u, nil
}

// UpdateUserPassword replaces the password hash and clears any forced reset.
func (s *Store) UpdateUserPassword(ctx context.Context, q Querier, id, hashed string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users
		SET hashed_password = ?, force_password_reset = 0, updated_at = ?
		WHERE id = ?
	`, hashed, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update user password: %w", err)
	}
	return requireRow(res, ErrUserNotFound)
}

// IncrementFailedLogins bumps the failure counter and returns the new value.
// When the counter reaches maxFailures the account is locked in the same
// statement, so two racing failures cannot both observe the pre-lock count.
func (s *Store) IncrementFailedLogins(ctx context.Context, q Querier, id string, maxFailures int, at time.Time) (int, bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
			is_locked = CASE WHEN failed_login_attempts + 1 >= ? THEN 1 ELSE is_locked END,
			locked_at = CASE WHEN failed_login_attempts + 1 >= ? THEN ? ELSE locked_at END,
			updated_at = ?
		WHERE id = ?
	`, maxFailures, maxFailures, FormatTime(at), FormatTime(at), id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment failed logins: %w", err)
	}
	if err := requireRow(res, ErrUserNotFound); err != nil {
		return 0, false, err
	}

	var attempts, locked int
	err = q.QueryRowContext(ctx,
		`SELECT failed_login_attempts, is_locked FROM users WHERE id = ?`, id,
	).Scan(&attempts, &locked)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read failed-login counter: %w", err)
	}
	return attempts, locked != 0, nil
}

// ResetFailedLogins clears the failure counter after a successful login.
func (s *Store) ResetFailedLogins(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = 0, updated_at = ? WHERE id = ?
	`, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to reset failed logins: %w", err)
	}
	return requireRow(res, ErrUserNotFound)
}

// UnlockUser clears the lock and the failure counter. Used by both the
// automatic lockout-expiry path and the manual admin operation.
func (s *Store) UnlockUser(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users
		SET is_locked = 0, locked_at = NULL, failed_login_attempts = 0, updated_at = ?
		WHERE id = ?
	`, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to unlock user: %w", err)
	}
	return requireRow(res, ErrUserNotFound)
}

// DeactivateUser disables the account. Users referenced by audit entries are
// never hard-deleted.
func (s *Store) DeactivateUser(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users SET active = 0, updated_at = ? WHERE id = ?
	`, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return requireRow(res, ErrUserNotFound)
}

// MarkAllForPasswordReset flags every account for a forced password reset.
// Called when the process-wide password salt is rotated.
func (s *Store) MarkAllForPasswordReset(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE users SET force_password_reset = 1, updated_at = ?
	`, FormatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to mark users for password reset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

// ListUserRoles returns the role names granted to a user.
func (s *Store) ListUserRoles(ctx context.Context, q Querier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GrantRole adds a role to a user. Granting an already-held role is a no-op.
func (s *Store) GrantRole(ctx context.Context, q Querier, userID, role string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES (?, ?)
		ON CONFLICT(user_id, role) DO NOTHING
	`, userID, role)
	if err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}
	return nil
}

// RevokeRole removes a role from a user. Revoking an unheld role is a no-op.
func (s *Store) RevokeRole(ctx context.Context, q Querier, userID, role string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM user_roles WHERE user_id = ? AND role = ?
	`, userID, role)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
