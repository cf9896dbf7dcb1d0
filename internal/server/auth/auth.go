// Package auth implements operator login: password hashing, session tokens,
// account lockout, and the forgot-password flow.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

// ResetTokenValidity is how long a password reset token stays usable.
const ResetTokenValidity = 24 * time.Hour

// Mailer sends the reset email. Satisfied by the SMTP mailer; a no-op
// implementation is used when email is disabled.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Service wires the login rules together.
type Service struct {
	store   *store.Store
	audit   *audit.Service
	limiter *wsecurity.Limiter
	mailer  Mailer

	secret          []byte
	pepper          string
	maxFailedLogins int
	lockoutDuration time.Duration

	now func() time.Time
}

type Options struct {
	Secret          []byte
	Pepper          string
	MaxFailedLogins int
	LockoutDuration time.Duration
}

func New(s *store.Store, a *audit.Service, l *wsecurity.Limiter, m Mailer, opts Options) *Service {
	return &Service{
		store:           s,
		audit:           a,
		limiter:         l,
		mailer:          m,
		secret:          opts.Secret,
		pepper:          opts.Pepper,
		maxFailedLogins: opts.MaxFailedLogins,
		lockoutDuration: opts.LockoutDuration,
		now:             time.Now,
	}
}

// Login authenticates an operator and returns a session token. Every failure
// path returns the same caller-visible message so the response does not leak
// whether the account exists.
func (s *Service) Login(ctx context.Context, userid, password, ip string) (string, *store.User, error) {
	if !s.limiter.AllowLogin(ip) {
		return "", nil, faults.New(faults.RateLimited, "too many login attempts")
	}

	db := s.store.DB()
	invalid := faults.New(faults.Unauthenticated, "invalid credentials")

	u, err := s.store.GetUserByUserid(ctx, db, userid)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			s.limiter.RecordLoginFailure(ip)
			s.auditLoginFailure(ctx, "", userid, ip, "unknown userid")
			return "", nil, invalid
		}
		return "", nil, err
	}

	if !u.Active {
		s.limiter.RecordLoginFailure(ip)
		s.auditLoginFailure(ctx, u.ID, userid, ip, "account inactive")
		return "", nil, invalid
	}

	if u.IsLocked {
		if s.now().Before(u.LockedAt.Add(s.lockoutDuration)) {
			s.auditLoginFailure(ctx, u.ID, userid, ip, "account locked")
			return "", nil, faults.New(faults.PermissionDenied, "account locked")
		}
		// Lockout elapsed; unlock and continue with this attempt.
		if err := s.store.UnlockUser(ctx, db, u.ID); err != nil {
			return "", nil, err
		}
		u.IsLocked = false
	}

	ok, err := VerifyPassword(u.HashedPassword, password, s.pepper)
	if err != nil {
		return "", nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		s.limiter.RecordLoginFailure(ip)
		attempts, locked, err := s.store.IncrementFailedLogins(ctx, db, u.ID, s.maxFailedLogins, s.now())
		if err != nil {
			return "", nil, err
		}
		s.auditLoginFailure(ctx, u.ID, userid, ip, "wrong password")
		if locked {
			slog.Warn("account locked after repeated failures",
				"userid", userid, "attempts", attempts)
			return "", nil, faults.New(faults.PermissionDenied, "account locked")
		}
		return "", nil, invalid
	}

	if err := s.store.ResetFailedLogins(ctx, db, u.ID); err != nil {
		return "", nil, err
	}
	s.limiter.RecordLoginSuccess(ip)

	if _, err := s.audit.Success(ctx, db, audit.Entry{
		UserID:      u.ID,
		Username:    userid,
		ActionType:  audit.ActionLogin,
		EntityType:  "user",
		EntityID:    u.ID,
		Description: "user logged in",
		IPAddress:   ip,
		Category:    "authentication",
	}); err != nil {
		return "", nil, err
	}

	return s.IssueSession(u.ID, ip), u, nil
}

func (s *Service) auditLoginFailure(ctx context.Context, userID, userid, ip, reason string) {
	_, err := s.audit.Log(ctx, s.store.DB(), audit.Entry{
		UserID:       userID,
		Username:     userid,
		ActionType:   "login_failed",
		EntityType:   "user",
		EntityID:     userID,
		Description:  "login attempt failed",
		ErrorMessage: reason,
		IPAddress:    ip,
		Category:     "authentication",
		Result:       audit.ResultFailure,
	})
	if err != nil {
		slog.Error("failed to audit login failure", "userid", userid, "err", err)
	}
}

// StartPasswordReset creates a single-use reset token and mails it to the
// user. An unknown userid returns nil without sending anything, so the
// endpoint cannot be used to probe for accounts.
func (s *Service) StartPasswordReset(ctx context.Context, userid, resetURLBase string) error {
	db := s.store.DB()

	u, err := s.store.GetUserByUserid(ctx, db, userid)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			slog.Info("password reset requested for unknown userid", "userid", userid)
			return nil
		}
		return err
	}

	token := &store.PasswordResetToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Token:     uuid.NewString(),
		ExpiresAt: s.now().Add(ResetTokenValidity),
	}
	if err := s.store.CreatePasswordResetToken(ctx, db, token); err != nil {
		return err
	}

	if _, err := s.audit.Success(ctx, db, audit.Entry{
		UserID:      u.ID,
		Username:    userid,
		ActionType:  "password_reset",
		EntityType:  "user",
		EntityID:    u.ID,
		Description: "password reset requested",
		Category:    "authentication",
	}); err != nil {
		return err
	}

	body := fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Reset link: %s/reset?token=%s\n\n"+
			"The link expires in 24 hours. If you did not request this, ignore this message.",
		resetURLBase, token.Token)
	if err := s.mailer.Send(ctx, userid, "SysManage password reset", body); err != nil {
		return faults.Wrap(faults.DependencyFailed, "failed to send reset email", err)
	}
	return nil
}

// CompletePasswordReset consumes a reset token and sets the new password.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return faults.New(faults.InvalidInput, "password must be at least 8 characters")
	}

	hashed, err := HashPassword(newPassword, s.pepper)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := s.store.GetPasswordResetToken(ctx, tx, token)
		if err != nil {
			return mapTokenErr(err)
		}
		if err := s.store.ConsumePasswordResetToken(ctx, tx, token, s.now()); err != nil {
			return mapTokenErr(err)
		}
		if err := s.store.UpdateUserPassword(ctx, tx, t.UserID, hashed); err != nil {
			return err
		}
		// A successful reset also clears any lockout.
		if err := s.store.UnlockUser(ctx, tx, t.UserID); err != nil {
			return err
		}
		_, err = s.audit.Success(ctx, tx, audit.Entry{
			UserID:      t.UserID,
			ActionType:  "password_reset",
			EntityType:  "user",
			EntityID:    t.UserID,
			Description: "password reset completed",
			Category:    "authentication",
		})
		return err
	})
}

func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return faults.New(faults.Unauthenticated, "invalid reset token")
	case errors.Is(err, store.ErrTokenUsed):
		return faults.New(faults.Unauthenticated, "reset token already used")
	case errors.Is(err, store.ErrTokenExpired):
		return faults.New(faults.Unauthenticated, "reset token expired")
	default:
		return err
	}
}
