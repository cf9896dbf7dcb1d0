package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

const testPepper = "deployment-wide-pepper"

type fakeMailer struct {
	sent []string // "to|subject|body"
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.sent = append(f.sent, to+"|"+subject+"|"+body)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeMailer) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mailer := &fakeMailer{}
	svc := New(s, audit.New(s), wsecurity.NewLimiter(), mailer, Options{
		Secret:          []byte("0123456789abcdef0123456789abcdef"),
		Pepper:          testPepper,
		MaxFailedLogins: 5,
		LockoutDuration: 15 * time.Minute,
	})
	return svc, s, mailer
}

func createUser(t *testing.T, s *store.Store, userid, password string) *store.User {
	t.Helper()
	hashed, err := HashPassword(password, testPepper)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	u := &store.User{ID: "u-" + userid, Userid: userid, HashedPassword: hashed, Active: true}
	if err := s.CreateUser(context.Background(), s.DB(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return u
}

func TestHashAndVerifyPassword(t *testing.T) {
	hashed, err := HashPassword("hunter2hunter2", testPepper)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hashed, "$argon2id$") {
		t.Errorf("hash = %q, want argon2id PHC format", hashed)
	}

	ok, err := VerifyPassword(hashed, "hunter2hunter2", testPepper)
	if err != nil || !ok {
		t.Errorf("VerifyPassword(correct) = %v, %v", ok, err)
	}
	ok, err = VerifyPassword(hashed, "wrong-password", testPepper)
	if err != nil || ok {
		t.Errorf("VerifyPassword(wrong) = %v, %v", ok, err)
	}
	// A different pepper must not verify.
	ok, err = VerifyPassword(hashed, "hunter2hunter2", "other-pepper")
	if err != nil || ok {
		t.Errorf("VerifyPassword(wrong pepper) = %v, %v", ok, err)
	}

	if _, err := VerifyPassword("not-a-hash", "x", testPepper); err == nil {
		t.Error("VerifyPassword(malformed) = nil error")
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	createUser(t, s, "ops@example.com", "correct-horse-battery")

	token, u, err := svc.Login(ctx, "ops@example.com", "correct-horse-battery", "10.0.0.5")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if u.Userid != "ops@example.com" {
		t.Errorf("user = %q", u.Userid)
	}

	userID, ip, err := svc.ValidateSession(token)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if userID != u.ID || ip != "10.0.0.5" {
		t.Errorf("session = (%q, %q), want (%q, 10.0.0.5)", userID, ip, u.ID)
	}
}

func TestLoginWrongPasswordLocksAfterThreshold(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	u := createUser(t, s, "ops@example.com", "correct-horse-battery")

	// Spread attempts over IPs so the per-IP limiter does not fire first;
	// account lockout must still trigger on the per-user counter.
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	for i := 0; i < 4; i++ {
		_, _, err := svc.Login(ctx, "ops@example.com", "wrong", ips[i])
		if faults.KindOf(err) != faults.Unauthenticated {
			t.Fatalf("attempt %d error = %v, want Unauthenticated", i+1, err)
		}
	}

	_, _, err := svc.Login(ctx, "ops@example.com", "wrong", ips[4])
	if faults.KindOf(err) != faults.PermissionDenied {
		t.Fatalf("5th failure error = %v, want PermissionDenied (locked)", err)
	}

	got, _ := s.GetUser(ctx, s.DB(), u.ID)
	if !got.IsLocked {
		t.Error("user not locked after threshold")
	}

	// Correct password while locked is still refused.
	_, _, err = svc.Login(ctx, "ops@example.com", "correct-horse-battery", "10.0.1.1")
	if faults.KindOf(err) != faults.PermissionDenied {
		t.Errorf("login while locked error = %v, want PermissionDenied", err)
	}
}

func TestLockoutExpiresAutomatically(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	u := createUser(t, s, "ops@example.com", "correct-horse-battery")

	// Lock directly, backdated beyond the lockout window.
	past := time.Now().Add(-16 * time.Minute)
	for i := 0; i < 5; i++ {
		if _, _, err := s.IncrementFailedLogins(ctx, s.DB(), u.ID, 5, past); err != nil {
			t.Fatalf("IncrementFailedLogins() error = %v", err)
		}
	}
	got, _ := s.GetUser(ctx, s.DB(), u.ID)
	if !got.IsLocked {
		t.Fatal("setup: user not locked")
	}

	token, _, err := svc.Login(ctx, "ops@example.com", "correct-horse-battery", "10.0.0.5")
	if err != nil {
		t.Fatalf("Login() after lockout window error = %v", err)
	}
	if token == "" {
		t.Error("no session issued")
	}
	got, _ = s.GetUser(ctx, s.DB(), u.ID)
	if got.IsLocked || got.FailedLoginAttempts != 0 {
		t.Errorf("after unlock: locked = %v attempts = %d", got.IsLocked, got.FailedLoginAttempts)
	}
}

func TestLoginUnknownUserIndistinguishable(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	createUser(t, s, "ops@example.com", "correct-horse-battery")

	_, _, errUnknown := svc.Login(ctx, "ghost@example.com", "anything", "10.0.0.5")
	_, _, errWrongPw := svc.Login(ctx, "ops@example.com", "wrong", "10.0.0.6")
	if faults.Message(errUnknown) != faults.Message(errWrongPw) {
		t.Errorf("messages differ: %q vs %q — leaks account existence",
			faults.Message(errUnknown), faults.Message(errWrongPw))
	}
}

func TestSessionExpiry(t *testing.T) {
	svc, s, _ := newTestService(t)
	createUser(t, s, "ops@example.com", "correct-horse-battery")

	token, _, err := svc.Login(context.Background(), "ops@example.com", "correct-horse-battery", "10.0.0.5")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(SessionValidity + time.Minute) }
	if _, _, err := svc.ValidateSession(token); err == nil {
		t.Error("ValidateSession() after expiry = nil, want error")
	}
}

func TestSessionTamperRejected(t *testing.T) {
	svc, s, _ := newTestService(t)
	createUser(t, s, "ops@example.com", "correct-horse-battery")

	token, _, err := svc.Login(context.Background(), "ops@example.com", "correct-horse-battery", "10.0.0.5")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, _, err := svc.ValidateSession(token[:len(token)-4] + "AAA="); err == nil {
		t.Error("ValidateSession(tampered) = nil, want error")
	}
	if _, _, err := svc.ValidateSession("garbage"); err == nil {
		t.Error("ValidateSession(garbage) = nil, want error")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, s, mailer := newTestService(t)
	ctx := context.Background()
	u := createUser(t, s, "ops@example.com", "old-password-123")

	if err := svc.StartPasswordReset(ctx, "ops@example.com", "https://sysmanage.example.com"); err != nil {
		t.Fatalf("StartPasswordReset() error = %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(mailer.sent))
	}

	// Extract the token from the mailed link.
	body := mailer.sent[0]
	idx := strings.Index(body, "token=")
	if idx < 0 {
		t.Fatalf("no token in email: %q", body)
	}
	token := strings.Fields(body[idx+len("token="):])[0]

	if err := svc.CompletePasswordReset(ctx, token, "new-password-456"); err != nil {
		t.Fatalf("CompletePasswordReset() error = %v", err)
	}

	// Old password no longer works, new one does.
	if _, _, err := svc.Login(ctx, "ops@example.com", "old-password-123", "10.0.0.5"); err == nil {
		t.Error("old password still valid after reset")
	}
	if _, _, err := svc.Login(ctx, "ops@example.com", "new-password-456", "10.0.0.6"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	// The token is single-use.
	err := svc.CompletePasswordReset(ctx, token, "yet-another-password")
	if faults.KindOf(err) != faults.Unauthenticated {
		t.Errorf("reuse error = %v, want Unauthenticated", err)
	}

	got, _ := s.GetUser(ctx, s.DB(), u.ID)
	if got.ForcePasswordReset {
		t.Error("force_password_reset not cleared")
	}
}

func TestStartPasswordResetUnknownUserSilent(t *testing.T) {
	svc, _, mailer := newTestService(t)
	if err := svc.StartPasswordReset(context.Background(), "ghost@example.com", "https://x"); err != nil {
		t.Fatalf("StartPasswordReset(unknown) error = %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Errorf("sent %d emails for unknown user, want 0", len(mailer.sent))
	}
}

func TestCompletePasswordResetRejectsShortPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.CompletePasswordReset(context.Background(), "any", "short")
	if faults.KindOf(err) != faults.InvalidInput {
		t.Errorf("error = %v, want InvalidInput", err)
	}
}
