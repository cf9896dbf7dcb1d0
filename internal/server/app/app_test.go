package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sysmanage/sysmanage-server/internal/server/config"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.API.CAFile = filepath.Join(dir, "ca", "ca.crt")
	cfg.Security.JWTSecret = "test-jwt-secret"
	cfg.Security.PasswordSalt = "test-salt"

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { a.store.Close() })
	return a
}

func TestLogHandlerRedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactAttr}))

	logger.Info("issued agent credentials",
		"host_token", "tok-1234567890",
		"fqdn", "web01.example.com")

	out := buf.String()
	if strings.Contains(out, "tok-1234567890") {
		t.Errorf("log line leaked the token: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("log line = %s, want redaction marker", out)
	}
	if !strings.Contains(out, "web01.example.com") {
		t.Errorf("log line = %s, benign attribute was lost", out)
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Sessions != 0 {
		t.Errorf("sessions = %d, want 0", resp.Sessions)
	}
}

func TestHostRegistration(t *testing.T) {
	a := newTestApp(t)
	body := `{"fqdn":"web01.example.com","ipv4":"10.0.0.5","platform":"Linux","platform_release":"ubuntu-24.04"}`

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/host/register", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /host/register = %d, body %s", rec.Code, rec.Body.String())
	}
	var first registerResponse
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.ApprovalStatus != store.ApprovalPending {
		t.Errorf("approval status = %q, want pending", first.ApprovalStatus)
	}

	h, err := a.store.GetHost(context.Background(), a.store.DB(), first.HostID)
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if h.FQDN != "web01.example.com" || !h.IPv4.Valid {
		t.Errorf("host = %+v", h)
	}

	// A retry from the same agent returns the existing row.
	rec = httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/host/register", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat POST /host/register = %d", rec.Code)
	}
	var second registerResponse
	if err := json.NewDecoder(rec.Body).Decode(&second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second.HostID != first.HostID {
		t.Errorf("repeat registration created a new host: %s vs %s", second.HostID, first.HostID)
	}
}

func TestHostRegistrationRejectsBadRequests(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/host/register", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /host/register = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/host/register", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /host/register without fqdn = %d", rec.Code)
	}
}
