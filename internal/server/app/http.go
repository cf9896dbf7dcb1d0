package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/common/version"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// routes builds the agent-facing HTTP surface: the WebSocket endpoint the
// discovery beacon advertises, the registration endpoint new agents post to,
// and the health probes.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/agent/connect", a.hub)
	mux.HandleFunc("/host/register", a.handleRegister)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/status", a.handleStatus)
	return mux
}

type registerRequest struct {
	FQDN            string `json:"fqdn"`
	IPv4            string `json:"ipv4"`
	IPv6            string `json:"ipv6"`
	Platform        string `json:"platform"`
	PlatformRelease string `json:"platform_release"`
}

type registerResponse struct {
	HostID         string `json:"host_id"`
	ApprovalStatus string `json:"approval_status"`
}

// handleRegister records a new agent as a pending host. Registration is
// idempotent on FQDN: an agent that retries gets its existing row and
// current approval state back.
func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FQDN == "" {
		http.Error(w, "fqdn is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if existing, err := a.store.ResolveHostByHostname(ctx, a.store.DB(), req.FQDN); err == nil {
		writeJSON(w, http.StatusOK, registerResponse{
			HostID:         existing.ID,
			ApprovalStatus: existing.ApprovalStatus,
		})
		return
	} else if !errors.Is(err, store.ErrHostNotFound) {
		slog.Error("failed to look up registering host", "fqdn", req.FQDN, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h := &store.Host{
		ID:              uuid.NewString(),
		FQDN:            req.FQDN,
		IPv4:            nullable(req.IPv4),
		IPv6:            nullable(req.IPv6),
		Platform:        nullable(req.Platform),
		PlatformRelease: nullable(req.PlatformRelease),
		Active:          true,
	}
	if err := a.store.CreateHost(ctx, a.store.DB(), h); err != nil {
		slog.Error("failed to register host", "fqdn", req.FQDN, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("host registered", "fqdn", h.FQDN, "host_id", h.ID)
	writeJSON(w, http.StatusCreated, registerResponse{
		HostID:         h.ID,
		ApprovalStatus: h.ApprovalStatus,
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string           `json:"status"`
	Version    string           `json:"version"`
	Commit     string           `json:"commit"`
	BuildTime  string           `json:"build_time"`
	StartedAt  time.Time        `json:"started_at"`
	UptimeSecs float64          `json:"uptime_seconds"`
	Sessions   int              `json:"agent_sessions"`
	QueueDepth map[string]int64 `json:"queue_depth"`
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := a.queue.Depth(r.Context())
	if err != nil {
		slog.Warn("failed to read queue depth for status", "err", err)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  a.startedAt,
		UptimeSecs: time.Since(a.startedAt).Seconds(),
		Sessions:   a.hub.Sessions(),
		QueueDepth: depth,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "err", err)
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
