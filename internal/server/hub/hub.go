// Package hub owns the live agent WebSocket sessions: the authentication
// handshake, the inbound read loop, and the per-host outbound drainer that
// feeds queued messages onto the wire.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/handlers"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

const (
	writeTimeout = 15 * time.Second
	// authTimeout bounds how long a fresh socket may sit unauthenticated.
	authTimeout = 30 * time.Second
	// idleTimeout closes sessions with no inbound traffic at all.
	idleTimeout = 2 * time.Hour
	drainTick   = time.Second
	drainBatch  = 16
)

// Hub tracks connected agents by host ID. One session per host: a new
// connection for an already-connected host supersedes the old one.
type Hub struct {
	store    *store.Store
	queue    *queue.Queue
	audits   *audit.Service
	registry *handlers.Registry
	tokens   *wsecurity.Tokens
	limiter  *wsecurity.Limiter
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*session
}

func New(s *store.Store, q *queue.Queue, a *audit.Service, r *handlers.Registry, tokens *wsecurity.Tokens, limiter *wsecurity.Limiter) *Hub {
	return &Hub{
		store:    s,
		queue:    q,
		audits:   a,
		registry: r,
		tokens:   tokens,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*session),
	}
}

type session struct {
	hub      *Hub
	ws       *websocket.Conn
	host     *store.Host
	remoteIP string

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// authRequest is the first frame an agent must send after the upgrade.
type authRequest struct {
	MessageType string `json:"message_type"`
	Data        struct {
		ConnectionToken   string `json:"connection_token"`
		HostToken         string `json:"host_token"`
		CertificateSerial string `json:"certificate_serial"`
	} `json:"data"`
}

// ServeHTTP upgrades an agent connection and runs its session to completion.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if h.limiter.IsBlocked(ip) || !h.limiter.AllowConnection(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "ip", ip, "err", err)
		return
	}

	host, err := h.authenticate(r.Context(), ws, ip)
	if err != nil {
		slog.Warn("agent authentication failed", "ip", ip, "err", err)
		h.limiter.RecordLoginFailure(ip)
		writeControlError(ws, "auth_failed")
		ws.Close()
		return
	}
	h.limiter.RecordLoginSuccess(ip)

	s := &session{
		hub:          h,
		ws:           ws,
		host:         host,
		remoteIP:     ip,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	h.register(s)
	defer h.release(s)

	_, err = h.audits.Success(r.Context(), h.store.DB(), audit.Entry{
		ActionType:  audit.ActionLogin,
		EntityType:  "host",
		EntityID:    host.ID,
		EntityName:  host.FQDN,
		Description: "agent connected",
		IPAddress:   ip,
		Category:    "agent_session",
	})
	if err != nil {
		slog.Error("failed to audit agent login", "host_id", host.ID, "err", err)
	}

	// Anything left unconfirmed from a previous session goes back on the wire.
	if err := h.queue.RecoverHost(r.Context(), host.ID); err != nil {
		slog.Error("failed to recover queue for host", "host_id", host.ID, "err", err)
	}

	go s.drainOutbound()
	s.readLoop()
}

// authenticate runs the first-frame handshake: a valid connection token plus
// a credential identifying an approved host. Activity is not a precondition;
// the heartbeat update below is what brings a down host back up.
func (h *Hub) authenticate(ctx context.Context, ws *websocket.Conn, ip string) (*store.Host, error) {
	ws.SetReadDeadline(time.Now().Add(authTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var req authRequest
	if err := ws.ReadJSON(&req); err != nil {
		return nil, fmt.Errorf("failed to read auth frame: %w", err)
	}
	if req.MessageType != "auth" {
		return nil, fmt.Errorf("first frame is %q, want auth", req.MessageType)
	}

	if _, err := h.tokens.Validate(req.Data.ConnectionToken, ip); err != nil {
		return nil, fmt.Errorf("connection token rejected: %w", err)
	}

	var host *store.Host
	var err error
	switch {
	case req.Data.CertificateSerial != "":
		host, err = h.store.GetHostByCertificateSerial(ctx, h.store.DB(), req.Data.CertificateSerial)
	case req.Data.HostToken != "":
		host, err = h.store.GetHostByToken(ctx, h.store.DB(), req.Data.HostToken)
	default:
		return nil, fmt.Errorf("auth frame carries no host credential")
	}
	if err != nil {
		return nil, fmt.Errorf("unknown host credential: %w", err)
	}
	if host.ApprovalStatus != store.ApprovalApproved {
		return nil, fmt.Errorf("host %s is %s, not approved", host.ID, host.ApprovalStatus)
	}

	if err := h.store.UpdateHostHeartbeat(ctx, h.store.DB(), host.ID, time.Now()); err != nil {
		return nil, err
	}

	ack := wsecurity.NewEnvelope("auth_ack", map[string]any{"host_id": host.ID})
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(ack); err != nil {
		return nil, fmt.Errorf("failed to ack auth: %w", err)
	}
	return host, nil
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	old := h.conns[s.host.ID]
	h.conns[s.host.ID] = s
	h.mu.Unlock()

	if old != nil {
		slog.Info("superseding existing agent session", "host_id", s.host.ID)
		old.close()
	}
}

// release drops the session from the table and returns the host's in-flight
// messages to pending so the next session retries them.
func (h *Hub) release(s *session) {
	s.close()

	h.mu.Lock()
	if h.conns[s.host.ID] == s {
		delete(h.conns, s.host.ID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.queue.RecoverHost(ctx, s.host.ID); err != nil {
		slog.Error("failed to recover queue on disconnect", "host_id", s.host.ID, "err", err)
	}
	slog.Info("agent disconnected", "host_id", s.host.ID, "fqdn", s.host.FQDN)
}

// Connected reports whether the host has a live session.
func (h *Hub) Connected(hostID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[hostID] != nil
}

// Sessions returns the number of live agent sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseStale closes sessions with no inbound activity for maxIdle. Returns
// the number closed.
func (h *Hub) CloseStale(maxIdle time.Duration) int {
	h.mu.Lock()
	var stale []*session
	for _, s := range h.conns {
		if time.Since(s.activity()) > maxIdle {
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		slog.Info("closing stale agent session", "host_id", s.host.ID)
		s.close()
	}
	return len(stale)
}

// Close terminates every session. Used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.conns))
	for _, s := range h.conns {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// --- session ---

func (s *session) readLoop() {
	for {
		s.ws.SetReadDeadline(time.Now().Add(idleTimeout))
		var env wsecurity.Envelope
		if err := s.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("agent read error", "host_id", s.host.ID, "err", err)
			}
			return
		}
		s.touch()

		if err := wsecurity.ValidateEnvelope(env, time.Now()); err != nil {
			slog.Warn("rejecting message failing integrity checks",
				"host_id", s.host.ID, "type", env.MessageType, "err", err)
			s.write(*errorEnvelope("integrity_violation"))
			continue
		}
		if err := wsecurity.ValidatePayload(env.MessageType, env.Data); err != nil {
			slog.Warn("rejecting message failing payload schema",
				"host_id", s.host.ID, "type", env.MessageType, "err", err)
			s.write(*errorEnvelope("integrity_violation"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		resp := s.hub.registry.Dispatch(ctx, &handlers.Conn{
			HostID:     s.host.ID,
			FQDN:       s.host.FQDN,
			RemoteAddr: s.remoteIP,
		}, env)
		cancel()

		if resp != nil {
			if err := s.write(*resp); err != nil {
				slog.Warn("failed to write response", "host_id", s.host.ID, "err", err)
				return
			}
		}
	}
}

// drainOutbound moves due queued messages onto the wire. It wakes on the
// queue's notification channel and on a steady tick that catches messages
// whose backoff just elapsed.
func (s *session) drainOutbound() {
	wake := s.hub.queue.Subscribe(s.host.ID)
	defer s.hub.queue.Unsubscribe(s.host.ID, wake)

	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-wake:
		case <-ticker.C:
		}
		if !s.drainOnce() {
			return
		}
	}
}

// drainOnce delivers one batch. Returns false when the socket is dead.
func (s *session) drainOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := s.hub.queue.Deliverable(ctx, s.host.ID, drainBatch)
	if err != nil {
		slog.Error("failed to claim deliverable messages", "host_id", s.host.ID, "err", err)
		return true
	}

	for _, m := range msgs {
		env, err := envelopeFor(m)
		if err != nil {
			slog.Error("dropping malformed queued message", "message_id", m.ID, "err", err)
			s.hub.queue.Failed(ctx, m, err, false)
			continue
		}

		if err := s.write(env); err != nil {
			// The socket is gone; the release path requeues this message.
			s.hub.queue.Failed(ctx, m, err, true)
			s.close()
			return false
		}

		if err := s.hub.queue.Sent(ctx, m.ID); err != nil {
			slog.Error("failed to mark message sent", "message_id", m.ID, "err", err)
			continue
		}
		// Messages that expect no reply are complete once written; correlated
		// ones stay sent until the agent's result settles them.
		if !m.CorrelationID.Valid {
			if err := s.hub.queue.Delivered(ctx, m.ID); err != nil {
				slog.Error("failed to mark message delivered", "message_id", m.ID, "err", err)
			}
		}
	}
	return true
}

func (s *session) write(env wsecurity.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(env)
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) activity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

// envelopeFor frames a queued message for the wire. The stored payload
// becomes the envelope data verbatim.
func envelopeFor(m *store.QueuedMessage) (wsecurity.Envelope, error) {
	var data map[string]any
	if m.MessageData != "" {
		if err := json.Unmarshal([]byte(m.MessageData), &data); err != nil {
			return wsecurity.Envelope{}, fmt.Errorf("failed to decode message data: %w", err)
		}
	}
	env := wsecurity.NewEnvelope(m.MessageType, data)
	if m.CorrelationID.Valid {
		env.CorrelationID = m.CorrelationID.String
	}
	return env, nil
}

func errorEnvelope(errorType string) *wsecurity.Envelope {
	e := wsecurity.NewEnvelope("error", map[string]any{"error_type": errorType})
	return &e
}

func writeControlError(ws *websocket.Conn, errorType string) {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	ws.WriteJSON(errorEnvelope(errorType))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
