// Package app wires the server's subsystems together and owns their
// lifecycle: construction in dependency order, startup, and graceful stop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sysmanage/sysmanage-server/common/crypto"
	"github.com/sysmanage/sysmanage-server/common/redact"
	"github.com/sysmanage/sysmanage-server/common/version"
	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/auth"
	"github.com/sysmanage/sysmanage-server/internal/server/certs"
	"github.com/sysmanage/sysmanage-server/internal/server/config"
	"github.com/sysmanage/sysmanage-server/internal/server/cve"
	"github.com/sysmanage/sysmanage-server/internal/server/discovery"
	"github.com/sysmanage/sysmanage-server/internal/server/email"
	"github.com/sysmanage/sysmanage-server/internal/server/handlers"
	"github.com/sysmanage/sysmanage-server/internal/server/hub"
	"github.com/sysmanage/sysmanage-server/internal/server/loops"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/rbac"
	"github.com/sysmanage/sysmanage-server/internal/server/service"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/vault"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

// App is the assembled server.
type App struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	audits  *audit.Service
	certs   *certs.Manager
	vault   *vault.Client
	hub     *hub.Hub
	auth    *auth.Service
	service *service.Service
	loops   *loops.Manager
	beacon  *discovery.Beacon
	limiter *wsecurity.Limiter

	httpServer *http.Server
	startedAt  time.Time
}

// New builds every subsystem in dependency order. Nothing starts listening
// or ticking until Run.
func New(cfg *config.Config) (*App, error) {
	setupLogging(cfg.Logging)

	slog.Info("opening database", "path", cfg.Database.Path)
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var masterKey []byte
	if cfg.Security.MasterKey != "" {
		masterKey, err = crypto.ParseMasterKey(cfg.Security.MasterKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to parse master key: %w", err)
		}
	}

	certDir := "./certs"
	if cfg.API.CAFile != "" {
		certDir = filepath.Dir(cfg.API.CAFile)
	}
	cm, err := certs.Load(certDir, "SysManage")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load certificate authority: %w", err)
	}

	var vc *vault.Client
	var vaultIface service.Vault
	if cfg.Vault.Enabled {
		vc = vault.New(cfg.Vault)
		vaultIface = vc
		slog.Info("vault client ready", "url", cfg.Vault.URL, "mount", cfg.Vault.MountPath)
	}

	q := queue.New(st, cfg.QueueExpiration())
	audits := audit.New(st)
	roles := rbac.NewCache(st)
	tokens := wsecurity.NewTokens([]byte(cfg.Security.JWTSecret))
	limiter := wsecurity.NewLimiter()

	registry := handlers.New(st, q, audits)
	h := hub.New(st, q, audits, registry, tokens, limiter)

	authSvc := auth.New(st, audits, limiter, email.New(cfg.Email), auth.Options{
		Secret:          []byte(cfg.Security.JWTSecret),
		Pepper:          cfg.Security.PasswordSalt,
		MaxFailedLogins: cfg.Security.MaxFailedLogins,
		LockoutDuration: cfg.LockoutDuration(),
	})

	svc := service.New(st, q, audits, roles, cm, vaultIface, masterKey, cfg.Security.PasswordSalt)

	var refresher loops.Refresher
	if cfg.CVE.Enabled {
		refresher = cve.New(st, cve.NewNVD(cfg.CVE.NVDAPIKey))
		slog.Info("vulnerability refresh ready", "source", "nvd")
	}

	a := &App{
		cfg:       cfg,
		store:     st,
		queue:     q,
		audits:    audits,
		certs:     cm,
		vault:     vc,
		hub:       h,
		auth:      authSvc,
		service:   svc,
		loops:     loops.New(st, q, h, limiter, refresher, cfg),
		beacon:    discovery.New(cfg, version.Version),
		limiter:   limiter,
		startedAt: time.Now(),
	}

	a.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
		Handler:      a.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  3 * time.Hour, // above the hub's idle cutoff
	}
	return a, nil
}

// Service exposes the operator API for embedding callers.
func (a *App) Service() *service.Service { return a.service }

// Auth exposes the login service for embedding callers.
func (a *App) Auth() *auth.Service { return a.auth }

// Run starts every subsystem and blocks until the process receives an
// interrupt or the listener fails.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Messages stuck in flight from a previous process go back to pending
	// before any agent reconnects.
	if err := a.queue.RecoverAll(ctx); err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}

	if err := a.loops.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control loops: %w", err)
	}

	if a.cfg.Discovery.Enabled {
		if err := a.beacon.Start(ctx); err != nil {
			slog.Warn("discovery beacon failed to start; continuing without it", "err", err)
		}
	}

	if a.vault != nil {
		if err := a.vault.Health(ctx); err != nil {
			slog.Warn("vault health check failed; secret operations will error until it recovers", "err", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", "addr", a.httpServer.Addr, "ssl", a.cfg.API.UseSSL)
		var err error
		if a.cfg.API.UseSSL {
			err = a.httpServer.ListenAndServeTLS(a.cfg.API.CertFile, a.cfg.API.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("sysmanage-server is running", "version", version.Info())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	}
}

// Stop shuts the subsystems down in reverse dependency order.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
	a.beacon.Stop()
	a.loops.Stop()
	a.hub.Close()

	slog.Info("closing database")
	a.store.Close()
}

func setupLogging(cfg config.Logging) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactAttr strips secret-bearing attribute values before they reach the log
// sink, so a token or password handed to a log call is never written out.
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if redact.SensitiveKey(a.Key) && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		a.Value = slog.StringValue(redact.Placeholder)
	}
	return a
}
