// Package loops runs the server's periodic maintenance: liveness detection,
// queue cleanup, session sweeping and the scheduled vulnerability refresh.
package loops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sysmanage/sysmanage-server/internal/server/config"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

const (
	heartbeatInterval = time.Minute
	sweepInterval     = 5 * time.Minute
	// staleSessionAge mirrors the hub's own idle timeout; the sweeper is the
	// backstop for sessions whose read deadline never fires.
	staleSessionAge = 2 * time.Hour
)

// SessionCloser is the hub surface the sweeper needs.
type SessionCloser interface {
	CloseStale(maxIdle time.Duration) int
}

// Refresher triggers a full vulnerability source refresh.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Manager owns the maintenance goroutines and the cron scheduler.
type Manager struct {
	store     *store.Store
	queue     *queue.Queue
	sessions  SessionCloser
	limiter   *wsecurity.Limiter
	refresher Refresher
	cfg       *config.Config

	cron   *cron.Cron
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(s *store.Store, q *queue.Queue, sessions SessionCloser, limiter *wsecurity.Limiter, refresher Refresher, cfg *config.Config) *Manager {
	return &Manager{
		store:     s,
		queue:     q,
		sessions:  sessions,
		limiter:   limiter,
		refresher: refresher,
		cfg:       cfg,
	}
}

// Start launches every loop. Stop waits for them to drain.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.every(ctx, heartbeatInterval, m.sweepHeartbeats)
	m.every(ctx, m.cfg.QueueCleanupInterval(), m.cleanupQueue)
	m.every(ctx, sweepInterval, m.sweepSessions)

	if m.cfg.CVE.Enabled && m.refresher != nil {
		if err := m.startCveSchedule(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.wg.Wait()
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// sweepHeartbeats flips hosts whose last heartbeat predates the liveness
// cutoff to down.
func (m *Manager) sweepHeartbeats(ctx context.Context) {
	now := time.Now()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout())
	n, err := m.store.MarkHostsDown(ctx, m.store.DB(), cutoff, now)
	if err != nil {
		slog.Error("heartbeat sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("marked hosts down", "count", n)
	}
}

func (m *Manager) cleanupQueue(ctx context.Context) {
	if err := m.queue.Cleanup(ctx, m.cfg.QueueExpiration()); err != nil {
		slog.Error("queue cleanup failed", "err", err)
	}
}

// sweepSessions closes dead agent sessions, prunes rate-limiter state and
// drops expired password reset tokens.
func (m *Manager) sweepSessions(ctx context.Context) {
	if n := m.sessions.CloseStale(staleSessionAge); n > 0 {
		slog.Info("closed stale agent sessions", "count", n)
	}
	m.limiter.Sweep()

	n, err := m.store.DeleteExpiredResetTokens(ctx, m.store.DB(), time.Now())
	if err != nil {
		slog.Error("reset token sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("pruned expired reset tokens", "count", n)
	}
}

// startCveSchedule reads the stored cron schedule and registers the refresh
// job. The schedule lives in the database so operators can change it without
// a restart taking a new config file.
func (m *Manager) startCveSchedule(ctx context.Context) error {
	settings, err := m.store.GetCveSettings(ctx, m.store.DB())
	if err != nil {
		return err
	}
	if !settings.Enabled {
		slog.Info("vulnerability refresh disabled in settings")
		return nil
	}

	m.cron = cron.New()
	_, err = m.cron.AddFunc(settings.Schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Hour)
		defer cancel()
		if err := m.refresher.RefreshAll(runCtx); err != nil {
			slog.Error("scheduled vulnerability refresh failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	slog.Info("vulnerability refresh scheduled", "schedule", settings.Schedule)
	return nil
}
