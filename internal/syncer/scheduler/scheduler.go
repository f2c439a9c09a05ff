// Package scheduler triggers queue drains: periodically while online,
// immediately on an offline-to-online transition, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rmestre/tillsync/internal/apperrors"
	"github.com/rmestre/tillsync/internal/connectivity"
	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/syncer"
)

// drainer is the reconciler surface the scheduler drives.
type drainer interface {
	Drain(ctx context.Context) (*syncer.DrainResult, error)
}

// refresher warms the product catalog after a successful drain.
type refresher interface {
	Refresh(ctx context.Context) error
}

// Config holds scheduler configuration.
type Config struct {
	DrainInterval time.Duration // how often to drain while online (default: 1 minute)
	DrainTimeout  time.Duration // bound on one full drain pass (default: 5 minutes)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: time.Minute,
		DrainTimeout:  5 * time.Minute,
	}
}

// Scheduler runs drains in the background. It holds no queue state of
// its own; overlapping triggers collapse inside the reconciler.
type Scheduler struct {
	reconciler drainer
	catalog    refresher
	conn       connectivity.Provider
	interval   time.Duration
	timeout    time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	mu          sync.RWMutex
	isRunning   bool
	lastDrainAt time.Time
	wakeup      func(next time.Duration)
}

// NewScheduler creates a Scheduler. catalog may be nil.
func NewScheduler(reconciler drainer, catalog refresher, conn connectivity.Provider, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		reconciler: reconciler,
		catalog:    catalog,
		conn:       conn,
		interval:   config.DrainInterval,
		timeout:    config.DrainTimeout,
		stopCh:     make(chan struct{}),
	}
}

// RegisterWakeup installs a best-effort platform hook asked to wake the
// process before the next scheduled drain. Platforms without such a
// facility simply never register one.
func (s *Scheduler) RegisterWakeup(fn func(next time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeup = fn
}

// Start launches the background loops: a periodic drain ticker and a
// connectivity subscription that drains as soon as the device comes
// back online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.unsubscribe = s.conn.Subscribe(func(state connectivity.State) {
		if !state.Online {
			return
		}
		logging.Info("Back online, draining sale queue", nil)
		go s.runDrain(ctx)
	})

	s.wg.Add(1)
	go s.drainLoop(ctx)

	s.requestWakeup()
	logging.Info("Sync scheduler started",
		map[string]interface{}{"interval": s.interval.String()})
}

// Stop shuts the scheduler down gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// SyncNow runs a drain immediately and waits for it, for the manual
// "sync now" action. A drain already in flight surfaces as ErrSyncBusy.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncer.DrainResult, error) {
	drainCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.reconciler.Drain(drainCtx)
	if err != nil {
		return nil, err
	}
	s.afterDrain(ctx, result)
	return result, nil
}

// LastDrainAt returns the completion time of the last successful drain,
// zero when none has run yet.
func (s *Scheduler) LastDrainAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDrainAt
}

// IsRunning reports whether the background loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// drainLoop drains on every tick while online.
func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.conn.Current().Online {
				continue
			}
			s.runDrain(ctx)
		}
	}
}

// runDrain executes one drain pass. An overlapping pass is not an
// error: the reconciler rejects it and the next tick tries again.
func (s *Scheduler) runDrain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.reconciler.Drain(drainCtx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncBusy) {
			logging.Debug("Drain already in progress, skipping", nil)
		} else {
			logging.Error("Scheduled drain failed", err, nil)
		}
		return
	}

	s.afterDrain(ctx, result)
}

// afterDrain records the pass and warms the catalog when everything
// pending made it out.
func (s *Scheduler) afterDrain(ctx context.Context, result *syncer.DrainResult) {
	s.mu.Lock()
	s.lastDrainAt = time.Now()
	s.mu.Unlock()

	s.requestWakeup()

	if s.catalog == nil || result.Failed > 0 {
		return
	}
	refreshCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.catalog.Refresh(refreshCtx); err != nil {
		logging.Warn("Post-drain catalog refresh failed",
			map[string]interface{}{"error": err.Error()})
	}
}

// requestWakeup asks the platform hook, when present, to wake the
// process for the next drain.
func (s *Scheduler) requestWakeup() {
	s.mu.RLock()
	fn := s.wakeup
	s.mu.RUnlock()
	if fn != nil {
		fn(s.interval)
	}
}
