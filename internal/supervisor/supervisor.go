// Package supervisor keeps the watcher honest: a heartbeat line, a
// liveness/stall healthcheck with an optional filesystem probe, and
// rate-limited auto-restart of the OS watcher. When the restart budget is
// exhausted the supervisor marks itself degraded and stops restarting
// instead of failing; the intake and any running polling loops carry on
// unchanged, and no separate polling-only scan is started.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ckcm0210/xlwatch/internal/config"
)

// Healthcheck sentinels.
var (
	ErrWatcherDead    = errors.New("supervisor: watcher dead")
	ErrWatcherStalled = errors.New("supervisor: watcher stalled")
	ErrProbeFailed    = errors.New("supervisor: probe failed")
)

// healthcheckInterval paces the liveness loop; probes and restarts are
// additionally gated by the stall threshold and the recovery budget.
const healthcheckInterval = 5 * time.Second

// probePollInterval paces the wait for a probe-induced event.
const probePollInterval = 50 * time.Millisecond

// WatcherControl is the supervisor's view of the event intake. Satisfied
// by *watchfs.Intake; tests inject fakes.
type WatcherControl interface {
	Alive() bool
	LastDispatch() time.Time
	LastRawEvent() time.Time
	Restart()
	Roots() []string
}

// Supervisor runs the heartbeat and healthcheck loops.
type Supervisor struct {
	cfg     config.SupervisorConfig
	watcher WatcherControl
	logger  *slog.Logger

	mu         sync.Mutex
	recoveries []time.Time

	degraded atomic.Bool
	started  time.Time

	nowFunc func() time.Time
}

// New creates a Supervisor over the given watcher.
func New(cfg config.SupervisorConfig, watcher WatcherControl, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		watcher: watcher,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Degraded reports whether the restart budget is exhausted. A degraded
// supervisor runs no further healthchecks or restarts.
func (s *Supervisor) Degraded() bool { return s.degraded.Load() }

// Run blocks until ctx is cancelled, driving the heartbeat and
// healthcheck loops.
func (s *Supervisor) Run(ctx context.Context) error {
	s.started = s.nowFunc()

	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.EnableHeartbeat {
		g.Go(func() error { return s.heartbeatLoop(ctx) })
	}

	if s.cfg.EnableObserverHealthcheck {
		g.Go(func() error { return s.healthcheckLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.logger.Info("heartbeat",
				slog.Bool("watcher_alive", s.watcher.Alive()),
				slog.Bool("degraded", s.Degraded()),
				slog.Duration("since_last_dispatch", s.sinceLastDispatch()),
			)
		}
	}
}

func (s *Supervisor) healthcheckLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthcheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// checkOnce runs one healthcheck round: watcher liveness first, then stall
// detection with an optional probe.
func (s *Supervisor) checkOnce(ctx context.Context) {
	if s.Degraded() {
		return
	}

	if !s.watcher.Alive() {
		s.logger.Error("watcher is not alive", slog.String("cause", ErrWatcherDead.Error()))
		s.recover()

		return
	}

	if s.sinceLastDispatch() < s.cfg.StallThreshold() {
		return
	}

	if !s.cfg.ObserverProbeEnabled {
		s.logger.Warn("no dispatch within stall threshold",
			slog.String("cause", ErrWatcherStalled.Error()),
			slog.Duration("threshold", s.cfg.StallThreshold()),
		)
		s.recover()

		return
	}

	if err := s.probe(ctx); err != nil {
		s.logger.Error("watcher probe failed",
			slog.String("cause", err.Error()))
		s.recover()
	}
}

// sinceLastDispatch measures idle time, counting from startup until the
// first dispatch.
func (s *Supervisor) sinceLastDispatch() time.Duration {
	last := s.watcher.LastDispatch()
	if last.Unix() <= 0 {
		last = s.started
	}

	return s.nowFunc().Sub(last)
}

// probe drops a tiny file into the first watched root and waits for the
// watcher to observe any event. Failure means the event stream is wedged
// even though the watcher looks alive.
func (s *Supervisor) probe(ctx context.Context) error {
	roots := s.watcher.Roots()
	if len(roots) == 0 {
		return nil
	}

	path := filepath.Join(roots[0], "._probe_"+uuid.NewString()+".tmp")

	before := s.watcher.LastRawEvent()

	if err := os.WriteFile(path, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("%w: writing probe file: %v", ErrProbeFailed, err)
	}
	defer os.Remove(path)

	deadline := time.Now().Add(s.cfg.ProbeTimeout())

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.watcher.LastRawEvent().After(before) {
			return nil
		}

		time.Sleep(probePollInterval)
	}

	return fmt.Errorf("%w: no event within %s", ErrProbeFailed, s.cfg.ProbeTimeout())
}

// recover requests a watcher restart, rate-limited to max_recoveries per
// recovery window. Budget exhaustion marks the supervisor degraded
// instead of restarting forever.
func (s *Supervisor) recover() {
	if !s.cfg.EnableAutoRestartObserver {
		return
	}

	now := s.nowFunc()

	s.mu.Lock()

	kept := s.recoveries[:0]
	for _, at := range s.recoveries {
		if now.Sub(at) < s.cfg.RecoveryWindow() {
			kept = append(kept, at)
		}
	}

	s.recoveries = kept

	if len(s.recoveries) >= s.cfg.MaxRecoveries {
		s.mu.Unlock()

		if s.degraded.CompareAndSwap(false, true) {
			s.logger.Error("recovery budget exhausted, no further watcher restarts",
				slog.Int("max_recoveries", s.cfg.MaxRecoveries),
				slog.Duration("window", s.cfg.RecoveryWindow()),
			)
		}

		return
	}

	s.recoveries = append(s.recoveries, now)
	n := len(s.recoveries)
	s.mu.Unlock()

	s.logger.Warn("requesting watcher restart",
		slog.Int("recovery", n),
		slog.Int("budget", s.cfg.MaxRecoveries),
	)

	s.watcher.Restart()
}
