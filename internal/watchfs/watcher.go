// Package watchfs turns the noisy stream of raw filesystem events into
// well-formed per-file change dispatches: Office temp shapes are
// recognized, lock sentinels drive the open/close tracker, events are
// debounced per logical path, and every dispatched change starts an
// adaptive polling loop.
package watchfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ckcm0210/xlwatch/internal/config"
)

// ErrWatcherDead is reported by the watch loop when the OS watcher's event
// or error stream closes unexpectedly; Run then rebuilds the watcher in
// place instead of returning it.
var ErrWatcherDead = errors.New("watchfs: watcher dead")

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a mock implementation.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to the FsWatcher interface.
// fsnotify exposes Events and Errors as public fields, not methods.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Handlers are the intake's outbound edges. Compare enqueues an
// event-driven comparison; FirstSeen baselines a file without comparing
// (monitor-only roots). Either may be nil.
type Handlers struct {
	Compare   func(path string, eventNumber int64)
	FirstSeen func(path string, eventNumber int64)
}

// Intake owns the OS watcher and the per-file dispatch state. One Intake
// instance runs per process; Restart tears down and rebuilds the watcher
// over the current root set without losing dispatch state.
type Intake struct {
	cfg      *config.Config
	logger   *slog.Logger
	handlers Handlers
	tracker  *OpenTracker
	poller   *PollingManager

	watcherFactory func() (FsWatcher, error)

	mu         sync.Mutex
	lastByPath map[string]time.Time
	seen       map[string]bool

	eventSeq       atomic.Int64
	lastDispatchNS atomic.Int64
	lastRawNS      atomic.Int64
	alive          atomic.Bool

	restartCh chan struct{}
}

// NewIntake wires the intake to its collaborators.
func NewIntake(cfg *config.Config, handlers Handlers, tracker *OpenTracker, poller *PollingManager, logger *slog.Logger) *Intake {
	return &Intake{
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		tracker:  tracker,
		poller:   poller,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
		lastByPath: make(map[string]time.Time),
		seen:       make(map[string]bool),
		restartCh:  make(chan struct{}, 1),
	}
}

// Alive reports whether the OS watcher is currently running.
func (in *Intake) Alive() bool { return in.alive.Load() }

// LastDispatch returns the time of the most recent dispatched change.
func (in *Intake) LastDispatch() time.Time {
	return time.Unix(0, in.lastDispatchNS.Load())
}

// LastRawEvent returns the time of the most recent raw watcher event,
// including filtered ones. The supervisor's probe waits on this.
func (in *Intake) LastRawEvent() time.Time {
	return time.Unix(0, in.lastRawNS.Load())
}

// Restart asks the run loop to tear down the current OS watcher and build
// a fresh one over the current root set. Non-blocking; coalesces.
func (in *Intake) Restart() {
	select {
	case in.restartCh <- struct{}{}:
	default:
	}
}

// Roots returns every watched root (compare and monitor-only).
func (in *Intake) Roots() []string {
	roots := make([]string, 0, len(in.cfg.Watch.WatchRoots)+len(in.cfg.Watch.MonitorOnlyRoots))
	roots = append(roots, in.cfg.Watch.WatchRoots...)
	roots = append(roots, in.cfg.Watch.MonitorOnlyRoots...)

	return roots
}

// Run blocks servicing watcher events until ctx is cancelled. The watcher
// is rebuilt in place on Restart or on stream death; Run only returns an
// error when a fresh watcher cannot be constructed at all.
func (in *Intake) Run(ctx context.Context) error {
	for {
		w, err := in.buildWatcher()
		if err != nil {
			return err
		}

		in.alive.Store(true)
		again, loopErr := in.loop(ctx, w)
		in.alive.Store(false)
		w.Close()

		if !again {
			return loopErr
		}

		in.logger.Info("rebuilding filesystem watcher")
	}
}

func (in *Intake) buildWatcher() (FsWatcher, error) {
	w, err := in.watcherFactory()
	if err != nil {
		return nil, fmt.Errorf("watchfs: creating watcher: %w", err)
	}

	for _, root := range in.Roots() {
		if err := in.addWatchesRecursive(w, root); err != nil {
			in.logger.Warn("failed to watch root",
				slog.String("root", root), slog.String("error", err.Error()))
		}
	}

	return w, nil
}

// loop services one watcher until ctx cancels (false), restart is
// requested (true), or the stream dies (true, to rebuild).
func (in *Intake) loop(ctx context.Context, w FsWatcher) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil

		case <-in.restartCh:
			return true, nil

		case ev, ok := <-w.Events():
			if !ok {
				in.logger.Warn("watcher event stream closed")
				return true, ErrWatcherDead
			}

			in.lastRawNS.Store(time.Now().UnixNano())
			in.handle(w, ev)

		case err, ok := <-w.Errors():
			if !ok {
				in.logger.Warn("watcher error stream closed")
				return true, ErrWatcherDead
			}

			in.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// addWatchesRecursive walks root and registers a watch on every directory.
func (in *Intake) addWatchesRecursive(w FsWatcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			in.logger.Warn("walk error during watch setup",
				slog.String("path", path), slog.String("error", walkErr.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if underRoot(path, in.cfg.Storage.CacheRoot) || underRoot(path, in.cfg.Storage.LogRoot) {
			return filepath.SkipDir
		}

		if path != root && pathExcluded(path, in.cfg.Watch.ExcludePaths) {
			return filepath.SkipDir
		}

		if err := w.Add(path); err != nil {
			in.logger.Warn("failed to add watch",
				slog.String("path", path), slog.String("error", err.Error()))
		}

		return nil
	})
}

// handle classifies one raw event and dispatches it.
func (in *Intake) handle(w FsWatcher, ev fsnotify.Event) {
	path := ev.Name
	name := filepath.Base(path)

	// Self-triggered cycles: anything under our own output roots is noise.
	if underRoot(path, in.cfg.Storage.CacheRoot) || underRoot(path, in.cfg.Storage.LogRoot) {
		return
	}

	if pathExcluded(path, in.cfg.Watch.ExcludePaths) {
		return
	}

	// New directories join the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.Add(path); err != nil {
				in.logger.Warn("failed to watch new directory",
					slog.String("path", path), slog.String("error", err.Error()))
			}

			return
		}
	}

	switch ClassifyTempName(name) {
	case TempLockSentinel:
		in.handleSentinel(path, ev.Op)
		return
	case TempGeneric, TempWRL:
		return
	case TempNone:
	}

	if !in.cfg.Watch.ExtensionSupported(name) {
		return
	}

	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		in.poller.Stop(path)
		return
	}

	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}

	in.dispatch(path)
}

func (in *Intake) handleSentinel(path string, op fsnotify.Op) {
	target, ok := LockSentinelTarget(path, func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})
	if !ok || !in.cfg.Watch.ExtensionSupported(target) {
		return
	}

	switch {
	case op.Has(fsnotify.Create):
		in.tracker.SentinelCreated(target)
	case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
		in.tracker.SentinelRemoved(target)
	}
}

// dispatch applies per-file debouncing and routes the change: first sight
// of a monitor-only file baselines without comparing; everything else gets
// an event-driven comparison. Every dispatch (re)starts the polling loop.
func (in *Intake) dispatch(path string) {
	now := time.Now()

	in.mu.Lock()

	if last, ok := in.lastByPath[path]; ok && now.Sub(last) < in.cfg.Watch.DebounceInterval() {
		in.mu.Unlock()
		return
	}

	in.lastByPath[path] = now
	first := !in.seen[path]
	in.seen[path] = true
	in.mu.Unlock()

	seq := in.eventSeq.Add(1)
	in.lastDispatchNS.Store(now.UnixNano())

	monitorOnly := pathExcluded(path, in.cfg.Watch.MonitorOnlyRoots)

	in.logger.Info("change dispatched",
		slog.Int64("event", seq),
		slog.String("path", path),
		slog.Bool("first", first),
		slog.Bool("monitor_only", monitorOnly),
	)

	switch {
	case first && monitorOnly:
		if in.handlers.FirstSeen != nil {
			in.handlers.FirstSeen(path, seq)
		}
	case first && !in.cfg.Queue.ImmediateCompareOnFirstEvent:
		// The polling loop below will run the comparison once the file
		// settles.
	default:
		if in.handlers.Compare != nil {
			in.handlers.Compare(path, seq)
		}
	}

	in.poller.Start(path, seq)
}
