package watchfs

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ckcm0210/xlwatch/internal/config"
)

// CompareFunc runs one polling-mode comparison for path and reports
// whether meaningful changes were found. It blocks until the comparison
// (serialized through the compare queue) finishes.
type CompareFunc func(path string, eventNumber int64) bool

// pollTask is the per-file state machine: each tick re-samples
// (mtime, size); after the configured number of consecutive stable samples
// a polling comparison runs. A meaningful change starts a cooldown; a
// quiet stable tick terminates the loop.
type pollTask struct {
	eventNumber   int64
	interval      time.Duration
	lastMtime     time.Time
	lastSize      int64
	stableCount   int
	cooldownUntil time.Time
	timer         *time.Timer
}

// PollingManager owns the adaptive post-event polling loops, one per file.
type PollingManager struct {
	cfg     config.WatchConfig
	compare CompareFunc
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*pollTask
	stopped bool

	nowFunc func() time.Time
}

// NewPollingManager creates a manager; Start launches per-file loops.
func NewPollingManager(cfg config.WatchConfig, compare CompareFunc, logger *slog.Logger) *PollingManager {
	return &PollingManager{
		cfg:     cfg,
		compare: compare,
		logger:  logger,
		tasks:   make(map[string]*pollTask),
		nowFunc: time.Now,
	}
}

// Start begins (or restarts) the polling loop for path following the given
// event. The interval is dense for small files and sparse for large ones.
func (m *PollingManager) Start(path string, eventNumber int64) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	interval := m.cfg.DenseInterval()
	if info.Size() >= int64(m.cfg.PollingSizeThresholdMB)<<20 {
		interval = m.cfg.SparseInterval()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	if existing, ok := m.tasks[path]; ok {
		// A newer event resets the loop; the pending timer keeps running.
		existing.eventNumber = eventNumber
		existing.stableCount = 0
		existing.lastMtime = info.ModTime()
		existing.lastSize = info.Size()

		return
	}

	task := &pollTask{
		eventNumber: eventNumber,
		interval:    interval,
		lastMtime:   info.ModTime(),
		lastSize:    info.Size(),
	}
	task.timer = time.AfterFunc(interval, func() { m.tick(path) })
	m.tasks[path] = task

	m.logger.Debug("polling started",
		slog.String("path", filepath.Base(path)),
		slog.Duration("interval", interval),
	)
}

// Stop terminates the polling loop for path (file deleted, or shutdown).
func (m *PollingManager) Stop(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked(path)
}

func (m *PollingManager) stopLocked(path string) {
	if task, ok := m.tasks[path]; ok {
		task.timer.Stop()
		delete(m.tasks, path)
	}
}

// StopAll terminates every loop; the manager accepts no further Starts.
func (m *PollingManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true

	for path := range m.tasks {
		m.stopLocked(path)
	}
}

// ActiveCount returns the number of live polling loops.
func (m *PollingManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tasks)
}

func (m *PollingManager) tick(path string) {
	m.mu.Lock()

	task, ok := m.tasks[path]
	if !ok || m.stopped {
		m.mu.Unlock()
		return
	}

	now := m.nowFunc()

	// Cooldown after a meaningful change: wait it out, then resume.
	if now.Before(task.cooldownUntil) {
		task.timer = time.AfterFunc(task.interval, func() { m.tick(path) })
		m.mu.Unlock()

		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// File gone: the loop ends.
		m.stopLocked(path)
		m.mu.Unlock()

		m.logger.Debug("polling stopped, file gone", slog.String("path", path))

		return
	}

	// Lock sentinel present: a writer owns the file, defer the check.
	sentinel := filepath.Join(filepath.Dir(path), "~$"+filepath.Base(path))
	if _, serr := os.Stat(sentinel); serr == nil {
		task.timer = time.AfterFunc(task.interval, func() { m.tick(path) })
		m.mu.Unlock()

		return
	}

	if info.ModTime().Equal(task.lastMtime) && info.Size() == task.lastSize {
		task.stableCount++
	} else {
		task.stableCount = 1
		task.lastMtime = info.ModTime()
		task.lastSize = info.Size()
	}

	stable := task.stableCount >= m.cfg.PollingStableChecks
	eventNumber := task.eventNumber
	m.mu.Unlock()

	if !stable {
		m.reschedule(path)
		return
	}

	meaningful := m.compare(path, eventNumber)

	m.mu.Lock()

	task, ok = m.tasks[path]
	if !ok || m.stopped {
		m.mu.Unlock()
		return
	}

	if meaningful {
		// Changes keep landing: cool down, then keep watching.
		task.cooldownUntil = m.nowFunc().Add(m.cfg.PollingCooldown())
		task.stableCount = 0
		task.timer = time.AfterFunc(task.interval, func() { m.tick(path) })
		m.mu.Unlock()

		m.logger.Debug("polling cooldown after meaningful change",
			slog.String("path", filepath.Base(path)))

		return
	}

	// Stable and quiet: the loop has done its job.
	m.stopLocked(path)
	m.mu.Unlock()

	m.logger.Debug("polling finished, file settled", slog.String("path", filepath.Base(path)))
}

func (m *PollingManager) reschedule(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[path]; ok && !m.stopped {
		task.timer = time.AfterFunc(task.interval, func() { m.tick(path) })
	}
}
