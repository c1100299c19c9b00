package watchfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckcm0210/xlwatch/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockWatcher feeds scripted events into the intake loop.
type mockWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu    sync.Mutex
	added []string
}

func newMockWatcher() *mockWatcher {
	return &mockWatcher{
		events: make(chan fsnotify.Event, 64),
		errs:   make(chan error, 1),
	}
}

func (m *mockWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, name)

	return nil
}

func (m *mockWatcher) Remove(string) error           { return nil }
func (m *mockWatcher) Close() error                  { return nil }
func (m *mockWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockWatcher) Errors() <-chan error          { return m.errs }

type dispatchRecorder struct {
	mu        sync.Mutex
	compares  []string
	firstSeen []string
}

func (r *dispatchRecorder) handlers() Handlers {
	return Handlers{
		Compare: func(path string, _ int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.compares = append(r.compares, path)
		},
		FirstSeen: func(path string, _ int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.firstSeen = append(r.firstSeen, path)
		},
	}
}

func (r *dispatchRecorder) comparesSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.compares...)
}

func (r *dispatchRecorder) firstSeenSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.firstSeen...)
}

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Watch.WatchRoots = []string{root}
	cfg.Watch.DebounceIntervalSeconds = 0.2
	cfg.Watch.DensePollingIntervalSeconds = 0.05
	cfg.Watch.SparsePollingIntervalSeconds = 0.05
	cfg.Watch.PollingCooldownSeconds = 0.05
	cfg.Storage.CacheRoot = filepath.Join(root, ".cache")
	cfg.Storage.LogRoot = filepath.Join(root, ".logs")

	return cfg, root
}

// startIntake runs the intake over a mock watcher and returns it plus the
// mock and a stop function.
func startIntake(t *testing.T, cfg *config.Config, rec *dispatchRecorder) (*Intake, *mockWatcher, func()) {
	t.Helper()

	mock := newMockWatcher()
	tracker := NewOpenTracker(nil, nil, testLogger())
	poller := NewPollingManager(cfg.Watch, func(string, int64) bool { return false }, testLogger())

	in := NewIntake(cfg, rec.handlers(), tracker, poller, testLogger())
	in.watcherFactory = func() (FsWatcher, error) { return mock, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = in.Run(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
		poller.StopAll()
	}

	return in, mock, stop
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

func TestIntakeDispatchesWorkbookWrite(t *testing.T) {
	cfg, root := testConfig(t)
	rec := &dispatchRecorder{}

	in, mock, stop := startIntake(t, cfg, rec)
	defer stop()

	book := filepath.Join(root, "Book1.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	mock.events <- fsnotify.Event{Name: book, Op: fsnotify.Write}

	waitFor(t, func() bool { return len(rec.comparesSeen()) == 1 }, "no compare dispatched")
	assert.Equal(t, []string{book}, rec.comparesSeen())
	assert.False(t, in.LastDispatch().IsZero())
}

func TestIntakeDebouncesBursts(t *testing.T) {
	cfg, root := testConfig(t)
	rec := &dispatchRecorder{}

	_, mock, stop := startIntake(t, cfg, rec)
	defer stop()

	book := filepath.Join(root, "Book1.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	for range 10 {
		mock.events <- fsnotify.Event{Name: book, Op: fsnotify.Write}
	}

	waitFor(t, func() bool { return len(rec.comparesSeen()) >= 1 }, "no compare dispatched")
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.comparesSeen(), 1, "burst within the debounce window collapses to one dispatch")
}

func TestIntakeFiltersNoise(t *testing.T) {
	cfg, root := testConfig(t)
	rec := &dispatchRecorder{}

	_, mock, stop := startIntake(t, cfg, rec)
	defer stop()

	for _, name := range []string{
		"notes.txt",
		"Book1.xlsx.tmp",
		"~WRL0001.tmp",
		filepath.Join(".cache", "abc__Book1.xlsx"),
	} {
		mock.events <- fsnotify.Event{Name: filepath.Join(root, name), Op: fsnotify.Write}
	}

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.comparesSeen(), "temp files, foreign extensions, and cache paths never compare")
}

func TestIntakeSentinelLifecycle(t *testing.T) {
	cfg, root := testConfig(t)
	rec := &dispatchRecorder{}

	var transitions []Transition

	var transMu sync.Mutex

	mock := newMockWatcher()
	tracker := NewOpenTracker(
		func(string) string { return "alice" },
		func(tr Transition) {
			transMu.Lock()
			defer transMu.Unlock()
			transitions = append(transitions, tr)
		},
		testLogger(),
	)
	poller := NewPollingManager(cfg.Watch, func(string, int64) bool { return false }, testLogger())

	in := NewIntake(cfg, rec.handlers(), tracker, poller, testLogger())
	in.watcherFactory = func() (FsWatcher, error) { return mock, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = in.Run(ctx) }()

	book := filepath.Join(root, "Book1.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	sentinel := filepath.Join(root, "~$Book1.xlsx")
	mock.events <- fsnotify.Event{Name: sentinel, Op: fsnotify.Create}

	waitFor(t, func() bool { return tracker.IsOpen(book) }, "open not tracked")

	mock.events <- fsnotify.Event{Name: sentinel, Op: fsnotify.Remove}
	waitFor(t, func() bool { return !tracker.IsOpen(book) }, "close not tracked")

	transMu.Lock()
	defer transMu.Unlock()
	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Open)
	assert.False(t, transitions[1].Open)
	assert.GreaterOrEqual(t, transitions[1].Duration, time.Duration(0))
	assert.Equal(t, "alice", transitions[0].User)
	assert.Empty(t, rec.comparesSeen(), "sentinel transitions never trigger comparisons")
}

func TestIntakeMonitorOnlyFirstSeen(t *testing.T) {
	cfg, root := testConfig(t)

	monRoot := t.TempDir()
	cfg.Watch.MonitorOnlyRoots = []string{monRoot}

	rec := &dispatchRecorder{}

	_, mock, stop := startIntake(t, cfg, rec)
	defer stop()

	_ = root

	book := filepath.Join(monRoot, "Watched.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	mock.events <- fsnotify.Event{Name: book, Op: fsnotify.Write}
	waitFor(t, func() bool { return len(rec.firstSeenSeen()) == 1 }, "first-seen not dispatched")
	assert.Empty(t, rec.comparesSeen(), "monitor-only first sight baselines without comparing")

	// After the debounce window, the next event compares like any other root.
	time.Sleep(250 * time.Millisecond)
	mock.events <- fsnotify.Event{Name: book, Op: fsnotify.Write}
	waitFor(t, func() bool { return len(rec.comparesSeen()) == 1 }, "second event should compare")
}

func TestClassifyTempName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TempLockSentinel, ClassifyTempName("~$Book1.xlsx"))
	assert.Equal(t, TempWRL, ClassifyTempName("~WRL0005.tmp"))
	assert.Equal(t, TempGeneric, ClassifyTempName("Book1.xlsx.tmp"))
	assert.Equal(t, TempGeneric, ClassifyTempName("ABCD1234.tmp"))
	assert.Equal(t, TempNone, ClassifyTempName("Book1.xlsx"))
}

func TestLockSentinelTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	book := filepath.Join(dir, "Book1.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}

	target, ok := LockSentinelTarget(filepath.Join(dir, "~$Book1.xlsx"), exists)
	require.True(t, ok)
	assert.Equal(t, book, target)

	// Office-truncated sentinel: leading characters missing from the name.
	long := filepath.Join(dir, "QuarterlyReport.xlsx")
	require.NoError(t, os.WriteFile(long, []byte("x"), 0o600))

	target, ok = LockSentinelTarget(filepath.Join(dir, "~$arterlyReport.xlsx"), exists)
	require.True(t, ok)
	assert.Equal(t, long, target)
}

func TestPollingManagerTerminatesWhenQuiet(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Watch
	cfg.DensePollingIntervalSeconds = 0.02
	cfg.SparsePollingIntervalSeconds = 0.02
	cfg.PollingStableChecks = 2
	cfg.PollingCooldownSeconds = 0.02

	dir := t.TempDir()
	book := filepath.Join(dir, "Book1.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	var compareCount atomic.Int32

	m := NewPollingManager(cfg, func(string, int64) bool {
		compareCount.Add(1)
		return false
	}, testLogger())

	m.Start(book, 1)
	assert.Equal(t, 1, m.ActiveCount())

	waitFor(t, func() bool { return m.ActiveCount() == 0 },
		"quiet stable file must terminate its polling loop")

	assert.GreaterOrEqual(t, compareCount.Load(), int32(1), "a polling comparison must have run")
}

func TestPollingManagerStopsWhenFileDeleted(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Watch
	cfg.DensePollingIntervalSeconds = 0.02
	cfg.SparsePollingIntervalSeconds = 0.02
	cfg.PollingStableChecks = 100 // never reach a compare

	dir := t.TempDir()
	book := filepath.Join(dir, "Book1.xlsx")
	require.NoError(t, os.WriteFile(book, []byte("x"), 0o600))

	m := NewPollingManager(cfg, func(string, int64) bool { return false }, testLogger())
	m.Start(book, 1)

	require.NoError(t, os.Remove(book))

	waitFor(t, func() bool { return m.ActiveCount() == 0 },
		"polling loop must stop once the file is gone")
}
