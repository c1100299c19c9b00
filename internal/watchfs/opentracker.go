package watchfs

import (
	"log/slog"
	"sync"
	"time"
)

// Transition is one open/close observation for a workbook. Transitions are
// reported to the history sink and the live feed but never by themselves
// trigger a comparison.
type Transition struct {
	Path     string        `json:"path"`
	User     string        `json:"user,omitempty"`
	Open     bool          `json:"open"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"` // close only
}

type openSession struct {
	user string
	at   time.Time
}

// OpenTracker follows lock-sentinel lifecycles: sentinel appearance marks
// the workbook open (author resolved best-effort through the isolated
// metadata path), sentinel deletion marks it closed and records duration.
type OpenTracker struct {
	logger *slog.Logger

	// authorFn resolves the workbook's last author; best-effort, may
	// return "". onTransition receives every recorded transition.
	authorFn     func(path string) string
	onTransition func(Transition)

	mu   sync.Mutex
	open map[string]openSession

	nowFunc func() time.Time
}

// NewOpenTracker creates a tracker. Both callbacks may be nil.
func NewOpenTracker(authorFn func(string) string, onTransition func(Transition), logger *slog.Logger) *OpenTracker {
	return &OpenTracker{
		logger:       logger,
		authorFn:     authorFn,
		onTransition: onTransition,
		open:         make(map[string]openSession),
		nowFunc:      time.Now,
	}
}

// SentinelCreated records that the workbook at target is now open.
func (t *OpenTracker) SentinelCreated(target string) {
	now := t.nowFunc()

	user := ""
	if t.authorFn != nil {
		user = t.authorFn(target)
	}

	t.mu.Lock()
	if _, already := t.open[target]; already {
		t.mu.Unlock()
		return
	}

	t.open[target] = openSession{user: user, at: now}
	t.mu.Unlock()

	t.logger.Info("workbook opened",
		slog.String("path", target),
		slog.String("user", user),
	)

	if t.onTransition != nil {
		t.onTransition(Transition{Path: target, User: user, Open: true, At: now})
	}
}

// SentinelRemoved records that the workbook at target was closed and
// reports the session duration (always >= 0).
func (t *OpenTracker) SentinelRemoved(target string) {
	now := t.nowFunc()

	t.mu.Lock()
	session, ok := t.open[target]
	delete(t.open, target)
	t.mu.Unlock()

	if !ok {
		return
	}

	duration := now.Sub(session.at)
	if duration < 0 {
		duration = 0
	}

	t.logger.Info("workbook closed",
		slog.String("path", target),
		slog.String("user", session.user),
		slog.Duration("open_for", duration),
	)

	if t.onTransition != nil {
		t.onTransition(Transition{
			Path: target, User: session.user, Open: false, At: now, Duration: duration,
		})
	}
}

// IsOpen reports whether the tracker currently believes target is open.
func (t *OpenTracker) IsOpen(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.open[target]

	return ok
}
