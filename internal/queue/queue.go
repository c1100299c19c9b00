// Package queue implements the bounded-concurrency compare queue with
// per-key deduplication: submitting work for a key that already has a
// pending (not yet started) task replaces that task, so at most one
// comparison is ever pending per file while bursts collapse to the most
// recent state. Running tasks are never cancelled by resubmission.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueShutdown is returned by Submit after Stop. Benign during stop.
var ErrQueueShutdown = errors.New("queue: shut down")

// Task is one unit of compare work. The context is cancelled only when the
// drain deadline expires during shutdown.
type Task func(ctx context.Context)

// wakeBuffer sizes the worker wake channel; sends are non-blocking, and a
// dropped wake is recovered by the rescan after every completed task.
const wakeBuffer = 64

// Queue is the compare work queue. Per key, tasks are serialized: a key's
// pending task does not start while the same key is running, preserving
// per-file event ordering.
type Queue struct {
	workers int
	dedup   bool
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string][]Task
	order   []string
	running map[string]bool
	stopped bool

	wake     chan struct{}
	wg       sync.WaitGroup
	taskCtx  context.Context
	taskStop context.CancelFunc

	replaced atomic.Int64
	executed atomic.Int64
}

// New creates a Queue with the given worker count (minimum 1). dedup
// enables keep-latest-per-key replacement of pending tasks; with it off,
// same-key submissions queue behind each other instead.
func New(workers int, dedup bool, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}

	taskCtx, taskStop := context.WithCancel(context.Background())

	return &Queue{
		workers:  workers,
		dedup:    dedup,
		logger:   logger,
		pending:  make(map[string][]Task),
		running:  make(map[string]bool),
		wake:     make(chan struct{}, wakeBuffer),
		taskCtx:  taskCtx,
		taskStop: taskStop,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled and
// no runnable work remains.
func (q *Queue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)

		go q.worker(ctx)
	}

	q.logger.Info("compare queue started", slog.Int("workers", q.workers))
}

// Submit enqueues a task for key. If a task for the same key is already
// pending it is replaced (keep-latest) when pending dedup is on, and queued
// behind it when dedup is off; if the key is currently running
// the new task waits its turn. Returns ErrQueueShutdown after Stop.
func (q *Queue) Submit(key string, t Task) error {
	q.mu.Lock()

	if q.stopped {
		q.mu.Unlock()
		return ErrQueueShutdown
	}

	if entries, exists := q.pending[key]; exists && len(entries) > 0 {
		if q.dedup {
			q.replaced.Add(1)
			q.pending[key] = []Task{t}
			q.mu.Unlock()

			q.logger.Debug("pending task replaced by newer submission", slog.String("key", key))

			return nil
		}

		q.pending[key] = append(entries, t)
		q.mu.Unlock()

		q.notify()

		return nil
	}

	q.pending[key] = []Task{t}
	q.order = append(q.order, key)
	q.mu.Unlock()

	q.notify()

	return nil
}

// Stop prevents new submissions, discards pending tasks, and waits up to
// drainDeadline for in-flight tasks. Past the deadline their contexts are
// cancelled and the remaining wait is unbounded (tasks are expected to
// honor cancellation promptly).
func (q *Queue) Stop(drainDeadline time.Duration) {
	q.mu.Lock()
	q.stopped = true

	dropped := 0
	for _, entries := range q.pending {
		dropped += len(entries)
	}

	q.pending = make(map[string][]Task)
	q.order = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("discarded pending compares on shutdown", slog.Int("count", dropped))
	}

	// Wake everyone so idle workers observe the stop.
	for range q.workers {
		q.notify()
	}

	done := make(chan struct{})

	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainDeadline):
		q.logger.Warn("drain deadline reached, cancelling in-flight compares")
		q.taskStop()
		<-done
	}

	q.taskStop()
}

// PendingLen returns the number of distinct keys with a pending task.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// ReplacedCount returns how many pending tasks were superseded by newer
// submissions for the same key.
func (q *Queue) ReplacedCount() int64 { return q.replaced.Load() }

// ExecutedCount returns how many tasks have been run to completion.
func (q *Queue) ExecutedCount() int64 { return q.executed.Load() }

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		key, task, ok := q.next()
		if ok {
			task(q.taskCtx)
			q.finish(key)
			q.executed.Add(1)

			continue
		}

		if q.isStopped() || ctx.Err() != nil {
			return
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}

// next pops the oldest pending key that is not currently running.
func (q *Queue) next() (string, Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, key := range q.order {
		if q.running[key] {
			continue
		}

		entries := q.pending[key]
		if len(entries) == 0 {
			continue
		}

		task := entries[0]

		if len(entries) == 1 {
			q.order = append(q.order[:i:i], q.order[i+1:]...)
			delete(q.pending, key)
		} else {
			q.pending[key] = entries[1:]
		}

		q.running[key] = true

		return key, task, true
	}

	return "", nil, false
}

func (q *Queue) finish(key string) {
	q.mu.Lock()
	delete(q.running, key)
	q.mu.Unlock()

	// A resubmission may have queued behind the finished run.
	q.notify()
}

func (q *Queue) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.stopped && len(q.pending) == 0
}
