// Package engine runs the per-file comparison pipeline: baseline load,
// stable copy, isolated parse, classification, timeline emission, and
// atomic baseline replacement — in that order, so a crash mid-task leaves
// at worst an event with a slightly stale baseline that self-heals on the
// next change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ckcm0210/xlwatch/internal/baseline"
	"github.com/ckcm0210/xlwatch/internal/config"
	"github.com/ckcm0210/xlwatch/internal/diffgrid"
	"github.com/ckcm0210/xlwatch/internal/feed"
	"github.com/ckcm0210/xlwatch/internal/history"
	"github.com/ckcm0210/xlwatch/internal/queue"
	"github.com/ckcm0210/xlwatch/internal/stablecopy"
	"github.com/ckcm0210/xlwatch/internal/watchfs"
	"github.com/ckcm0210/xlwatch/internal/xlparse"
)

// Result tags for the one-line-per-file worker log.
const (
	resultOK        = "OK"
	resultSkip      = "SKIP"
	resultReadError = "READ_ERROR"
	resultTimeout   = "TIMEOUT"
	resultSaveError = "SAVE_ERROR"
)

// metadataLookupTimeout bounds best-effort author lookups for the
// open/close tracker.
const metadataLookupTimeout = 15 * time.Second

// Parser is the engine's view of the isolated workbook parser. Satisfied
// by *xlparse.Runner; tests inject fakes.
type Parser interface {
	Parse(ctx context.Context, path string, opts xlparse.Options) (*xlparse.Result, error)
	Metadata(ctx context.Context, path string) (xlparse.Metadata, error)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config    *config.Config
	Copier    *stablecopy.Pipeline
	Parser    Parser
	Baselines *baseline.Store
	Index     *history.Store
	Snapshots *history.SnapshotWriter
	ChangeLog *history.ChangeLog
	Activity  *history.ActivityLog
	Queue     *queue.Queue
	Feed      *feed.Broadcaster
	Logger    *slog.Logger
}

// Engine owns the compare pipeline and the aggregate result counters.
type Engine struct {
	cfg       *config.Config
	copier    *stablecopy.Pipeline
	parser    Parser
	baselines *baseline.Store
	index     *history.Store
	snapshots *history.SnapshotWriter
	changeLog *history.ChangeLog
	activity  *history.ActivityLog
	queue     *queue.Queue
	feed      *feed.Broadcaster
	logger    *slog.Logger

	policy  diffgrid.Policy
	deduper *diffgrid.Deduper

	closed chan struct{}

	okCount      atomic.Int64
	skipCount    atomic.Int64
	readErrCount atomic.Int64
	timeoutCount atomic.Int64
	saveErrCount atomic.Int64

	nowFunc func() time.Time
}

// New wires an Engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		cfg:       d.Config,
		copier:    d.Copier,
		parser:    d.Parser,
		baselines: d.Baselines,
		index:     d.Index,
		snapshots: d.Snapshots,
		changeLog: d.ChangeLog,
		activity:  d.Activity,
		queue:     d.Queue,
		feed:      d.Feed,
		logger:    d.Logger,
		policy:    diffgrid.PolicyFromConfig(d.Config.Compare),
		deduper:   diffgrid.NewDeduper(d.Config.Compare.DedupWindow()),
		closed:    make(chan struct{}),
		nowFunc:   time.Now,
	}
}

// Close releases waiters blocked on polling comparisons. Call after the
// polling manager has stopped and before the queue drains.
func (e *Engine) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

// EnqueueCompare schedules an event-driven comparison; the queue's
// keep-latest-per-key dedup collapses bursts.
func (e *Engine) EnqueueCompare(path string, eventNumber int64) {
	err := e.queue.Submit(path, func(ctx context.Context) {
		e.compare(ctx, path, false, eventNumber)
	})
	if err != nil && !errors.Is(err, queue.ErrQueueShutdown) {
		e.logger.Warn("compare submission failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// ComparePolling schedules a polling-mode comparison and blocks until it
// completes, reporting whether meaningful changes were found. Used by the
// adaptive polling loops to drive their cooldown/termination decisions.
func (e *Engine) ComparePolling(path string, eventNumber int64) bool {
	res := make(chan bool, 1)

	err := e.queue.Submit(path, func(ctx context.Context) {
		res <- e.compare(ctx, path, true, eventNumber)
	})
	if err != nil {
		return false
	}

	select {
	case meaningful := <-res:
		return meaningful
	case <-e.closed:
		return false
	}
}

// BaselineOnly captures a baseline for path without emitting any event.
// Used for monitor-only roots on first sight and by the baseline command.
func (e *Engine) BaselineOnly(path string, eventNumber int64) {
	err := e.queue.Submit(path, func(ctx context.Context) {
		if err := e.captureBaseline(ctx, path); err != nil {
			e.logResult(path, eventNumber, classifyResult(err), err)
		} else {
			e.logResult(path, eventNumber, resultOK, nil)
		}
	})
	if err != nil && !errors.Is(err, queue.ErrQueueShutdown) {
		e.logger.Warn("baseline submission failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Author resolves the workbook's last author through the isolated
// metadata path. Best-effort: failures return "".
func (e *Engine) Author(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), metadataLookupTimeout)
	defer cancel()

	meta, err := e.parser.Metadata(ctx, path)
	if err != nil {
		return ""
	}

	return meta.LastAuthor
}

// OnTransition records an open/close transition to the activity log and
// the live feed.
func (e *Engine) OnTransition(tr watchfs.Transition) {
	var err error
	if tr.Open {
		err = e.activity.RecordOpen(tr.Path, tr.User, tr.At)
	} else {
		err = e.activity.RecordClose(tr.Path, tr.User, tr.At, tr.Duration)
	}

	if err != nil {
		e.logger.Warn("activity log append failed",
			slog.String("path", tr.Path), slog.String("error", err.Error()))
	}

	if e.feed != nil {
		e.feed.Publish(tr)
	}
}

// ReportCounts logs the aggregate per-result counters.
func (e *Engine) ReportCounts() {
	e.logger.Info("comparison totals",
		slog.Int64("ok", e.okCount.Load()),
		slog.Int64("skip", e.skipCount.Load()),
		slog.Int64("read_error", e.readErrCount.Load()),
		slog.Int64("timeout", e.timeoutCount.Load()),
		slog.Int64("save_error", e.saveErrCount.Load()),
	)
}

// compare runs the full pipeline for one file. Returns true when
// meaningful changes were found. No error escapes past this boundary.
func (e *Engine) compare(ctx context.Context, path string, polling bool, eventNumber int64) bool {
	srcInfo, err := os.Stat(path)
	if err != nil {
		e.logResult(path, eventNumber, resultSkip, fmt.Errorf("source gone: %w", err))
		return false
	}

	key := baseline.KeyForPath(path)

	prior, err := e.baselines.Load(key)
	if err != nil {
		// A corrupt baseline is treated as absent so this comparison
		// rebuilds it; losing history beats wedging the file forever.
		e.logger.Error("baseline unreadable, rebuilding from scratch",
			slog.String("key", key), slog.String("error", err.Error()))

		prior = nil
	}

	if prior != nil && diffgrid.QuickSkip(polling, e.cfg.Compare.QuickSkipByStat,
		prior.SourceMtime, prior.SourceSize, srcInfo.ModTime(), srcInfo.Size(),
		e.cfg.Compare.MtimeTolerance()) {
		e.logResult(path, eventNumber, resultOK, nil)
		return false
	}

	readPath, err := e.stablePath(ctx, path)
	if err != nil {
		e.logResult(path, eventNumber, classifyResult(err), err)
		return false
	}

	result, err := e.parser.Parse(ctx, readPath, e.parserOptions())
	if err != nil {
		e.logResult(path, eventNumber, classifyResult(err), err)
		return false
	}

	// First sight of this file: capture the baseline, emit nothing.
	if prior == nil {
		if err := e.saveBaseline(key, result, srcInfo); err != nil {
			e.logResult(path, eventNumber, resultSaveError, err)
			return false
		}

		e.logger.Info("baseline created",
			slog.String("path", path), slog.String("key", key))
		e.logResult(path, eventNumber, resultOK, nil)

		return false
	}

	newHash, err := result.Grid.Hash()
	if err != nil {
		e.logResult(path, eventNumber, resultReadError, err)
		return false
	}

	if newHash == prior.ContentHash {
		e.logResult(path, eventNumber, resultOK, nil)
		return false
	}

	diffs, counters := diffgrid.Compare(prior.Cells, result.Grid, polling, e.policy)
	if len(diffs) == 0 {
		// Every delta was filtered by policy: suppressed changes leave
		// the baseline untouched.
		e.logResult(path, eventNumber, resultOK, nil)
		return false
	}

	if e.deduper.ShouldEmit(path, diffs) {
		e.emit(ctx, path, key, result, diffs, counters, eventNumber)
	}

	// Baseline replacement is the last side-effect, carrying the
	// post-change source metadata for the quick-skip fast path.
	if err := e.saveBaseline(key, result, srcInfo); err != nil {
		e.logResult(path, eventNumber, resultSaveError, err)
		return true
	}

	e.logResult(path, eventNumber, resultOK, nil)

	return true
}

// emit writes the snapshot, the index row, the CSV rows, and the feed
// message for one meaningful change. Index insert happens before the
// caller overwrites the baseline.
func (e *Engine) emit(ctx context.Context, path, key string, result *xlparse.Result,
	diffs []diffgrid.Diff, counters diffgrid.Counters, eventNumber int64,
) {
	now := e.nowFunc()

	ev := &history.ChangeEvent{
		EventNumber: eventNumber,
		BaseKey:     key,
		FilePath:    path,
		EventTime:   now,
		LastAuthor:  result.Meta.LastAuthor,
		Diffs:       diffs,
		Counters:    counters,
	}

	snapPath, err := e.snapshots.Write(key, &history.SnapshotPayload{
		Timestamp:   now,
		File:        path,
		LastAuthor:  result.Meta.LastAuthor,
		EventNumber: eventNumber,
		Cells:       result.Grid,
	})
	if err != nil {
		e.logger.Warn("snapshot write failed",
			slog.String("key", key), slog.String("error", err.Error()))
	} else {
		ev.SnapshotPath = snapPath
	}

	if _, err := e.index.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("event index append failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}

	if err := e.changeLog.Append(filepath.Base(path), ev.LastAuthor, now, diffs); err != nil {
		e.logger.Warn("change log append failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}

	if e.feed != nil {
		e.feed.Publish(ev)
	}

	e.logger.Info("change event emitted",
		slog.Int64("event", eventNumber),
		slog.String("path", path),
		slog.Int("diffs", len(diffs)),
		slog.String("author", ev.LastAuthor),
	)
}

// captureBaseline parses path and stores its baseline without comparing.
func (e *Engine) captureBaseline(ctx context.Context, path string) error {
	srcInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", stablecopy.ErrSourceGone, err)
	}

	readPath, err := e.stablePath(ctx, path)
	if err != nil {
		return err
	}

	result, err := e.parser.Parse(ctx, readPath, e.parserOptions())
	if err != nil {
		return err
	}

	key := baseline.KeyForPath(path)
	if err := e.saveBaseline(key, result, srcInfo); err != nil {
		return err
	}

	e.logger.Info("baseline created",
		slog.String("path", path), slog.String("key", key))

	return nil
}

// stablePath produces the readable copy, honoring strict-no-original mode.
func (e *Engine) stablePath(ctx context.Context, path string) (string, error) {
	cached, err := e.copier.StableCopy(ctx, path)
	if err == nil {
		return cached, nil
	}

	if !e.cfg.Storage.StrictNoOriginalRead {
		var ce *stablecopy.CopyError
		if errors.As(err, &ce) {
			e.logger.Warn("cache copy failed, falling back to direct read",
				slog.String("path", path), slog.String("error", err.Error()))

			return path, nil
		}
	}

	return "", err
}

func (e *Engine) parserOptions() xlparse.Options {
	return xlparse.Options{
		EnableFormulaValueCheck:         e.cfg.Parser.EnableFormulaValueCheck,
		MaxFormulaValueCells:            e.cfg.Parser.MaxFormulaValueCells,
		AlwaysFetchValueForExternalRefs: e.cfg.Parser.AlwaysFetchValueForExternalRefs,
		RowBatchSize:                    e.cfg.Parser.RowBatchSize,
	}
}

func (e *Engine) saveBaseline(key string, result *xlparse.Result, srcInfo os.FileInfo) error {
	b, err := baseline.New(result.Grid, srcInfo.ModTime(), srcInfo.Size(),
		result.Meta.LastAuthor, e.nowFunc())
	if err != nil {
		return err
	}

	return e.baselines.Save(key, b)
}

// classifyResult maps pipeline errors to the worker result taxonomy.
func classifyResult(err error) string {
	switch {
	case errors.Is(err, stablecopy.ErrLockPresent),
		errors.Is(err, stablecopy.ErrSourceUnstable),
		errors.Is(err, stablecopy.ErrSourceGone):
		return resultSkip
	case errors.Is(err, xlparse.ErrParserTimeout):
		return resultTimeout
	case errors.Is(err, xlparse.ErrNotAWorkbook),
		errors.Is(err, xlparse.ErrCorruptPackage),
		errors.Is(err, xlparse.ErrParserCrashed):
		return resultReadError
	default:
		return resultReadError
	}
}

// logResult emits the one-line-per-file worker result and bumps counters.
func (e *Engine) logResult(path string, eventNumber int64, tag string, cause error) {
	switch tag {
	case resultOK:
		e.okCount.Add(1)
	case resultSkip:
		e.skipCount.Add(1)
	case resultTimeout:
		e.timeoutCount.Add(1)
	case resultSaveError:
		e.saveErrCount.Add(1)
	default:
		e.readErrCount.Add(1)
	}

	attrs := []any{
		slog.String("result", tag),
		slog.Int64("event", eventNumber),
		slog.String("path", path),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}

	if tag == resultOK || tag == resultSkip {
		e.logger.Info("compare finished", attrs...)
	} else {
		e.logger.Warn("compare finished", attrs...)
	}
}
