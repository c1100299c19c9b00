package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ckcm0210/xlwatch/internal/baseline"
	"github.com/ckcm0210/xlwatch/internal/codec"
	"github.com/ckcm0210/xlwatch/internal/config"
	"github.com/ckcm0210/xlwatch/internal/engine"
	"github.com/ckcm0210/xlwatch/internal/feed"
	"github.com/ckcm0210/xlwatch/internal/history"
	"github.com/ckcm0210/xlwatch/internal/queue"
	"github.com/ckcm0210/xlwatch/internal/stablecopy"
	"github.com/ckcm0210/xlwatch/internal/supervisor"
	"github.com/ckcm0210/xlwatch/internal/watchfs"
	"github.com/ckcm0210/xlwatch/internal/xlparse"
)

// drainDeadline bounds how long shutdown waits for in-flight compares.
const drainDeadline = 30 * time.Second

// countReportInterval paces the periodic aggregate result report.
const countReportInterval = 10 * time.Minute

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the watcher daemon over the configured roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			return runWatch(cmd.Context(), cc.Cfg, cc.Logger)
		},
	}
}

// buildStack wires every component of the daemon and returns the pieces
// the run loop needs to drive and tear down.
type stack struct {
	engine  *engine.Engine
	queue   *queue.Queue
	intake  *watchfs.Intake
	poller  *watchfs.PollingManager
	sup     *supervisor.Supervisor
	feed    *feed.Broadcaster
	index   *history.Store
	cleanup func()
}

func buildStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	for _, dir := range []string{cfg.Storage.LogRoot, cfg.Storage.CacheRoot} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	profile, err := codec.ParseProfile(cfg.Storage.BaselinesCodec)
	if err != nil {
		return nil, err
	}

	runner, err := xlparse.NewRunner(cfg.Parser.Timeout(), cfg.Parser.MaxWorkers, logger)
	if err != nil {
		return nil, err
	}

	index, err := history.NewStore(filepath.Join(cfg.Storage.LogRoot, "events.db"),
		cfg.Compare.DedupWindow(), logger)
	if err != nil {
		return nil, err
	}

	q := queue.New(cfg.Queue.MaxConcurrentCompares, cfg.Queue.DedupPendingEvents, logger)

	var broadcaster *feed.Broadcaster
	if cfg.Feed.LiveFeedListen != "" {
		broadcaster = feed.NewBroadcaster(logger)
	}

	eng := engine.New(engine.Deps{
		Config:    cfg,
		Copier:    stablecopy.New(cfg.Storage.CacheRoot, cfg.Copy, logger),
		Parser:    runner,
		Baselines: baseline.NewStore(cfg.Storage.LogRoot, profile, logger),
		Index:     index,
		Snapshots: history.NewSnapshotWriter(filepath.Join(cfg.Storage.LogRoot, "history"), profile, logger),
		ChangeLog: history.NewChangeLog(cfg.Storage.LogRoot, logger),
		Activity:  history.NewActivityLog(cfg.Storage.LogRoot, logger),
		Queue:     q,
		Feed:      broadcaster,
		Logger:    logger,
	})

	tracker := watchfs.NewOpenTracker(eng.Author, eng.OnTransition, logger)
	poller := watchfs.NewPollingManager(cfg.Watch, eng.ComparePolling, logger)

	intake := watchfs.NewIntake(cfg, watchfs.Handlers{
		Compare:   eng.EnqueueCompare,
		FirstSeen: eng.BaselineOnly,
	}, tracker, poller, logger)

	return &stack{
		engine:  eng,
		queue:   q,
		intake:  intake,
		poller:  poller,
		sup:     supervisor.New(cfg.Supervisor, intake, logger),
		feed:    broadcaster,
		index:   index,
		cleanup: func() { index.Close() },
	}, nil
}

func runWatch(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Single instance per log root: baselines have one writer.
	unlock, err := writePIDFile(filepath.Join(cfg.Storage.LogRoot, "xlwatch.pid"))
	if err != nil {
		return err
	}
	defer unlock()

	s, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.cleanup()

	ctx := shutdownContext(parent, logger)

	logger.Info("xlwatch starting",
		slog.String("version", version),
		slog.Any("watch_roots", cfg.Watch.WatchRoots),
		slog.Any("monitor_only_roots", cfg.Watch.MonitorOnlyRoots),
		slog.String("log_root", cfg.Storage.LogRoot),
	)

	s.queue.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.intake.Run(gctx) })
	g.Go(func() error { return s.sup.Run(gctx) })

	if s.feed != nil {
		g.Go(func() error { return s.feed.Run(gctx, cfg.Feed.LiveFeedListen) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(countReportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				s.engine.ReportCounts()
			}
		}
	})

	err = g.Wait()

	// Orderly teardown: polling loops first (they block on compares),
	// then the engine's waiters, then drain the queue.
	s.poller.StopAll()
	s.engine.Close()
	s.queue.Stop(drainDeadline)
	s.engine.ReportCounts()

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("watcher failed: %w", err)
	}

	logger.Info("xlwatch stopped")

	return nil
}
