package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckcm0210/xlwatch/internal/config"
)

// baselineDrainDeadline bounds how long the one-shot command waits for
// queued baseline captures.
const baselineDrainDeadline = 10 * time.Minute

func newBaselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baseline [path...]",
		Short: "Capture or rebuild baselines for workbooks without emitting events",
		Long: `Parses each given workbook (or every supported workbook under a given
directory; defaults to the configured watch roots) and writes a fresh
baseline. No ChangeEvents are emitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			targets, err := collectTargets(cc.Cfg, args)
			if err != nil {
				return err
			}

			if len(targets) == 0 {
				return fmt.Errorf("no workbooks found to baseline")
			}

			s, err := buildStack(cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer s.cleanup()

			s.queue.Start(cmd.Context())

			for i, path := range targets {
				s.engine.BaselineOnly(path, int64(i+1))
			}

			// Stop discards pending work, so wait for the queue to execute
			// every capture first.
			deadline := time.Now().Add(baselineDrainDeadline)
			for s.queue.ExecutedCount() < int64(len(targets)) &&
				time.Now().Before(deadline) && cmd.Context().Err() == nil {
				time.Sleep(50 * time.Millisecond)
			}

			s.engine.Close()
			s.queue.Stop(baselineDrainDeadline)
			s.engine.ReportCounts()

			fmt.Fprintf(cmd.OutOrStdout(), "baselined %d workbook(s)\n", len(targets))

			return nil
		},
	}
}

// collectTargets expands the argument list (or the configured roots) into
// the set of supported workbook paths.
func collectTargets(cfg *config.Config, args []string) ([]string, error) {
	roots := args
	if len(roots) == 0 {
		roots = append(append([]string{}, cfg.Watch.WatchRoots...), cfg.Watch.MonitorOnlyRoots...)
	}

	var targets []string

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil //nolint:nilerr // unreadable entries are skipped
			}

			if d.IsDir() {
				return nil
			}

			name := d.Name()
			if strings.HasPrefix(name, "~$") || !cfg.Watch.ExtensionSupported(name) {
				return nil
			}

			targets = append(targets, path)

			return nil
		})
		if err != nil {
			// Root may be a single file rather than a directory.
			if cfg.Watch.ExtensionSupported(abs) {
				targets = append(targets, abs)
				continue
			}

			return nil, fmt.Errorf("walking %s: %w", abs, err)
		}
	}

	return targets, nil
}
