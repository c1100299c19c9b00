package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckcm0210/xlwatch/internal/baseline"
	"github.com/ckcm0210/xlwatch/internal/history"
)

func newEventsCmd() *cobra.Command {
	var (
		flagFile         string
		flagAuthor       string
		flagSince        string
		flagUntil        string
		flagMinChanges   int
		flagWithSnapshot bool
		flagLimit        int
		flagJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the change-event timeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			store, err := history.NewStore(
				filepath.Join(cc.Cfg.Storage.LogRoot, "events.db"),
				cc.Cfg.Compare.DedupWindow(), cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			f := history.Filter{
				AuthorContains: flagAuthor,
				MinTotal:       flagMinChanges,
				WithSnapshot:   flagWithSnapshot,
				Limit:          flagLimit,
				Descending:     true,
			}

			if flagFile != "" {
				f.BaseKey = baseline.KeyForPath(flagFile)
			}

			if flagSince != "" {
				t, perr := parseTimeFlag(flagSince)
				if perr != nil {
					return perr
				}

				f.From = t
			}

			if flagUntil != "" {
				t, perr := parseTimeFlag(flagUntil)
				if perr != nil {
					return perr
				}

				f.To = t
			}

			rows, err := store.QueryEvents(cmd.Context(), f)
			if err != nil {
				return err
			}

			if flagJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tFILE\tAUTHOR\tCHANGES\tSNAPSHOT")

			for _, r := range rows {
				snap := ""
				if r.SnapshotPath != "" {
					snap = filepath.Base(r.SnapshotPath)
				}

				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
					r.EventTime.Local().Format("2006-01-02 15:04:05"),
					r.EventNumber, filepath.Base(r.FilePath), r.LastAuthor,
					r.TotalChanges, snap)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&flagFile, "file", "", "filter by workbook path")
	cmd.Flags().StringVar(&flagAuthor, "author", "", "filter by author substring")
	cmd.Flags().StringVar(&flagSince, "since", "", "events at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&flagUntil, "until", "", "events at or before this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&flagMinChanges, "min-changes", 0, "minimum total changes per event")
	cmd.Flags().BoolVar(&flagWithSnapshot, "with-snapshot", false, "only events with a persisted snapshot")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum rows (0 = unlimited)")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "JSON output")

	return cmd
}

func parseTimeFlag(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC3339 or YYYY-MM-DD)", s)
}
