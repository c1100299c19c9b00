// Package history is the timeline sink: an ACID event index over SQLite,
// write-once compressed cell snapshots, and the append-only CSV change
// log. Multi-reader, single-writer; inserts are serialized in-process.
package history

import (
	"time"

	"github.com/ckcm0210/xlwatch/internal/diffgrid"
)

// ChangeEvent is one observed-and-classified change for one logical file.
type ChangeEvent struct {
	EventNumber  int64             `json:"event_number"`
	BaseKey      string            `json:"base_key"`
	FilePath     string            `json:"file_path"`
	EventTime    time.Time         `json:"event_time"`
	LastAuthor   string            `json:"last_author,omitempty"`
	Diffs        []diffgrid.Diff   `json:"diffs"`
	Counters     diffgrid.Counters `json:"counters"`
	SnapshotPath string            `json:"snapshot_path,omitempty"`
	Polling      bool              `json:"polling"`
}

// TotalChanges returns the number of diffs in the event.
func (e *ChangeEvent) TotalChanges() int { return len(e.Diffs) }

// counter helpers for the index columns.
func (e *ChangeEvent) directChanges() int { return e.Counters[diffgrid.ClassDirectValue] }

func (e *ChangeEvent) formulaChanges() int {
	return e.Counters[diffgrid.ClassFormulaInternal] + e.Counters[diffgrid.ClassExternalLink]
}

func (e *ChangeEvent) externalChanges() int {
	return e.Counters[diffgrid.ClassExternalLink] + e.Counters[diffgrid.ClassExternalRefresh]
}

func (e *ChangeEvent) indirectChanges() int { return e.Counters[diffgrid.ClassIndirect] }

// timeLayout is the fixed-width UTC rendering used in the index so that
// lexicographic string order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
