package history

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ckcm0210/xlwatch/internal/cells"
	"github.com/ckcm0210/xlwatch/internal/diffgrid"
)

// utf8BOM lets downstream spreadsheet tools open the plain stream with
// correct encoding detection.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var csvHeader = []string{
	"timestamp", "filename", "sheet", "address", "classification",
	"old_value", "new_value", "old_formula", "new_formula", "last_author",
}

// ChangeLog appends classified diffs as CSV rows into two parallel
// streams: a compressed one (one gzip member per batch, so the file stays
// a valid multi-member stream) and an uncompressed UTF-8-with-BOM one.
type ChangeLog struct {
	plainPath string
	gzPath    string
	logger    *slog.Logger

	mu sync.Mutex
}

// NewChangeLog creates a ChangeLog writing changes.csv and changes.csv.gz
// under dir.
func NewChangeLog(dir string, logger *slog.Logger) *ChangeLog {
	return &ChangeLog{
		plainPath: filepath.Join(dir, "changes.csv"),
		gzPath:    filepath.Join(dir, "changes.csv.gz"),
		logger:    logger,
	}
}

// Append writes one batch of rows for an event to both streams.
func (l *ChangeLog) Append(filename, author string, eventTime time.Time, diffs []diffgrid.Diff) error {
	if len(diffs) == 0 {
		return nil
	}

	records := make([][]string, 0, len(diffs))
	ts := eventTime.UTC().Format(timeLayout)

	for _, d := range diffs {
		oldValue, oldFormula := renderSide(d.Old)
		newValue, newFormula := renderSide(d.New)

		records = append(records, []string{
			ts, filename, d.Sheet, d.Address, string(d.Classification),
			oldValue, newValue, oldFormula, newFormula, author,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendPlain(records); err != nil {
		return err
	}

	return l.appendCompressed(records)
}

func renderSide(c *cells.Cell) (string, string) {
	if c == nil {
		return "", ""
	}

	return c.Display().Render(), c.Formula
}

func (l *ChangeLog) appendPlain(records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(l.plainPath), 0o700); err != nil {
		return fmt.Errorf("history: creating log dir: %w", err)
	}

	_, statErr := os.Stat(l.plainPath)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(l.plainPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("history: opening %s: %w", l.plainPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("history: csv header: %w", err)
		}
	}

	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("history: csv rows: %w", err)
	}

	if fresh {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("history: writing BOM: %w", err)
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("history: appending %s: %w", l.plainPath, err)
	}

	return nil
}

// appendCompressed writes the batch as one complete gzip member appended
// to the stream; concatenated members decompress as a single document.
func (l *ChangeLog) appendCompressed(records [][]string) error {
	_, statErr := os.Stat(l.gzPath)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(l.gzPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("history: opening %s: %w", l.gzPath, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	w := csv.NewWriter(gz)

	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("history: gz csv header: %w", err)
		}
	}

	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("history: gz csv rows: %w", err)
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("history: closing gzip member: %w", err)
	}

	return nil
}
