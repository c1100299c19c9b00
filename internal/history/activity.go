package history

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var activityHeader = []string{"timestamp", "file", "event", "user", "duration_seconds"}

// ActivityLog records workbook open/close transitions observed via lock
// sentinels. These rows never correspond to comparisons; they exist so the
// timeline can show who had a file open and for how long.
type ActivityLog struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewActivityLog creates an ActivityLog at dir/file_activity.csv.
func NewActivityLog(dir string, logger *slog.Logger) *ActivityLog {
	return &ActivityLog{path: filepath.Join(dir, "file_activity.csv"), logger: logger}
}

// RecordOpen appends an "open" row for file by user.
func (a *ActivityLog) RecordOpen(file, user string, at time.Time) error {
	return a.append(file, "open", user, at, -1)
}

// RecordClose appends a "close" row with the session duration.
func (a *ActivityLog) RecordClose(file, user string, at time.Time, duration time.Duration) error {
	return a.append(file, "close", user, at, duration)
}

func (a *ActivityLog) append(file, event, user string, at time.Time, duration time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("history: creating activity dir: %w", err)
	}

	_, statErr := os.Stat(a.path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("history: opening activity log: %w", err)
	}
	defer f.Close()

	durationField := ""
	if duration >= 0 {
		durationField = strconv.FormatFloat(duration.Seconds(), 'f', 1, 64)
	}

	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if fresh {
		if err := w.Write(activityHeader); err != nil {
			return fmt.Errorf("history: activity header: %w", err)
		}
	}

	if err := w.Write([]string{at.UTC().Format(timeLayout), file, event, user, durationField}); err != nil {
		return fmt.Errorf("history: activity row: %w", err)
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("history: activity flush: %w", err)
	}

	if fresh {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("history: activity BOM: %w", err)
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("history: appending activity log: %w", err)
	}

	return nil
}
