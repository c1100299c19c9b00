package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ckcm0210/xlwatch/internal/cells"
	"github.com/ckcm0210/xlwatch/internal/codec"
)

// SnapshotPayload is the content of one historical cell snapshot.
type SnapshotPayload struct {
	Timestamp   time.Time  `json:"timestamp"`
	File        string     `json:"file"`
	LastAuthor  string     `json:"last_author,omitempty"`
	EventNumber int64      `json:"event_number"`
	Cells       cells.Grid `json:"cells"`
}

// snapshotStampLayout yields monotonic, sortable filenames with
// microsecond resolution.
const snapshotStampLayout = "20060102_150405.000000"

// SnapshotWriter persists write-once compressed cell snapshots under
// <root>/<base_key>/<stamp>.cells.json.<ext>. Filenames are monotonic; when a
// file with the same stamp already exists it is left as is and Write
// returns its path.
type SnapshotWriter struct {
	root    string
	profile codec.Profile
	logger  *slog.Logger
}

// NewSnapshotWriter creates a writer rooted at the history directory.
func NewSnapshotWriter(root string, profile codec.Profile, logger *slog.Logger) *SnapshotWriter {
	return &SnapshotWriter{root: root, profile: profile, logger: logger}
}

// Write persists one snapshot and returns its path. Re-submitting an event
// with the same (base key, timestamp) returns the existing file without
// rewriting it, keeping snapshots write-once and idempotent.
func (w *SnapshotWriter) Write(baseKey string, payload *SnapshotPayload) (string, error) {
	dir := filepath.Join(w.root, baseKey)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("history: creating snapshot dir: %w", err)
	}

	name := snapshotName(payload.Timestamp)
	path := filepath.Join(dir, name+".cells.json"+codec.Ext(w.profile))

	if _, err := os.Stat(path); err == nil {
		w.logger.Debug("snapshot already present, keeping write-once copy",
			slog.String("path", path))

		return path, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("history: encoding snapshot: %w", err)
	}

	blob, err := codec.Encode(data, w.profile)
	if err != nil {
		return "", fmt.Errorf("history: compressing snapshot: %w", err)
	}

	// O_EXCL keeps the write-once guarantee even under a concurrent racer
	// for a different event that landed on the same microsecond.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return path, nil
	}

	if err != nil {
		return "", fmt.Errorf("history: creating snapshot %s: %w", path, err)
	}

	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(path)

		return "", fmt.Errorf("history: writing snapshot %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("history: closing snapshot %s: %w", path, err)
	}

	w.logger.Debug("snapshot written",
		slog.String("path", path),
		slog.Int("cells", payload.Cells.CellCount()),
	)

	return path, nil
}

// Read loads and decodes a snapshot file written by any profile.
func (w *SnapshotWriter) Read(path string) (*SnapshotPayload, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("history: reading snapshot %s: %w", path, err)
	}

	data, err := codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("history: decoding snapshot %s: %w", path, err)
	}

	var payload SnapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("history: unmarshaling snapshot %s: %w", path, err)
	}

	return &payload, nil
}

// snapshotName renders the monotonic stamp: YYYYMMDD_HHMMSS_micros.
func snapshotName(t time.Time) string {
	s := t.UTC().Format(snapshotStampLayout)

	// Layout emits a dot before the fraction; the on-disk convention is an
	// underscore.
	return s[:15] + "_" + s[16:]
}
