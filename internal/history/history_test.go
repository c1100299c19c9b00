package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckcm0210/xlwatch/internal/cells"
	"github.com/ckcm0210/xlwatch/internal/codec"
	"github.com/ckcm0210/xlwatch/internal/diffgrid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleEvent(n int64, at time.Time) *ChangeEvent {
	old := &cells.Cell{Value: cells.ScalarPtr(cells.Number(1))}
	cur := &cells.Cell{Value: cells.ScalarPtr(cells.Number(5))}

	return &ChangeEvent{
		EventNumber: n,
		BaseKey:     "Book1.xlsx__deadbeef",
		FilePath:    "/data/Book1.xlsx",
		EventTime:   at,
		LastAuthor:  "alice",
		Diffs: []diffgrid.Diff{{
			Sheet: "S1", Address: "B1", Old: old, New: cur,
			Classification: diffgrid.ClassDirectValue,
		}},
		Counters: diffgrid.Counters{diffgrid.ClassDirectValue: 1},
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", time.Minute, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := range 3 {
		ev := sampleEvent(int64(i+1), base.Add(time.Duration(i)*time.Minute))
		inserted, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	rows, err := s.QueryEvents(ctx, Filter{BaseKey: "Book1.xlsx__deadbeef"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Time-ordered ascending.
	assert.True(t, rows[0].EventTime.Before(rows[1].EventTime))
	assert.Equal(t, int64(1), rows[0].EventNumber)
	assert.Equal(t, 1, rows[0].DirectChanges)
}

func TestAppendEventDedupWindow(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", time.Minute, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ev := sampleEvent(7, time.Unix(1700000000, 0))

	inserted, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Identical replay inside the window: at most one index row.
	inserted, err = s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := s.QueryEvents(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", 0, testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	evA := sampleEvent(1, base)
	evB := sampleEvent(2, base.Add(time.Hour))
	evB.LastAuthor = "bob"
	evB.SnapshotPath = "/logs/history/x/20231114.cells.json.zst"

	for _, ev := range []*ChangeEvent{evA, evB} {
		_, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
	}

	rows, err := s.QueryEvents(ctx, Filter{AuthorContains: "bo"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0].LastAuthor)

	rows, err = s.QueryEvents(ctx, Filter{WithSnapshot: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].EventNumber)

	rows, err = s.QueryEvents(ctx, Filter{From: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = s.QueryEvents(ctx, Filter{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].EventNumber)
}

func TestSnapshotWriteOnce(t *testing.T) {
	t.Parallel()

	w := NewSnapshotWriter(t.TempDir(), codec.ProfileBalanced, testLogger())

	payload := &SnapshotPayload{
		Timestamp:   time.Date(2023, 11, 14, 22, 13, 20, 123456000, time.UTC),
		File:        "/data/Book1.xlsx",
		LastAuthor:  "alice",
		EventNumber: 1,
		Cells:       cells.Grid{"S1": {"A1": {Value: cells.ScalarPtr(cells.Number(1))}}},
	}

	p1, err := w.Write("Book1.xlsx__deadbeef", payload)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(p1), "20231114_221320_123456")

	info1, err := os.Stat(p1)
	require.NoError(t, err)

	// Replaying the identical event produces exactly one snapshot file.
	p2, err := w.Write("Book1.xlsx__deadbeef", payload)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	info2, err := os.Stat(p2)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "existing snapshot must not be rewritten")

	got, err := w.Read(p1)
	require.NoError(t, err)
	assert.True(t, got.Cells.Equal(payload.Cells))
	assert.Equal(t, "alice", got.LastAuthor)
}

func TestSnapshotNamesAreMonotonic(t *testing.T) {
	t.Parallel()

	w := NewSnapshotWriter(t.TempDir(), codec.ProfileFast, testLogger())

	base := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	var names []string

	for i := range 3 {
		p, err := w.Write("k", &SnapshotPayload{
			Timestamp: base.Add(time.Duration(i) * time.Microsecond),
			Cells:     cells.Grid{},
		})
		require.NoError(t, err)
		names = append(names, filepath.Base(p))
	}

	assert.True(t, names[0] < names[1] && names[1] < names[2],
		"snapshot filenames must sort in event order: %v", names)
}

func TestChangeLogStreams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewChangeLog(dir, testLogger())

	old := &cells.Cell{Value: cells.ScalarPtr(cells.Number(1))}
	cur := &cells.Cell{Formula: "=B1+1", CachedValue: cells.ScalarPtr(cells.Number(6))}
	diffs := []diffgrid.Diff{
		{Sheet: "S1", Address: "B1", Old: old, New: cur, Classification: diffgrid.ClassDirectValue},
	}

	at := time.Unix(1700000000, 0)
	require.NoError(t, l.Append("Book1.xlsx", "alice", at, diffs))
	require.NoError(t, l.Append("Book1.xlsx", "alice", at.Add(time.Minute), diffs))

	// Plain stream: BOM, header, two data rows.
	raw, err := os.ReadFile(filepath.Join(dir, "changes.csv"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))

	records, err := csv.NewReader(bytes.NewReader(raw[3:])).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, "DVC", records[1][4])
	assert.Equal(t, "=B1+1", records[1][8])

	// Compressed stream: multi-member gzip decodes to the same rows.
	gzRaw, err := os.Open(filepath.Join(dir, "changes.csv.gz"))
	require.NoError(t, err)
	defer gzRaw.Close()

	zr, err := gzip.NewReader(gzRaw)
	require.NoError(t, err)

	all, err := io.ReadAll(zr)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(all)), "\n")
	assert.Len(t, lines, 3, "header plus two rows in the compressed stream")
}

func TestActivityLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewActivityLog(dir, testLogger())

	at := time.Unix(1700000000, 0)
	require.NoError(t, a.RecordOpen("/data/Book1.xlsx", "alice", at))
	require.NoError(t, a.RecordClose("/data/Book1.xlsx", "alice", at.Add(90*time.Second), 90*time.Second))

	raw, err := os.ReadFile(filepath.Join(dir, "file_activity.csv"))
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF}))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "open", records[1][2])
	assert.Equal(t, "close", records[2][2])
	assert.Equal(t, "90.0", records[2][4])
}
