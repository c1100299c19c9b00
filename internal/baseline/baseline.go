// Package baseline persists the last-known cell state per logical file:
// content-hashed, compressed, atomically replaced records that every
// comparison reads as its stable prior snapshot.
package baseline

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ckcm0210/xlwatch/internal/cells"
)

// mtimeDisplayLayout renders source mtimes for humans in logs and reports.
const mtimeDisplayLayout = "2006-01-02 15:04:05"

// Baseline is the durable record for one logical file.
type Baseline struct {
	ContentHash     string     `json:"content_hash"`
	Cells           cells.Grid `json:"cells"`
	SourceMtime     int64      `json:"source_mtime"` // unix nanoseconds
	SourceSize      int64      `json:"source_size"`
	LastAuthor      string     `json:"last_author,omitempty"`
	BaselineTime    time.Time  `json:"baseline_time"`
	FileMtimeString string     `json:"file_mtime_string"`
}

// New builds a Baseline from a grid and the source file metadata captured
// at the same moment the grid was parsed, computing the content hash.
func New(grid cells.Grid, srcMtime time.Time, srcSize int64, author string, now time.Time) (*Baseline, error) {
	hash, err := grid.Hash()
	if err != nil {
		return nil, err
	}

	return &Baseline{
		ContentHash:     hash,
		Cells:           grid,
		SourceMtime:     srcMtime.UnixNano(),
		SourceSize:      srcSize,
		LastAuthor:      author,
		BaselineTime:    now.UTC(),
		FileMtimeString: srcMtime.Format(mtimeDisplayLayout),
	}, nil
}

// Verify recomputes the content hash and reports whether it matches the
// stored one (invariant B1).
func (b *Baseline) Verify() (bool, error) {
	hash, err := b.Cells.Hash()
	if err != nil {
		return false, err
	}

	return hash == b.ContentHash, nil
}

const keyHashLen = 8

// KeyForPath derives the baseline key for a logical file: the sanitized
// basename plus a short hash of the normalized absolute path, keeping keys
// human-readable while separating identical basenames in different
// directories.
func KeyForPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	normalized := norm.NFC.String(filepath.ToSlash(abs))
	sum := sha1.Sum([]byte(normalized))

	return sanitizeKeyComponent(filepath.Base(abs)) + "__" + hex.EncodeToString(sum[:])[:keyHashLen]
}

func sanitizeKeyComponent(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}

// String implements fmt.Stringer for log lines.
func (b *Baseline) String() string {
	return fmt.Sprintf("baseline{hash=%.12s cells=%d mtime=%s}", b.ContentHash, b.Cells.CellCount(), b.FileMtimeString)
}
