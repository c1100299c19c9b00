package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ckcm0210/xlwatch/internal/codec"
)

// ErrCorruptBaseline marks an on-disk baseline whose payload fails to
// decode. Callers treat the baseline as absent (the next comparison
// rebuilds it) and log loudly.
var ErrCorruptBaseline = errors.New("baseline: corrupt baseline")

// baselineSuffix sits between the key and the codec extension.
const baselineSuffix = ".baseline.json"

// Store reads and writes per-key baseline files under one directory.
// At most one save per key runs at a time (the compare queue's per-key
// dedup serializes writers); readers may run concurrently with writers
// because promotion is an atomic rename.
type Store struct {
	root    string
	profile codec.Profile
	logger  *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewStore creates a Store writing under root with the given default
// profile for new payloads. Existing files in any supported profile
// remain readable.
func NewStore(root string, profile codec.Profile, logger *slog.Logger) *Store {
	return &Store{
		root:    root,
		profile: profile,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Path returns the on-disk filename a save would produce for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, key+baselineSuffix+codec.Ext(s.profile))
}

// Load resolves the baseline file for key regardless of which profile
// wrote it, decodes it, and returns the record. Returns (nil, nil) when no
// baseline exists and ErrCorruptBaseline when the payload is undecodable.
func (s *Store) Load(key string) (*Baseline, error) {
	path, ok := s.resolve(key)
	if !ok {
		return nil, nil
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("baseline: reading %s: %w", path, err)
	}

	payload, err := codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptBaseline, path, err)
	}

	var b Baseline
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptBaseline, path, err)
	}

	return &b, nil
}

// Save encodes the baseline under the current default profile, writes it to
// a temporary file in the same directory, fsyncs, and atomically renames it
// over the final name. Older-profile siblings for the same key are removed
// after a successful rename so migrations converge.
func (s *Store) Save(key string, b *Baseline) error {
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("baseline: creating root: %w", err)
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("baseline: encoding %s: %w", key, err)
	}

	blob, err := codec.Encode(payload, s.profile)
	if err != nil {
		return fmt.Errorf("baseline: compressing %s: %w", key, err)
	}

	final := s.Path(key)

	tmp, err := os.CreateTemp(s.root, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("baseline: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("baseline: writing %s: %w", tmpName, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("baseline: syncing %s: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("baseline: closing %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("baseline: promoting %s: %w", final, err)
	}

	s.removeSiblings(key, final)

	s.logger.Debug("baseline saved",
		slog.String("key", key),
		slog.String("path", final),
		slog.Int("cells", b.Cells.CellCount()),
	)

	return nil
}

// resolve finds the on-disk file for key, preferring the current profile's
// extension, then any other supported one.
func (s *Store) resolve(key string) (string, bool) {
	current := s.Path(key)
	if _, err := os.Stat(current); err == nil {
		return current, true
	}

	for _, ext := range codec.Extensions() {
		p := filepath.Join(s.root, key+baselineSuffix+ext)
		if p == current {
			continue
		}

		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}

	return "", false
}

func (s *Store) removeSiblings(key, keep string) {
	for _, ext := range codec.Extensions() {
		p := filepath.Join(s.root, key+baselineSuffix+ext)
		if p == keep {
			continue
		}

		if err := os.Remove(p); err == nil {
			s.logger.Debug("removed older-profile baseline",
				slog.String("key", key),
				slog.String("path", p),
			)
		}
	}
}
