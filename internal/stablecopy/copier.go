// Package stablecopy produces a readable, consistent local copy of a
// workbook that may be open in an editor, mid-save, or on a slow network
// share. The pipeline is strictly ordered: identity check, lock-sentinel
// wait, mtime/size stability probe, chunked copy with retry, post-copy
// settle verification.
package stablecopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ckcm0210/xlwatch/internal/config"
)

// Sentinel errors of the copy pipeline. All are recoverable: the dispatcher
// defers or drops the comparison and the baseline is untouched.
var (
	ErrLockPresent    = errors.New("stablecopy: lock sentinel present")
	ErrSourceUnstable = errors.New("stablecopy: source not stable")
	ErrSourceGone     = errors.New("stablecopy: source gone")
)

// CopyError reports a copy that failed after all retry attempts.
type CopyError struct {
	Attempts int
	Last     error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("stablecopy: copy failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *CopyError) Unwrap() error { return e.Last }

// mtimeVerifyTolerance bounds the allowed drift between source and copy
// mtimes during post-copy verification (FAT and SMB round timestamps).
const mtimeVerifyTolerance = 3 * time.Second

// Pipeline produces stable cache copies. Safe for concurrent use: each
// source path maps to a unique hashed cache name, so concurrent writers
// never target the same destination.
type Pipeline struct {
	cacheRoot string
	cfg       config.CopyConfig
	engine    Engine
	logger    *slog.Logger

	// sleep is injectable for deterministic tests.
	sleep func(context.Context, time.Duration) error
}

// New creates a Pipeline writing into cacheRoot with the configured engine.
func New(cacheRoot string, cfg config.CopyConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cacheRoot: cacheRoot,
		cfg:       cfg,
		engine:    engineFor(cfg.Engine),
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// StableCopy runs the pipeline for src and returns the cache path of a
// copy byte-identical to the source at some (mtime, size) snapshot.
// Failure never falls back to the original: in strict-no-original mode the
// caller skips the operation entirely.
func (p *Pipeline) StableCopy(ctx context.Context, src string) (string, error) {
	// Identity: paths already inside the cache are returned verbatim.
	if p.insideCache(src) {
		return src, nil
	}

	// Lock sentinel: an Office writer owns the file right now. Defer.
	sentinel := filepath.Join(filepath.Dir(src), "~$"+filepath.Base(src))
	if _, err := os.Stat(sentinel); err == nil {
		p.logger.Debug("lock sentinel present, deferring copy",
			slog.String("src", src))

		return "", fmt.Errorf("%w: %s", ErrLockPresent, sentinel)
	}

	if err := p.waitStable(ctx, src); err != nil {
		return "", err
	}

	if err := os.MkdirAll(p.cacheRoot, 0o700); err != nil {
		return "", fmt.Errorf("stablecopy: creating cache root: %w", err)
	}

	dst := filepath.Join(p.cacheRoot, CacheName(src))

	if err := p.copyWithRetry(ctx, src, dst); err != nil {
		return "", err
	}

	return dst, nil
}

func (p *Pipeline) insideCache(path string) bool {
	rel, err := filepath.Rel(p.cacheRoot, path)
	if err != nil {
		return false
	}

	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// waitStable samples (mtime, size) until the configured number of
// consecutive identical samples is seen, bounded by the maximum wait.
func (p *Pipeline) waitStable(ctx context.Context, src string) error {
	deadline := time.Now().Add(p.cfg.StabilityMaxWait())

	var (
		lastMtime time.Time
		lastSize  int64 = -1
		stable    int
	)

	for {
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrSourceGone, src)
			}

			return fmt.Errorf("stablecopy: stat %s: %w", src, err)
		}

		if info.ModTime().Equal(lastMtime) && info.Size() == lastSize {
			stable++
		} else {
			stable = 1
			lastMtime = info.ModTime()
			lastSize = info.Size()
		}

		if stable >= p.cfg.StabilityChecks {
			return nil
		}

		if time.Now().After(deadline) {
			p.logger.Debug("source still changing, deferring",
				slog.String("src", src),
				slog.Int("stable_samples", stable),
			)

			return fmt.Errorf("%w: %s", ErrSourceUnstable, src)
		}

		if err := p.sleep(ctx, p.cfg.StabilityInterval()); err != nil {
			return err
		}
	}
}

// copyWithRetry copies src to a staging path, settles, verifies, and
// promotes with an atomic rename. Each failed round backs off
// exponentially up to the configured attempt count.
func (p *Pipeline) copyWithRetry(ctx context.Context, src, dst string) error {
	staging := dst + ".partial"
	attempts := 0

	backoff := retry.WithMaxRetries(uint64(p.cfg.RetryCount-1), retry.NewExponential(p.cfg.RetryBackoff()))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		if err := p.copyOnce(ctx, src, dst, staging); err != nil {
			p.logger.Debug("copy attempt failed",
				slog.String("src", src),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		os.Remove(staging)

		return &CopyError{Attempts: attempts, Last: err}
	}

	p.logger.Debug("stable copy produced",
		slog.String("src", src),
		slog.String("dst", dst),
		slog.Int("attempts", attempts),
		slog.String("engine", p.engine.Name()),
	)

	return nil
}

func (p *Pipeline) copyOnce(ctx context.Context, src, dst, staging string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}

	if err := p.engine.Copy(ctx, src, staging, p.cfg.ChunkSizeMB<<20); err != nil {
		return err
	}

	// Carry the source mtime so quick-skip and verification can compare.
	_ = os.Chtimes(staging, time.Now(), srcInfo.ModTime())

	// Post-copy settle, then verify the copy covers the source snapshot.
	if err := p.sleep(ctx, p.cfg.PostSleep()); err != nil {
		return err
	}

	dstInfo, err := os.Stat(staging)
	if err != nil {
		return err
	}

	if dstInfo.Size() < srcInfo.Size() {
		return fmt.Errorf("short copy: %d < %d bytes", dstInfo.Size(), srcInfo.Size())
	}

	drift := dstInfo.ModTime().Sub(srcInfo.ModTime())
	if drift < 0 {
		drift = -drift
	}

	if drift > mtimeVerifyTolerance {
		return fmt.Errorf("mtime drift %s exceeds tolerance", drift)
	}

	if err := os.Rename(staging, dst); err != nil {
		return fmt.Errorf("promoting staging copy: %w", err)
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
