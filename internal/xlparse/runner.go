package xlparse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ckcm0210/xlwatch/internal/cells"
)

// stderrTailBytes bounds how much worker stderr is attached to a crash error.
const stderrTailBytes = 2048

// Runner executes parse requests in isolated worker processes: the running
// binary re-invoked with the hidden parse-worker subcommand, request and
// response as JSON over stdin/stdout. A crash, stack overflow, or runtime
// abort inside a worker terminates only that parse attempt; the long-running
// watcher is never brought down by a workbook. Every request is bounded by
// the configured timeout, and concurrency is capped by a weighted semaphore.
type Runner struct {
	// WorkerCommand is the argv used to spawn a worker. Defaults to the
	// current executable plus "parse-worker"; tests substitute a stub.
	WorkerCommand []string

	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewRunner creates a Runner with the given per-parse timeout and worker cap.
func NewRunner(timeout time.Duration, maxWorkers int, logger *slog.Logger) (*Runner, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("xlparse: locating own executable: %w", err)
	}

	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &Runner{
		WorkerCommand: []string{bin, "parse-worker"},
		timeout:       timeout,
		sem:           semaphore.NewWeighted(int64(maxWorkers)),
		logger:        logger,
	}, nil
}

// Parse extracts the full cell grid of the workbook at path.
func (r *Runner) Parse(ctx context.Context, path string, opts Options) (*Result, error) {
	resp, err := r.run(ctx, &Request{Op: opParse, Path: path, Options: opts})
	if err != nil {
		return nil, err
	}

	if resp.Result == nil {
		return nil, fmt.Errorf("%w: worker returned no grid", ErrParserCrashed)
	}

	return resp.Result, nil
}

// Values runs the targeted backfill pass for exactly the given coordinates.
func (r *Runner) Values(ctx context.Context, path string, coords map[string][]string) (map[string]map[string]cells.Scalar, error) {
	resp, err := r.run(ctx, &Request{Op: opValues, Path: path, Coords: coords})
	if err != nil {
		return nil, err
	}

	return resp.Values, nil
}

// Metadata reads workbook metadata (author, sheet order, external-ref
// table) through the isolation boundary.
func (r *Runner) Metadata(ctx context.Context, path string) (Metadata, error) {
	resp, err := r.run(ctx, &Request{Op: opMetadata, Path: path})
	if err != nil {
		return Metadata{}, err
	}

	if resp.Meta == nil {
		return Metadata{}, fmt.Errorf("%w: worker returned no metadata", ErrParserCrashed)
	}

	return *resp.Meta, nil
}

func (r *Runner) run(ctx context.Context, req *Request) (*Response, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("xlparse: acquiring worker slot: %w", err)
	}
	defer r.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("xlparse: encoding worker request: %w", err)
	}

	started := time.Now()

	cmd := exec.CommandContext(cctx, r.WorkerCommand[0], r.WorkerCommand[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if cctx.Err() != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("parse worker timed out",
			slog.String("path", req.Path),
			slog.String("op", req.Op),
			slog.Duration("timeout", r.timeout),
		)

		return nil, fmt.Errorf("%w: %s after %s", ErrParserTimeout, req.Path, r.timeout)
	}

	if runErr != nil {
		r.logger.Warn("parse worker died",
			slog.String("path", req.Path),
			slog.String("op", req.Op),
			slog.String("error", runErr.Error()),
			slog.String("stderr", tail(stderr.Bytes())),
		)

		return nil, fmt.Errorf("%w: %s: %v", ErrParserCrashed, req.Path, runErr)
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: unparseable worker output: %v", ErrParserCrashed, req.Path, err)
	}

	if !resp.OK {
		return nil, errorForKind(resp.ErrorKind, resp.ErrorMsg)
	}

	r.logger.Debug("parse worker finished",
		slog.String("path", req.Path),
		slog.String("op", req.Op),
		slog.Duration("elapsed", time.Since(started)),
	)

	return &resp, nil
}

func tail(b []byte) string {
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}

	return string(b)
}
