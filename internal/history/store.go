package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// EventRow is one row of the event index as returned by queries.
type EventRow struct {
	ID              int64
	BaseKey         string
	FilePath        string
	EventNumber     int64
	EventTime       time.Time
	LastAuthor      string
	TotalChanges    int
	DirectChanges   int
	FormulaChanges  int
	ExternalChanges int
	IndirectChanges int
	SnapshotPath    string
}

// Filter selects event rows. Zero values mean "no constraint".
type Filter struct {
	BaseKey        string
	AuthorContains string
	From, To       time.Time
	MinTotal       int
	WithSnapshot   bool
	Descending     bool
	Limit          int
	Offset         int
}

// Store is the SQLite-backed event index. A single Store instance is the
// sole writer; inserts are serialized by an internal mutex while readers
// run concurrently under WAL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	writeMu     sync.Mutex
	dedupWindow time.Duration

	insertStmt *sql.Stmt
	recentStmt *sql.Stmt
}

// NewStore opens (creating if needed) the event index at dbPath, applies
// pragmas and migrations, and prepares the hot statements. Use ":memory:"
// for tests.
func NewStore(dbPath string, dedupWindow time.Duration, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger, dedupWindow: dedupWindow}

	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("event index ready", slog.String("path", dbPath))

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("history: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("history: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("history: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *Store) prepare(ctx context.Context) error {
	var err error

	s.insertStmt, err = s.db.PrepareContext(ctx, `INSERT INTO events
		(base_key, file_path, event_number, event_time, last_author,
		 total_changes, direct_changes, formula_changes, external_changes,
		 indirect_changes, snapshot_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history: prepare insert: %w", err)
	}

	s.recentStmt, err = s.db.PrepareContext(ctx, `SELECT COUNT(*) FROM events
		WHERE base_key = ? AND event_number = ? AND total_changes = ?
		  AND event_time >= ?`)
	if err != nil {
		return fmt.Errorf("history: prepare dedup probe: %w", err)
	}

	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}

	if s.recentStmt != nil {
		s.recentStmt.Close()
	}

	return s.db.Close()
}

// AppendEvent inserts one index row for the event. Re-submitting an
// identical event within the dedup window is a no-op; the bool reports
// whether a row was actually inserted.
func (s *Store) AppendEvent(ctx context.Context, ev *ChangeEvent) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.dedupWindow > 0 {
		since := formatTime(ev.EventTime.Add(-s.dedupWindow))

		var n int
		if err := s.recentStmt.QueryRowContext(ctx,
			ev.BaseKey, ev.EventNumber, ev.TotalChanges(), since).Scan(&n); err != nil {
			return false, fmt.Errorf("history: dedup probe: %w", err)
		}

		if n > 0 {
			s.logger.Debug("duplicate event suppressed",
				slog.String("base_key", ev.BaseKey),
				slog.Int64("event_number", ev.EventNumber),
			)

			return false, nil
		}
	}

	_, err := s.insertStmt.ExecContext(ctx,
		ev.BaseKey, ev.FilePath, ev.EventNumber, formatTime(ev.EventTime),
		ev.LastAuthor, ev.TotalChanges(), ev.directChanges(), ev.formulaChanges(),
		ev.externalChanges(), ev.indirectChanges(), ev.SnapshotPath,
		formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("history: inserting event: %w", err)
	}

	return true, nil
}

// QueryEvents returns index rows matching the filter, ordered by event
// time (then id) ascending unless Descending is set.
func (s *Store) QueryEvents(ctx context.Context, f Filter) ([]EventRow, error) {
	var (
		conds []string
		args  []any
	)

	if f.BaseKey != "" {
		conds = append(conds, "base_key = ?")
		args = append(args, f.BaseKey)
	}

	if f.AuthorContains != "" {
		conds = append(conds, "last_author LIKE ?")
		args = append(args, "%"+f.AuthorContains+"%")
	}

	if !f.From.IsZero() {
		conds = append(conds, "event_time >= ?")
		args = append(args, formatTime(f.From))
	}

	if !f.To.IsZero() {
		conds = append(conds, "event_time <= ?")
		args = append(args, formatTime(f.To))
	}

	if f.MinTotal > 0 {
		conds = append(conds, "total_changes >= ?")
		args = append(args, f.MinTotal)
	}

	if f.WithSnapshot {
		conds = append(conds, "snapshot_path != ''")
	}

	query := `SELECT id, base_key, file_path, event_number, event_time,
		last_author, total_changes, direct_changes, formula_changes,
		external_changes, indirect_changes, snapshot_path FROM events`

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	order := "ASC"
	if f.Descending {
		order = "DESC"
	}

	query += fmt.Sprintf(" ORDER BY event_time %s, id %s", order, order)

	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: querying events: %w", err)
	}
	defer rows.Close()

	var out []EventRow

	for rows.Next() {
		var (
			r  EventRow
			ts string
		)

		if err := rows.Scan(&r.ID, &r.BaseKey, &r.FilePath, &r.EventNumber, &ts,
			&r.LastAuthor, &r.TotalChanges, &r.DirectChanges, &r.FormulaChanges,
			&r.ExternalChanges, &r.IndirectChanges, &r.SnapshotPath); err != nil {
			return nil, fmt.Errorf("history: scanning event row: %w", err)
		}

		if t, perr := time.Parse(timeLayout, ts); perr == nil {
			r.EventTime = t
		}

		out = append(out, r)
	}

	return out, rows.Err()
}
