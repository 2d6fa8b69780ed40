// Package history records executed inputs and answers history requests.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one executed input.
type Entry struct {
	Session int
	Line    int
	Input   string
	Output  string
}

// Tuple renders e the way history replies carry it:
// [session, line, input] or [session, line, [input, output]].
func (e Entry) Tuple(withOutput bool) []any {
	if !withOutput {
		return []any{e.Session, e.Line, e.Input}
	}
	var output any
	if e.Output != "" {
		output = e.Output
	}
	return []any{e.Session, e.Line, []any{e.Input, output}}
}

// Store is a SQLite-backed history database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens the database at dbPath, creating it if needed. An empty path
// opens a private in-memory database.
func Open(dbPath string) (*Store, error) {
	dsn := ":memory:"
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		dsn = dbPath + "?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if dbPath == "" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

// Path returns the database file, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session INTEGER NOT NULL,
		line INTEGER NOT NULL,
		source TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		UNIQUE (session, line),
		FOREIGN KEY (session) REFERENCES sessions(session)
	);

	CREATE INDEX IF NOT EXISTS idx_history_source ON history(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewSession allocates the next session number. Each kernel process
// records under its own session.
func (s *Store) NewSession(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO sessions DEFAULT VALUES")
	if err != nil {
		return 0, fmt.Errorf("failed to start history session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// Record stores e, replacing any entry with the same session and line.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (session, line, source, output) VALUES (?, ?, ?, ?)
		ON CONFLICT(session, line) DO UPDATE SET source = excluded.source, output = excluded.output`,
		e.Session, e.Line, e.Input, e.Output)
	if err != nil {
		return fmt.Errorf("failed to record history line %d: %w", e.Line, err)
	}
	return nil
}

// Tail returns the last n entries across all sessions, oldest first. With
// unique only the latest occurrence of each input is kept.
func (s *Store) Tail(ctx context.Context, n int, unique bool) ([]Entry, error) {
	query := `SELECT session, line, source, output FROM history`
	if unique {
		query += ` WHERE id IN (SELECT MAX(id) FROM history GROUP BY source)`
	}
	query += ` ORDER BY session DESC, line DESC LIMIT ?`
	return s.newestFirst(ctx, query, limit(n))
}

// Range returns lines [start, stop) of session; stop <= 0 means to the end.
func (s *Store) Range(ctx context.Context, session, start, stop int) ([]Entry, error) {
	query := `SELECT session, line, source, output FROM history WHERE session = ? AND line >= ?`
	args := []any{session, start}
	if stop > 0 {
		query += ` AND line < ?`
		args = append(args, stop)
	}
	query += ` ORDER BY line`
	return s.query(ctx, query, args...)
}

// Search returns up to n inputs matching the glob pattern, oldest first.
// n <= 0 returns every match.
func (s *Store) Search(ctx context.Context, pattern string, n int, unique bool) ([]Entry, error) {
	if pattern == "" {
		pattern = "*"
	}
	query := `SELECT session, line, source, output FROM history WHERE source GLOB ?`
	if unique {
		query += ` AND id IN (SELECT MAX(id) FROM history GROUP BY source)`
	}
	query += ` ORDER BY session DESC, line DESC LIMIT ?`
	return s.newestFirst(ctx, query, pattern, limit(n))
}

// Resolve maps a requested session number to an absolute one: zero is the
// current session and negative values count back from it.
func Resolve(current, requested int) int {
	if requested <= 0 {
		return current + requested
	}
	return requested
}

func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func (s *Store) newestFirst(ctx context.Context, query string, args ...any) ([]Entry, error) {
	entries, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Session, &e.Line, &e.Input, &e.Output); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
