// Package sqlite implements the embedded single-file backend. It is the
// development and test store: one writer, a process-wide mutex around every
// operation, autoincrement integer keys for moves and rethink attempts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arenalab/chess-telemetry/internal/db"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// Store is the SQLite-backed ports.Backend.
type Store struct {
	mu   sync.Mutex
	path string
	conn *sql.DB
}

// New creates a Store for the database file at path. The file is created on
// Connect if it does not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Connect opens the database file and configures the single-writer
// connection. SQLite is single-writer, so the pool is pinned to one
// connection and kept open for the process lifetime.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite open %q: %w", s.path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("sqlite ping: %w", err)
	}
	s.conn = conn
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Connected reports whether Connect has succeeded.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// InitSchema applies pending migrations. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	return db.MigrateUp(ctx, conn, "sqlite3", "migrations/sqlite")
}

// db returns the connection or ErrNotConnected.
func (s *Store) db() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ports.ErrNotConnected
	}
	return s.conn, nil
}

// DeleteGamesBefore removes games whose start time is older than cutoff.
// Moves and rethink attempts cascade; player_stats are untouched.
func (s *Store) DeleteGamesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := s.db()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := conn.ExecContext(ctx, `DELETE FROM games WHERE start_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old games: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns an operational snapshot of the store.
func (s *Store) Stats(ctx context.Context) (ports.BackendStats, error) {
	conn, err := s.db()
	if err != nil {
		return ports.BackendStats{BackendType: "embedded"}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ports.BackendStats{
		BackendType: "embedded",
		Connected:   true,
		PoolMax:     1,
		PoolInUse:   conn.Stats().InUse,
	}
	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM games`, &out.Games},
		{`SELECT COUNT(*) FROM moves`, &out.Moves},
		{`SELECT COUNT(*) FROM rethink_attempts`, &out.RethinkAttempts},
		{`SELECT COUNT(*) FROM player_stats`, &out.Players},
		{`SELECT COUNT(*) FROM moves m LEFT JOIN games g ON g.id = m.game_id WHERE g.id IS NULL`, &out.OrphanedMoves},
	}
	for _, c := range counts {
		if err := conn.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return out, fmt.Errorf("stats count: %w", err)
		}
	}
	if fi, err := os.Stat(s.path); err == nil {
		out.SizeBytes = fi.Size()
	}
	return out, nil
}

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// marshalJSON stores maps/slices as JSON text; nil becomes the given zero
// literal so columns stay NOT NULL.
func marshalJSON(v any, zero string) (string, error) {
	if v == nil {
		return zero, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return m, nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}
