// Package postgres implements the pooled production backend on pgx. Writes
// that span multiple statements run inside transactions acquired from the
// pool; JSON attributes use native JSONB columns with a GIN index.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"

	"github.com/arenalab/chess-telemetry/internal/db"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// Config parameterizes the pool.
type Config struct {
	ConnString     string
	PoolSize       int
	ConnectTimeout time.Duration
}

// Store is the PostgreSQL-backed ports.Backend.
type Store struct {
	cfg Config

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// New creates a Store; no connection is made until Connect.
func New(cfg Config) *Store {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Store{cfg: cfg}
}

// Connect establishes the pool and pings it, retrying transient failures
// with fibonacci backoff inside the connect timeout.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}

	pcfg, err := pgxpool.ParseConfig(s.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("parse conn string: %w", err)
	}
	pcfg.MaxConns = int32(s.cfg.PoolSize)
	pcfg.MinConns = 1

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("pgxpool new: %w", err)
	}

	backoff := retry.NewFibonacci(250 * time.Millisecond)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, backoff), func(ctx context.Context) error {
		return retry.RetryableError(pool.Ping(ctx))
	}); err != nil {
		pool.Close()
		return fmt.Errorf("db ping: %w", err)
	}

	s.pool = pool
	return nil
}

// Close drains and closes the pool.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Connected reports whether Connect has succeeded.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool != nil
}

// InitSchema applies pending migrations through a short-lived stdlib
// connection, since goose drives database/sql.
func (s *Store) InitSchema(ctx context.Context) error {
	if !s.Connected() {
		return ports.ErrNotConnected
	}
	conn, err := sql.Open("pgx", s.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("open migration conn: %w", err)
	}
	defer conn.Close()
	return db.MigrateUp(ctx, conn, "postgres", "migrations/postgres")
}

// db returns the pool or ErrNotConnected.
func (s *Store) db() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ports.ErrNotConnected
	}
	return s.pool, nil
}

// DeleteGamesBefore removes games started before cutoff; children cascade.
func (s *Store) DeleteGamesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.db()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM games WHERE start_time < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old games: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns an operational snapshot including pool occupancy.
func (s *Store) Stats(ctx context.Context) (ports.BackendStats, error) {
	pool, err := s.db()
	if err != nil {
		return ports.BackendStats{BackendType: "pooled"}, err
	}

	st := pool.Stat()
	out := ports.BackendStats{
		BackendType: "pooled",
		Connected:   true,
		PoolMax:     int(st.MaxConns()),
		PoolInUse:   int(st.AcquiredConns()),
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
		{`SELECT pg_database_size(current_database())`, &out.SizeBytes},
	}
	for _, c := range counts {
		if err := pool.QueryRow(ctx, c.query).Scan(c.dst); err != nil {
			return out, fmt.Errorf("stats count: %w", err)
		}
	}
	return out, nil
}

// isDuplicate reports whether err is a postgres unique violation (23505).
func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
