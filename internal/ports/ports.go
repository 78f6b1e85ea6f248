// Package ports defines the capability contract the storage manager requires
// from a backend, plus the sentinel errors shared by every implementation.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
)

// Sentinel backend errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate key")
	ErrNotConnected = errors.New("backend not connected")
)

// GameFilters is the closed filter vocabulary for QueryGames/CountGames.
// Nil fields are ignored; set fields compose with AND.
type GameFilters struct {
	TournamentID *string
	StartAfter   *time.Time
	StartBefore  *time.Time
	Result       *game.Result
	// PlayerID matches games containing the player, via a join to the
	// players table.
	PlayerID *string
	// Players matches games containing every listed player id.
	Players []string
}

// BackendStats is the operational snapshot returned by Stats.
type BackendStats struct {
	BackendType     string `json:"backend_type"`
	Connected       bool   `json:"connected"`
	Games           int64  `json:"games"`
	Moves           int64  `json:"moves"`
	RethinkAttempts int64  `json:"rethink_attempts"`
	Players         int64  `json:"players"`
	SizeBytes       int64  `json:"size_bytes"`
	PoolMax         int    `json:"pool_max"`
	PoolInUse       int    `json:"pool_in_use"`
	// OrphanedMoves counts move rows whose game row is gone. Cascades keep
	// this at zero in healthy databases.
	OrphanedMoves int64 `json:"orphaned_moves"`
}

// Backend is the persistence interface implemented by the embedded (SQLite)
// and pooled (PostgreSQL) stores. Every operation except Connect fails with
// ErrNotConnected before Connect succeeds.
type Backend interface {
	// Lifecycle.
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool
	// InitSchema applies pending versioned migrations in order. Idempotent.
	InitSchema(ctx context.Context) error

	// Game operations.
	CreateGame(ctx context.Context, g *game.Game) error
	GetGame(ctx context.Context, id string) (*game.Game, error)
	// UpdateGame patches the named columns. Allowed keys: end_time,
	// final_fen, outcome_result, outcome_winner, outcome_termination,
	// total_moves, duration_seconds, tournament_id, metadata.
	UpdateGame(ctx context.Context, id string, fields map[string]any) error
	DeleteGame(ctx context.Context, id string) error

	// Move operations.
	InsertMove(ctx context.Context, m *game.Move) (int64, error)
	ListMoves(ctx context.Context, gameID string, limit int) ([]game.Move, error)
	GetMove(ctx context.Context, gameID string, moveNumber, player int) (*game.Move, error)
	// UpdateMove rewrites the move row and replaces its rethink attempts
	// atomically.
	UpdateMove(ctx context.Context, m *game.Move) error
	AppendRethink(ctx context.Context, gameID string, moveNumber, player int, att game.RethinkAttempt) error

	// Player aggregate operations.
	UpsertPlayerStats(ctx context.Context, s *game.PlayerStats) error
	GetPlayerStats(ctx context.Context, playerID string) (*game.PlayerStats, error)
	ListPlayerStats(ctx context.Context) ([]game.PlayerStats, error)
	// ListPlayerIDs enumerates every player id seen in games or aggregates.
	ListPlayerIDs(ctx context.Context) ([]string, error)

	// Query operations.
	QueryGames(ctx context.Context, f GameFilters, limit, offset int) ([]game.Game, error)
	CountGames(ctx context.Context, f GameFilters) (int64, error)

	// Maintenance.
	DeleteGamesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (BackendStats, error)
}
