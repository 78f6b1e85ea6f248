package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

const queryUpsertStats = `
INSERT INTO player_stats
    (player_id, games_played, wins, losses, draws, illegal_move_rate,
     avg_thinking_time_ms, elo_rating, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (player_id) DO UPDATE SET
    games_played         = EXCLUDED.games_played,
    wins                 = EXCLUDED.wins,
    losses               = EXCLUDED.losses,
    draws                = EXCLUDED.draws,
    illegal_move_rate    = EXCLUDED.illegal_move_rate,
    avg_thinking_time_ms = EXCLUDED.avg_thinking_time_ms,
    elo_rating           = EXCLUDED.elo_rating,
    last_updated         = EXCLUDED.last_updated`

const queryGetStats = `
SELECT player_id, games_played, wins, losses, draws, illegal_move_rate,
       avg_thinking_time_ms, elo_rating, last_updated
FROM player_stats
WHERE player_id = $1`

const queryListStats = `
SELECT player_id, games_played, wins, losses, draws, illegal_move_rate,
       avg_thinking_time_ms, elo_rating, last_updated
FROM player_stats
ORDER BY player_id`

const queryListPlayerIDs = `
SELECT DISTINCT player_id FROM players
UNION
SELECT player_id FROM player_stats
ORDER BY player_id`

// UpsertPlayerStats writes or replaces the aggregate row for a player.
func (s *Store) UpsertPlayerStats(ctx context.Context, st *game.PlayerStats) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, queryUpsertStats,
		st.PlayerID, st.GamesPlayed, st.Wins, st.Losses, st.Draws,
		st.IllegalMoveRate, st.AvgThinkingTimeMS, st.ELORating, st.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert player stats: %w", err)
	}
	return nil
}

// GetPlayerStats loads the aggregate row for a player.
func (s *Store) GetPlayerStats(ctx context.Context, playerID string) (*game.PlayerStats, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}
	var st game.PlayerStats
	err = pool.QueryRow(ctx, queryGetStats, playerID).Scan(
		&st.PlayerID, &st.GamesPlayed, &st.Wins, &st.Losses, &st.Draws,
		&st.IllegalMoveRate, &st.AvgThinkingTimeMS, &st.ELORating, &st.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get player stats: %w", err)
	}
	return &st, nil
}

// ListPlayerStats returns every aggregate row ordered by player id.
func (s *Store) ListPlayerStats(ctx context.Context) ([]game.PlayerStats, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, queryListStats)
	if err != nil {
		return nil, fmt.Errorf("list player stats: %w", err)
	}
	defer rows.Close()

	var out []game.PlayerStats
	for rows.Next() {
		var st game.PlayerStats
		if err := rows.Scan(
			&st.PlayerID, &st.GamesPlayed, &st.Wins, &st.Losses, &st.Draws,
			&st.IllegalMoveRate, &st.AvgThinkingTimeMS, &st.ELORating, &st.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan player stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPlayerIDs enumerates every player id seen in games or aggregates.
func (s *Store) ListPlayerIDs(ctx context.Context) ([]string, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, queryListPlayerIDs)
	if err != nil {
		return nil, fmt.Errorf("list player ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan player id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
