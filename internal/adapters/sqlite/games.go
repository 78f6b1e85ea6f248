package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

const queryInsertGame = `
INSERT INTO games
    (id, tournament_id, start_time, end_time, initial_fen, final_fen,
     outcome_result, outcome_winner, outcome_termination,
     total_moves, duration_seconds, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const queryInsertPlayer = `
INSERT INTO players
    (game_id, position, player_id, model_name, model_provider, agent_type, agent_config, elo)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const queryGetGame = `
SELECT id, tournament_id, start_time, end_time, initial_fen, final_fen,
       outcome_result, outcome_winner, outcome_termination,
       total_moves, duration_seconds, metadata
FROM games
WHERE id = ?`

const queryGamePlayers = `
SELECT position, player_id, model_name, model_provider, agent_type, agent_config, elo
FROM players
WHERE game_id = ?
ORDER BY position`

// gameColumns allowed in UpdateGame field maps.
var updatableGameColumns = map[string]bool{
	"tournament_id":       true,
	"end_time":            true,
	"final_fen":           true,
	"outcome_result":      true,
	"outcome_winner":      true,
	"outcome_termination": true,
	"total_moves":         true,
	"duration_seconds":    true,
	"metadata":            true,
}

// CreateGame inserts the game and its two player rows in one transaction.
func (s *Store) CreateGame(ctx context.Context, g *game.Game) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := marshalJSON(g.Metadata, "{}")
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var result, termination *string
	var winner *int
	if g.Outcome != nil {
		r := string(g.Outcome.Result)
		t := string(g.Outcome.Termination)
		result, termination = &r, &t
		winner = g.Outcome.Winner
	}
	_, err = tx.ExecContext(ctx, queryInsertGame,
		g.ID, g.TournamentID, g.StartTime.UTC(), nullTime(g.EndTime),
		g.InitialFEN, g.FinalFEN,
		result, winner, termination,
		g.TotalMoves, g.Duration, meta, now, now,
	)
	if isDuplicate(err) {
		return ports.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}

	for _, pos := range []int{game.Black, game.White} {
		p := g.Players[pos]
		cfg, err := marshalJSON(p.AgentConfig, "{}")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryInsertPlayer,
			g.ID, pos, p.PlayerID, p.ModelName, p.ModelProvider, string(p.AgentType), cfg, p.ELO,
		); err != nil {
			return fmt.Errorf("insert player %d: %w", pos, err)
		}
	}
	return tx.Commit()
}

// GetGame loads one game with its embedded players.
func (s *Store) GetGame(ctx context.Context, id string) (*game.Game, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return getGame(ctx, conn, id)
}

func getGame(ctx context.Context, conn *sql.DB, id string) (*game.Game, error) {
	row := conn.QueryRowContext(ctx, queryGetGame, id)
	g, err := scanGame(row)
	if err == sql.ErrNoRows {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadPlayers(ctx, conn, g); err != nil {
		return nil, err
	}
	return g, nil
}

func loadPlayers(ctx context.Context, conn *sql.DB, g *game.Game) error {
	rows, err := conn.QueryContext(ctx, queryGamePlayers, g.ID)
	if err != nil {
		return fmt.Errorf("load players: %w", err)
	}
	defer rows.Close()

	g.Players = make(map[int]game.PlayerInfo, 2)
	for rows.Next() {
		var (
			pos       int
			p         game.PlayerInfo
			agentType string
			rawCfg    string
		)
		if err := rows.Scan(&pos, &p.PlayerID, &p.ModelName, &p.ModelProvider, &agentType, &rawCfg, &p.ELO); err != nil {
			return fmt.Errorf("scan player: %w", err)
		}
		p.AgentType = game.AgentType(agentType)
		if p.AgentConfig, err = unmarshalMap(rawCfg); err != nil {
			return err
		}
		g.Players[pos] = p
	}
	return rows.Err()
}

// scanGame reads one game row from a sql.Row or sql.Rows.
func scanGame(row interface{ Scan(dest ...any) error }) (*game.Game, error) {
	var (
		g           game.Game
		start       time.Time
		end         sql.NullTime
		result      *string
		winner      *int
		termination *string
		rawMeta     string
	)
	err := row.Scan(
		&g.ID, &g.TournamentID, &start, &end, &g.InitialFEN, &g.FinalFEN,
		&result, &winner, &termination,
		&g.TotalMoves, &g.Duration, &rawMeta,
	)
	if err != nil {
		return nil, err
	}
	g.StartTime = start
	if end.Valid {
		t := end.Time
		g.EndTime = &t
	}
	if result != nil {
		o := &game.Outcome{Result: game.Result(*result), Winner: winner}
		if termination != nil {
			o.Termination = game.Termination(*termination)
		}
		g.Outcome = o
	}
	if g.Metadata, err = unmarshalMap(rawMeta); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGame patches the whitelisted columns named in fields.
func (s *Store) UpdateGame(ctx context.Context, id string, fields map[string]any) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, v := range fields {
		if !updatableGameColumns[col] {
			return fmt.Errorf("unknown game column %q", col)
		}
		if col == "metadata" {
			raw, err := marshalJSON(v, "{}")
			if err != nil {
				return err
			}
			v = raw
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC()
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := conn.ExecContext(ctx,
		"UPDATE games SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// DeleteGame removes the game; players, moves and rethink attempts cascade.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := conn.ExecContext(ctx, `DELETE FROM games WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// buildGameFilter renders the closed filter vocabulary to a WHERE clause.
func buildGameFilter(f ports.GameFilters) (string, []any) {
	var where []string
	var args []any
	if f.TournamentID != nil {
		where = append(where, "g.tournament_id = ?")
		args = append(args, *f.TournamentID)
	}
	if f.StartAfter != nil {
		where = append(where, "g.start_time >= ?")
		args = append(args, f.StartAfter.UTC())
	}
	if f.StartBefore != nil {
		where = append(where, "g.start_time <= ?")
		args = append(args, f.StartBefore.UTC())
	}
	if f.Result != nil {
		// Fresh games carry no outcome yet; they count as ongoing.
		if *f.Result == game.ResultOngoing {
			where = append(where, "(g.outcome_result IS NULL OR g.outcome_result = 'ongoing')")
		} else {
			where = append(where, "g.outcome_result = ?")
			args = append(args, string(*f.Result))
		}
	}
	if f.PlayerID != nil {
		where = append(where, "EXISTS (SELECT 1 FROM players p WHERE p.game_id = g.id AND p.player_id = ?)")
		args = append(args, *f.PlayerID)
	}
	for _, pid := range f.Players {
		where = append(where, "EXISTS (SELECT 1 FROM players p WHERE p.game_id = g.id AND p.player_id = ?)")
		args = append(args, pid)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// QueryGames returns the filtered game page ordered by start time descending.
func (s *Store) QueryGames(ctx context.Context, f ports.GameFilters, limit, offset int) ([]game.Game, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildGameFilter(f)
	q := `
SELECT g.id, g.tournament_id, g.start_time, g.end_time, g.initial_fen, g.final_fen,
       g.outcome_result, g.outcome_winner, g.outcome_termination,
       g.total_moves, g.duration_seconds, g.metadata
FROM games g` + where + " ORDER BY g.start_time DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			q += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query games: %w", err)
	}
	defer rows.Close()

	var out []game.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := loadPlayers(ctx, conn, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountGames counts games matching the filter set.
func (s *Store) CountGames(ctx context.Context, f ports.GameFilters) (int64, error) {
	conn, err := s.db()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := buildGameFilter(f)
	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM games g"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count games: %w", err)
	}
	return n, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
