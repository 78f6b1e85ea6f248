package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

const queryInsertGame = `
INSERT INTO games
    (id, tournament_id, start_time, end_time, initial_fen, final_fen,
     outcome_result, outcome_winner, outcome_termination,
     total_moves, duration_seconds, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)`

const queryInsertPlayer = `
INSERT INTO players
    (game_id, position, player_id, model_name, model_provider, agent_type, agent_config, elo)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`

const gameColumns = `
g.id, g.tournament_id, g.start_time, g.end_time, g.initial_fen, g.final_fen,
g.outcome_result, g.outcome_winner, g.outcome_termination,
g.total_moves, g.duration_seconds, g.metadata`

const queryGamePlayers = `
SELECT position, player_id, model_name, model_provider, agent_type, agent_config, elo
FROM players
WHERE game_id = $1
ORDER BY position`

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

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateGame inserts the game and its two player rows in one transaction.
func (s *Store) CreateGame(ctx context.Context, g *game.Game) error {
	pool, err := s.db()
	if err != nil {
		return err
	}

	meta, err := jsonText(g.Metadata, "{}")
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	var result, termination *string
	var winner *int
	if g.Outcome != nil {
		r := string(g.Outcome.Result)
		t := string(g.Outcome.Termination)
		result, termination = &r, &t
		winner = g.Outcome.Winner
	}
	_, err = tx.Exec(ctx, queryInsertGame,
		g.ID, g.TournamentID, g.StartTime.UTC(), g.EndTime,
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
		cfg, err := jsonText(p.AgentConfig, "{}")
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, queryInsertPlayer,
			g.ID, pos, p.PlayerID, p.ModelName, p.ModelProvider, string(p.AgentType), cfg, p.ELO,
		); err != nil {
			return fmt.Errorf("insert player %d: %w", pos, err)
		}
	}
	return tx.Commit(ctx)
}

// GetGame loads one game with its embedded players.
func (s *Store) GetGame(ctx context.Context, id string) (*game.Game, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, "SELECT "+gameColumns+" FROM games g WHERE g.id = $1", id)
	g, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadPlayers(ctx, pool, g); err != nil {
		return nil, err
	}
	return g, nil
}

func loadPlayers(ctx context.Context, q querier, g *game.Game) error {
	rows, err := q.Query(ctx, queryGamePlayers, g.ID)
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
			rawCfg    []byte
		)
		if err := rows.Scan(&pos, &p.PlayerID, &p.ModelName, &p.ModelProvider, &agentType, &rawCfg, &p.ELO); err != nil {
			return fmt.Errorf("scan player: %w", err)
		}
		p.AgentType = game.AgentType(agentType)
		if p.AgentConfig, err = jsonMap(rawCfg); err != nil {
			return err
		}
		g.Players[pos] = p
	}
	return rows.Err()
}

// scanGame reads a game row from either a pgx.Row or pgx.Rows.
func scanGame(row interface{ Scan(dest ...any) error }) (*game.Game, error) {
	var (
		g           game.Game
		end         *time.Time
		result      *string
		winner      *int
		termination *string
		rawMeta     []byte
	)
	err := row.Scan(
		&g.ID, &g.TournamentID, &g.StartTime, &end, &g.InitialFEN, &g.FinalFEN,
		&result, &winner, &termination,
		&g.TotalMoves, &g.Duration, &rawMeta,
	)
	if err != nil {
		return nil, err
	}
	g.EndTime = end
	if result != nil {
		o := &game.Outcome{Result: game.Result(*result), Winner: winner}
		if termination != nil {
			o.Termination = game.Termination(*termination)
		}
		g.Outcome = o
	}
	if g.Metadata, err = jsonMap(rawMeta); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGame patches the whitelisted columns named in fields.
func (s *Store) UpdateGame(ctx context.Context, id string, fields map[string]any) error {
	pool, err := s.db()
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, v := range fields {
		if !updatableGameColumns[col] {
			return fmt.Errorf("unknown game column %q", col)
		}
		cast := ""
		if col == "metadata" {
			raw, err := jsonText(v, "{}")
			if err != nil {
				return err
			}
			v = raw
			cast = "::jsonb"
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC()
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d%s", col, len(args), cast))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	tag, err := pool.Exec(ctx,
		fmt.Sprintf("UPDATE games SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// DeleteGame removes the game; players, moves and rethink attempts cascade.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM games WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// buildGameFilter renders the closed filter vocabulary to a WHERE clause
// with 1-based positional args.
func buildGameFilter(f ports.GameFilters) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TournamentID != nil {
		add("g.tournament_id = $%d", *f.TournamentID)
	}
	if f.StartAfter != nil {
		add("g.start_time >= $%d", f.StartAfter.UTC())
	}
	if f.StartBefore != nil {
		add("g.start_time <= $%d", f.StartBefore.UTC())
	}
	if f.Result != nil {
		// Fresh games carry no outcome yet; they count as ongoing.
		if *f.Result == game.ResultOngoing {
			where = append(where, "(g.outcome_result IS NULL OR g.outcome_result = 'ongoing')")
		} else {
			add("g.outcome_result = $%d", string(*f.Result))
		}
	}
	if f.PlayerID != nil {
		add("EXISTS (SELECT 1 FROM players p WHERE p.game_id = g.id AND p.player_id = $%d)", *f.PlayerID)
	}
	for _, pid := range f.Players {
		add("EXISTS (SELECT 1 FROM players p WHERE p.game_id = g.id AND p.player_id = $%d)", pid)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// QueryGames returns the filtered game page ordered by start time descending.
func (s *Store) QueryGames(ctx context.Context, f ports.GameFilters, limit, offset int) ([]game.Game, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	where, args := buildGameFilter(f)
	q := "SELECT " + gameColumns + " FROM games g" + where + " ORDER BY g.start_time DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
		if offset > 0 {
			args = append(args, offset)
			q += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := pool.Query(ctx, q, args...)
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
		if err := loadPlayers(ctx, pool, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountGames counts games matching the filter set.
func (s *Store) CountGames(ctx context.Context, f ports.GameFilters) (int64, error) {
	pool, err := s.db()
	if err != nil {
		return 0, err
	}
	where, args := buildGameFilter(f)
	var n int64
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM games g"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count games: %w", err)
	}
	return n, nil
}

// jsonText renders maps/slices as JSON text for ::jsonb parameters.
func jsonText(v any, zero string) (string, error) {
	if v == nil {
		return zero, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func jsonMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return m, nil
}

func jsonStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}
