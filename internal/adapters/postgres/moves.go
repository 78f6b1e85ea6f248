package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

const queryInsertMove = `
INSERT INTO moves
    (game_id, move_number, player, move_time, fen_before, fen_after, legal_moves,
     move_san, move_uci, is_legal, prompt_text, raw_response, parsed_move,
     parsing_success, parsing_attempts, thinking_time_ms, api_call_time_ms,
     parsing_time_ms, quality_score, is_blunder, error_type, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13,
        $14, $15, $16, $17, $18, $19, $20, $21, $22)
RETURNING id`

const moveColumns = `
id, game_id, move_number, player, move_time, fen_before, fen_after, legal_moves,
move_san, move_uci, is_legal, prompt_text, raw_response, parsed_move,
parsing_success, parsing_attempts, thinking_time_ms, api_call_time_ms,
parsing_time_ms, quality_score, is_blunder, error_type, error_message`

const queryUpdateMove = `
UPDATE moves SET
    move_time = $1, fen_before = $2, fen_after = $3, legal_moves = $4::jsonb,
    move_san = $5, move_uci = $6, is_legal = $7, prompt_text = $8, raw_response = $9,
    parsed_move = $10, parsing_success = $11, parsing_attempts = $12,
    thinking_time_ms = $13, api_call_time_ms = $14, parsing_time_ms = $15,
    quality_score = $16, is_blunder = $17, error_type = $18, error_message = $19
WHERE game_id = $20 AND move_number = $21 AND player = $22
RETURNING id`

const queryInsertRethink = `
INSERT INTO rethink_attempts
    (move_id, attempt_number, prompt_text, raw_response, parsed_move, was_legal, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const queryMoveRethinks = `
SELECT attempt_number, prompt_text, raw_response, parsed_move, was_legal, created_at
FROM rethink_attempts
WHERE move_id = $1
ORDER BY attempt_number`

// InsertMove writes the move and its rethink attempts and returns the move id.
func (s *Store) InsertMove(ctx context.Context, m *game.Move) (int64, error) {
	pool, err := s.db()
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	legal, err := jsonText(m.LegalMoves, "[]")
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRow(ctx, queryInsertMove,
		m.GameID, m.MoveNumber, m.Player, m.Timestamp.UTC(), m.FENBefore, m.FENAfter, legal,
		m.MoveSAN, m.MoveUCI, m.IsLegal, m.PromptText, m.RawResponse, m.ParsedMove,
		m.ParsingSuccess, m.ParsingAttempts, m.ThinkingTimeMS, m.APICallTimeMS,
		m.ParsingTimeMS, m.QualityScore, m.Blunder, m.ErrorType, m.ErrorMessage,
	).Scan(&id)
	if isDuplicate(err) {
		return 0, ports.ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert move: %w", err)
	}
	for _, a := range m.RethinkAttempts {
		if _, err := tx.Exec(ctx, queryInsertRethink,
			id, a.AttemptNumber, a.PromptText, a.RawResponse, a.ParsedMove, a.WasLegal, a.Timestamp.UTC(),
		); err != nil {
			return 0, fmt.Errorf("insert rethink %d: %w", a.AttemptNumber, err)
		}
	}
	return id, tx.Commit(ctx)
}

// ListMoves returns the game's moves ordered by (move_number, player).
func (s *Store) ListMoves(ctx context.Context, gameID string, limit int) ([]game.Move, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	q := "SELECT " + moveColumns + " FROM moves WHERE game_id = $1 ORDER BY move_number, player"
	args := []any{gameID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list moves: %w", err)
	}
	defer rows.Close()

	var out []game.Move
	var ids []int64
	for rows.Next() {
		m, id, err := scanMove(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, id := range ids {
		if out[i].RethinkAttempts, err = loadRethinks(ctx, pool, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetMove returns a single move by its identity tuple.
func (s *Store) GetMove(ctx context.Context, gameID string, moveNumber, player int) (*game.Move, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx,
		"SELECT "+moveColumns+" FROM moves WHERE game_id = $1 AND move_number = $2 AND player = $3",
		gameID, moveNumber, player)
	m, id, err := scanMove(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.RethinkAttempts, err = loadRethinks(ctx, pool, id); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMove rewrites the move row and replaces its rethink attempts in one
// transaction.
func (s *Store) UpdateMove(ctx context.Context, m *game.Move) error {
	pool, err := s.db()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	legal, err := jsonText(m.LegalMoves, "[]")
	if err != nil {
		return err
	}
	var id int64
	err = tx.QueryRow(ctx, queryUpdateMove,
		m.Timestamp.UTC(), m.FENBefore, m.FENAfter, legal,
		m.MoveSAN, m.MoveUCI, m.IsLegal, m.PromptText, m.RawResponse,
		m.ParsedMove, m.ParsingSuccess, m.ParsingAttempts,
		m.ThinkingTimeMS, m.APICallTimeMS, m.ParsingTimeMS,
		m.QualityScore, m.Blunder, m.ErrorType, m.ErrorMessage,
		m.GameID, m.MoveNumber, m.Player,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update move: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rethink_attempts WHERE move_id = $1`, id); err != nil {
		return fmt.Errorf("clear rethinks: %w", err)
	}
	for _, a := range m.RethinkAttempts {
		if _, err := tx.Exec(ctx, queryInsertRethink,
			id, a.AttemptNumber, a.PromptText, a.RawResponse, a.ParsedMove, a.WasLegal, a.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("insert rethink %d: %w", a.AttemptNumber, err)
		}
	}
	return tx.Commit(ctx)
}

// AppendRethink adds one attempt to an existing move.
func (s *Store) AppendRethink(ctx context.Context, gameID string, moveNumber, player int, att game.RethinkAttempt) error {
	pool, err := s.db()
	if err != nil {
		return err
	}

	var id int64
	err = pool.QueryRow(ctx,
		`SELECT id FROM moves WHERE game_id = $1 AND move_number = $2 AND player = $3`,
		gameID, moveNumber, player).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, queryInsertRethink,
		id, att.AttemptNumber, att.PromptText, att.RawResponse, att.ParsedMove, att.WasLegal, att.Timestamp.UTC())
	if isDuplicate(err) {
		return ports.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append rethink: %w", err)
	}
	return nil
}

func loadRethinks(ctx context.Context, q querier, moveID int64) ([]game.RethinkAttempt, error) {
	rows, err := q.Query(ctx, queryMoveRethinks, moveID)
	if err != nil {
		return nil, fmt.Errorf("load rethinks: %w", err)
	}
	defer rows.Close()

	var out []game.RethinkAttempt
	for rows.Next() {
		var a game.RethinkAttempt
		if err := rows.Scan(&a.AttemptNumber, &a.PromptText, &a.RawResponse, &a.ParsedMove, &a.WasLegal, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan rethink: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanMove reads one move row, returning the row id alongside the record.
func scanMove(row interface{ Scan(dest ...any) error }) (*game.Move, int64, error) {
	var (
		m        game.Move
		id       int64
		rawLegal []byte
	)
	err := row.Scan(
		&id, &m.GameID, &m.MoveNumber, &m.Player, &m.Timestamp, &m.FENBefore, &m.FENAfter, &rawLegal,
		&m.MoveSAN, &m.MoveUCI, &m.IsLegal, &m.PromptText, &m.RawResponse, &m.ParsedMove,
		&m.ParsingSuccess, &m.ParsingAttempts, &m.ThinkingTimeMS, &m.APICallTimeMS,
		&m.ParsingTimeMS, &m.QualityScore, &m.Blunder, &m.ErrorType, &m.ErrorMessage,
	)
	if err != nil {
		return nil, 0, err
	}
	if m.LegalMoves, err = jsonStrings(rawLegal); err != nil {
		return nil, 0, err
	}
	return &m, id, nil
}
