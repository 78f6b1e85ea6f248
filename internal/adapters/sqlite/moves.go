package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

const queryInsertMove = `
INSERT INTO moves
    (game_id, move_number, player, move_time, fen_before, fen_after, legal_moves,
     move_san, move_uci, is_legal, prompt_text, raw_response, parsed_move,
     parsing_success, parsing_attempts, thinking_time_ms, api_call_time_ms,
     parsing_time_ms, quality_score, is_blunder, error_type, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const moveColumns = `
id, game_id, move_number, player, move_time, fen_before, fen_after, legal_moves,
move_san, move_uci, is_legal, prompt_text, raw_response, parsed_move,
parsing_success, parsing_attempts, thinking_time_ms, api_call_time_ms,
parsing_time_ms, quality_score, is_blunder, error_type, error_message`

const queryUpdateMove = `
UPDATE moves SET
    move_time = ?, fen_before = ?, fen_after = ?, legal_moves = ?,
    move_san = ?, move_uci = ?, is_legal = ?, prompt_text = ?, raw_response = ?,
    parsed_move = ?, parsing_success = ?, parsing_attempts = ?,
    thinking_time_ms = ?, api_call_time_ms = ?, parsing_time_ms = ?,
    quality_score = ?, is_blunder = ?, error_type = ?, error_message = ?
WHERE game_id = ? AND move_number = ? AND player = ?`

const queryInsertRethink = `
INSERT INTO rethink_attempts
    (move_id, attempt_number, prompt_text, raw_response, parsed_move, was_legal, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

const queryMoveRethinks = `
SELECT attempt_number, prompt_text, raw_response, parsed_move, was_legal, created_at
FROM rethink_attempts
WHERE move_id = ?
ORDER BY attempt_number`

// InsertMove writes the move and its rethink attempts and returns the
// autoincrement move id.
func (s *Store) InsertMove(ctx context.Context, m *game.Move) (int64, error) {
	conn, err := s.db()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	legal, err := marshalJSON(m.LegalMoves, "[]")
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, queryInsertMove,
		m.GameID, m.MoveNumber, m.Player, m.Timestamp.UTC(), m.FENBefore, m.FENAfter, legal,
		m.MoveSAN, m.MoveUCI, m.IsLegal, m.PromptText, m.RawResponse, m.ParsedMove,
		m.ParsingSuccess, m.ParsingAttempts, m.ThinkingTimeMS, m.APICallTimeMS,
		m.ParsingTimeMS, m.QualityScore, m.Blunder, m.ErrorType, m.ErrorMessage,
	)
	if isDuplicate(err) {
		return 0, ports.ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert move: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := insertRethinks(ctx, tx, id, m.RethinkAttempts); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func insertRethinks(ctx context.Context, tx *sql.Tx, moveID int64, attempts []game.RethinkAttempt) error {
	for _, a := range attempts {
		if _, err := tx.ExecContext(ctx, queryInsertRethink,
			moveID, a.AttemptNumber, a.PromptText, a.RawResponse, a.ParsedMove, a.WasLegal, a.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("insert rethink %d: %w", a.AttemptNumber, err)
		}
	}
	return nil
}

// ListMoves returns the game's moves ordered by (move_number, player).
func (s *Store) ListMoves(ctx context.Context, gameID string, limit int) ([]game.Move, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := "SELECT " + moveColumns + " FROM moves WHERE game_id = ? ORDER BY move_number, player"
	args := []any{gameID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := conn.QueryContext(ctx, q, args...)
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
		if out[i].RethinkAttempts, err = loadRethinks(ctx, conn, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetMove returns a single move by its identity tuple.
func (s *Store) GetMove(ctx context.Context, gameID string, moveNumber, player int) (*game.Move, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, id, err := findMove(ctx, conn, gameID, moveNumber, player)
	if err != nil {
		return nil, err
	}
	if m.RethinkAttempts, err = loadRethinks(ctx, conn, id); err != nil {
		return nil, err
	}
	return m, nil
}

func findMove(ctx context.Context, conn *sql.DB, gameID string, moveNumber, player int) (*game.Move, int64, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT "+moveColumns+" FROM moves WHERE game_id = ? AND move_number = ? AND player = ?",
		gameID, moveNumber, player)
	m, id, err := scanMove(row)
	if err == sql.ErrNoRows {
		return nil, 0, ports.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return m, id, nil
}

// UpdateMove rewrites the move row and replaces its rethink attempts in one
// transaction.
func (s *Store) UpdateMove(ctx context.Context, m *game.Move) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, id, err := findMove(ctx, conn, m.GameID, m.MoveNumber, m.Player)
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	legal, err := marshalJSON(m.LegalMoves, "[]")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryUpdateMove,
		m.Timestamp.UTC(), m.FENBefore, m.FENAfter, legal,
		m.MoveSAN, m.MoveUCI, m.IsLegal, m.PromptText, m.RawResponse,
		m.ParsedMove, m.ParsingSuccess, m.ParsingAttempts,
		m.ThinkingTimeMS, m.APICallTimeMS, m.ParsingTimeMS,
		m.QualityScore, m.Blunder, m.ErrorType, m.ErrorMessage,
		m.GameID, m.MoveNumber, m.Player,
	); err != nil {
		return fmt.Errorf("update move: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rethink_attempts WHERE move_id = ?`, id); err != nil {
		return fmt.Errorf("clear rethinks: %w", err)
	}
	if err := insertRethinks(ctx, tx, id, m.RethinkAttempts); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendRethink adds one attempt to an existing move.
func (s *Store) AppendRethink(ctx context.Context, gameID string, moveNumber, player int, att game.RethinkAttempt) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, id, err := findMove(ctx, conn, gameID, moveNumber, player)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, queryInsertRethink,
		id, att.AttemptNumber, att.PromptText, att.RawResponse, att.ParsedMove, att.WasLegal, att.Timestamp.UTC())
	if isDuplicate(err) {
		return ports.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append rethink: %w", err)
	}
	return nil
}

func loadRethinks(ctx context.Context, conn *sql.DB, moveID int64) ([]game.RethinkAttempt, error) {
	rows, err := conn.QueryContext(ctx, queryMoveRethinks, moveID)
	if err != nil {
		return nil, fmt.Errorf("load rethinks: %w", err)
	}
	defer rows.Close()

	var out []game.RethinkAttempt
	for rows.Next() {
		var a game.RethinkAttempt
		var ts time.Time
		if err := rows.Scan(&a.AttemptNumber, &a.PromptText, &a.RawResponse, &a.ParsedMove, &a.WasLegal, &ts); err != nil {
			return nil, fmt.Errorf("scan rethink: %w", err)
		}
		a.Timestamp = ts
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanMove reads one move row, returning the row id alongside the record.
func scanMove(row interface{ Scan(dest ...any) error }) (*game.Move, int64, error) {
	var (
		m        game.Move
		id       int64
		ts       time.Time
		rawLegal string
	)
	err := row.Scan(
		&id, &m.GameID, &m.MoveNumber, &m.Player, &ts, &m.FENBefore, &m.FENAfter, &rawLegal,
		&m.MoveSAN, &m.MoveUCI, &m.IsLegal, &m.PromptText, &m.RawResponse, &m.ParsedMove,
		&m.ParsingSuccess, &m.ParsingAttempts, &m.ThinkingTimeMS, &m.APICallTimeMS,
		&m.ParsingTimeMS, &m.QualityScore, &m.Blunder, &m.ErrorType, &m.ErrorMessage,
	)
	if err != nil {
		return nil, 0, err
	}
	m.Timestamp = ts
	if m.LegalMoves, err = unmarshalStrings(rawLegal); err != nil {
		return nil, 0, err
	}
	return &m, id, nil
}
