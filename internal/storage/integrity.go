package storage

import (
	"context"
	"fmt"

	"github.com/notnil/chess"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
)

// IntegrityReport summarizes a consistency audit of one game's move record.
// Errors are violations of the stored invariants; Warnings are suspicious but
// legal states.
type IntegrityReport struct {
	GameID       string   `json:"game_id"`
	IsValid      bool     `json:"is_valid"`
	TotalMoves   int      `json:"total_moves"`
	WhiteMoves   int      `json:"white_moves"`
	BlackMoves   int      `json:"black_moves"`
	RethinkCount int      `json:"rethink_count"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
}

func (r *IntegrityReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *IntegrityReport) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateMoveIntegrity audits the stored moves of a game: numbering is
// gap-free from 1, White opens and colors alternate within each number, both
// positions and notations are present, FEN snapshots parse, and rethink
// attempts are numbered 1..N.
func (m *Manager) ValidateMoveIntegrity(ctx context.Context, gameID string) (*IntegrityReport, error) {
	g, err := m.backend.GetGame(ctx, gameID)
	if err != nil {
		return nil, storageErr("integrity: load game", err)
	}
	moves, err := m.backend.ListMoves(ctx, gameID, 0)
	if err != nil {
		return nil, storageErr("integrity: load moves", err)
	}

	rep := &IntegrityReport{GameID: gameID, TotalMoves: len(moves)}

	byNumber := make(map[int][]*game.Move)
	maxNumber := 0
	for i := range moves {
		mv := &moves[i]
		switch mv.Player {
		case game.White:
			rep.WhiteMoves++
		case game.Black:
			rep.BlackMoves++
		default:
			rep.errorf("move %d: player %d is neither black nor white", mv.MoveNumber, mv.Player)
		}
		byNumber[mv.MoveNumber] = append(byNumber[mv.MoveNumber], mv)
		if mv.MoveNumber > maxNumber {
			maxNumber = mv.MoveNumber
		}
	}

	for n := 1; n <= maxNumber; n++ {
		group, ok := byNumber[n]
		if !ok {
			rep.errorf("move number %d is missing", n)
			continue
		}
		var white, black *game.Move
		for _, mv := range group {
			if mv.Player == game.White {
				white = mv
			} else if mv.Player == game.Black {
				black = mv
			}
		}
		if white == nil {
			rep.errorf("move %d: no white half-move recorded", n)
		}
		// Black may legitimately be absent only on the final number.
		if black == nil && n < maxNumber {
			rep.errorf("move %d: no black half-move recorded", n)
		}
	}

	for i := range moves {
		mv := &moves[i]
		if mv.FENBefore == "" || mv.FENAfter == "" {
			rep.errorf("move %d player %d: missing position snapshot", mv.MoveNumber, mv.Player)
		} else {
			if _, err := chess.FEN(mv.FENBefore); err != nil {
				rep.errorf("move %d player %d: fen_before does not parse: %v", mv.MoveNumber, mv.Player, err)
			}
			if _, err := chess.FEN(mv.FENAfter); err != nil {
				rep.errorf("move %d player %d: fen_after does not parse: %v", mv.MoveNumber, mv.Player, err)
			}
		}
		if mv.IsLegal && (mv.MoveSAN == "" || mv.MoveUCI == "") {
			rep.errorf("move %d player %d: legal move missing notation", mv.MoveNumber, mv.Player)
		}
		if err := game.ValidateRethinkNumbering(mv.RethinkAttempts); err != nil {
			rep.errorf("move %d player %d: %v", mv.MoveNumber, mv.Player, err)
		}
		rep.RethinkCount += len(mv.RethinkAttempts)
	}

	if g.Completed() && g.TotalMoves != len(moves) {
		rep.warnf("game records total_moves=%d but %d moves are stored", g.TotalMoves, len(moves))
	}
	if !g.Completed() && len(moves) == 0 {
		rep.warnf("game has no moves recorded yet")
	}

	rep.IsValid = len(rep.Errors) == 0
	return rep, nil
}
