// Package game holds the telemetry domain records: games, moves, rethink
// attempts and per-player aggregates, together with their invariants.
package game

import (
	"errors"
	"fmt"
	"time"
)

// Board positions. Position 0 is Black, position 1 is White.
const (
	Black = 0
	White = 1
)

// Result values for a finished (or ongoing) game.
type Result string

const (
	ResultWhiteWins Result = "white_wins"
	ResultBlackWins Result = "black_wins"
	ResultDraw      Result = "draw"
	ResultOngoing   Result = "ongoing"
)

// Termination reasons.
type Termination string

const (
	TermCheckmate            Termination = "checkmate"
	TermStalemate            Termination = "stalemate"
	TermResignation          Termination = "resignation"
	TermTimeout              Termination = "timeout"
	TermInsufficientMaterial Termination = "insufficient_material"
	TermThreefoldRepetition  Termination = "threefold_repetition"
	TermFiftyMoveRule        Termination = "fifty_move_rule"
	TermError                Termination = "error"
)

// AgentType identifies the agent strategy a player used.
type AgentType string

const (
	AgentZeroShot AgentType = "zero_shot"
	AgentRethink  AgentType = "rethink"
	AgentToolCall AgentType = "tool_call"
	AgentHuman    AgentType = "human"
)

// InitialFEN is the standard starting position.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Sentinel validation errors. The storage layer wraps these so callers can
// test with errors.Is.
var (
	ErrInvalidResult      = errors.New("invalid result")
	ErrInvalidTermination = errors.New("invalid termination")
	ErrInvalidPlayers     = errors.New("game must have exactly two players at positions 0 and 1")
	ErrInconsistentWinner = errors.New("outcome winner inconsistent with result")
	ErrEndBeforeStart     = errors.New("end time precedes start time")
	ErrMissingEndTime     = errors.New("game with outcome is missing an end time")
	ErrNegativeTiming     = errors.New("timing fields must be non-negative")
	ErrBadRethinkNumber   = errors.New("rethink attempts must be numbered 1..N without gaps")
)

// PlayerInfo describes one participant of a game. It is embedded in the Game
// and owned by it.
type PlayerInfo struct {
	PlayerID      string         `json:"player_id"`
	ModelName     string         `json:"model_name"`
	ModelProvider string         `json:"model_provider"`
	AgentType     AgentType      `json:"agent_type"`
	AgentConfig   map[string]any `json:"agent_config,omitempty"`
	ELO           *float64       `json:"elo,omitempty"`
}

// Outcome is the terminal state of a game. Winner is a board position
// (0 or 1) and nil for draws and ongoing games.
type Outcome struct {
	Result      Result      `json:"result"`
	Winner      *int        `json:"winner,omitempty"`
	Termination Termination `json:"termination"`
}

// Game is the top-level telemetry record for one played game.
type Game struct {
	ID           string             `json:"game_id"`
	TournamentID *string            `json:"tournament_id,omitempty"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Players      map[int]PlayerInfo `json:"players"`
	InitialFEN   string             `json:"initial_fen"`
	FinalFEN     *string            `json:"final_fen,omitempty"`
	Outcome      *Outcome           `json:"outcome,omitempty"`
	TotalMoves   int                `json:"total_moves"`
	Duration     *float64           `json:"duration_seconds,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// RethinkAttempt is one re-prompt cycle recorded under a move.
type RethinkAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	PromptText    string    `json:"prompt_text"`
	RawResponse   string    `json:"raw_response"`
	ParsedMove    *string   `json:"parsed_move,omitempty"`
	WasLegal      bool      `json:"was_legal"`
	Timestamp     time.Time `json:"timestamp"`
}

// Move is one recorded ply. (GameID, MoveNumber, Player) is unique.
type Move struct {
	GameID     string    `json:"game_id"`
	MoveNumber int       `json:"move_number"`
	Player     int       `json:"player"`
	Timestamp  time.Time `json:"timestamp"`

	FENBefore  string   `json:"fen_before"`
	FENAfter   string   `json:"fen_after"`
	LegalMoves []string `json:"legal_moves,omitempty"`

	MoveSAN string `json:"move_san"`
	MoveUCI string `json:"move_uci"`
	IsLegal bool   `json:"is_legal"`

	PromptText      string  `json:"prompt_text"`
	RawResponse     string  `json:"raw_response"`
	ParsedMove      *string `json:"parsed_move,omitempty"`
	ParsingSuccess  bool    `json:"parsing_success"`
	ParsingAttempts int     `json:"parsing_attempts"`

	ThinkingTimeMS int64 `json:"thinking_time_ms"`
	APICallTimeMS  int64 `json:"api_call_time_ms"`
	ParsingTimeMS  int64 `json:"parsing_time_ms"`

	QualityScore *float64 `json:"quality_score,omitempty"`
	Blunder      bool     `json:"blunder"`
	ErrorType    *string  `json:"error_type,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`

	RethinkAttempts []RethinkAttempt `json:"rethink_attempts,omitempty"`
}

// PlayerStats is the per-player aggregate, keyed by player id. It is
// independent of games and survives game deletion.
type PlayerStats struct {
	PlayerID          string    `json:"player_id"`
	GamesPlayed       int       `json:"games_played"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	Draws             int       `json:"draws"`
	IllegalMoveRate   float64   `json:"illegal_move_rate"`
	AvgThinkingTimeMS float64   `json:"avg_thinking_time_ms"`
	ELORating         float64   `json:"elo_rating"`
	LastUpdated       time.Time `json:"last_updated"`
}

// ValidResult reports whether r is a known Result value.
func ValidResult(r Result) bool {
	switch r {
	case ResultWhiteWins, ResultBlackWins, ResultDraw, ResultOngoing:
		return true
	}
	return false
}

// ValidTermination reports whether t is a known Termination value.
func ValidTermination(t Termination) bool {
	switch t {
	case TermCheckmate, TermStalemate, TermResignation, TermTimeout,
		TermInsufficientMaterial, TermThreefoldRepetition, TermFiftyMoveRule, TermError:
		return true
	}
	return false
}

// Validate checks the outcome's internal consistency: the winner position
// must match the result.
func (o *Outcome) Validate() error {
	if !ValidResult(o.Result) {
		return fmt.Errorf("%w: %q", ErrInvalidResult, o.Result)
	}
	if o.Termination != "" && !ValidTermination(o.Termination) {
		return fmt.Errorf("%w: %q", ErrInvalidTermination, o.Termination)
	}
	switch o.Result {
	case ResultWhiteWins:
		if o.Winner == nil || *o.Winner != White {
			return fmt.Errorf("%w: white_wins requires winner=1", ErrInconsistentWinner)
		}
	case ResultBlackWins:
		if o.Winner == nil || *o.Winner != Black {
			return fmt.Errorf("%w: black_wins requires winner=0", ErrInconsistentWinner)
		}
	case ResultDraw:
		if o.Winner != nil {
			return fmt.Errorf("%w: draw must have no winner", ErrInconsistentWinner)
		}
	}
	return nil
}

// Validate enforces the game-level invariants.
func (g *Game) Validate() error {
	if g.ID == "" {
		return errors.New("game id is required")
	}
	if g.StartTime.IsZero() {
		return errors.New("start time is required")
	}
	if len(g.Players) != 2 {
		return ErrInvalidPlayers
	}
	for _, pos := range []int{Black, White} {
		p, ok := g.Players[pos]
		if !ok {
			return ErrInvalidPlayers
		}
		if p.PlayerID == "" {
			return fmt.Errorf("player at position %d has empty id", pos)
		}
	}
	if g.TotalMoves < 0 {
		return errors.New("total moves must be non-negative")
	}
	if g.EndTime != nil && g.EndTime.Before(g.StartTime) {
		return ErrEndBeforeStart
	}
	if g.Outcome != nil {
		if err := g.Outcome.Validate(); err != nil {
			return err
		}
		if g.Outcome.Result != ResultOngoing && g.EndTime == nil {
			return ErrMissingEndTime
		}
	}
	return nil
}

// Completed reports whether the game has a terminal outcome.
func (g *Game) Completed() bool {
	return g.Outcome != nil && g.Outcome.Result != ResultOngoing && g.EndTime != nil
}

// PositionOf returns the board position of the given player id, or -1.
func (g *Game) PositionOf(playerID string) int {
	for pos, p := range g.Players {
		if p.PlayerID == playerID {
			return pos
		}
	}
	return -1
}

// OpponentOf returns the PlayerInfo of the other seat, or false when
// playerID is not in the game.
func (g *Game) OpponentOf(playerID string) (PlayerInfo, bool) {
	pos := g.PositionOf(playerID)
	if pos < 0 {
		return PlayerInfo{}, false
	}
	opp, ok := g.Players[1-pos]
	return opp, ok
}

// Validate enforces the move-level invariants.
func (m *Move) Validate() error {
	if m.GameID == "" {
		return errors.New("move game id is required")
	}
	if m.MoveNumber < 1 {
		return errors.New("move number must be >= 1")
	}
	if m.Player != Black && m.Player != White {
		return errors.New("player must be 0 or 1")
	}
	if m.ThinkingTimeMS < 0 || m.APICallTimeMS < 0 || m.ParsingTimeMS < 0 {
		return ErrNegativeTiming
	}
	if m.ParsingAttempts < 1 {
		return errors.New("parsing attempts must be >= 1")
	}
	return ValidateRethinkNumbering(m.RethinkAttempts)
}

// ValidateRethinkNumbering checks that attempts are numbered 1..N in order.
func ValidateRethinkNumbering(attempts []RethinkAttempt) error {
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			return fmt.Errorf("%w: attempt %d has number %d", ErrBadRethinkNumber, i, a.AttemptNumber)
		}
	}
	return nil
}

// Validate enforces the aggregate invariants.
func (s *PlayerStats) Validate() error {
	if s.PlayerID == "" {
		return errors.New("player id is required")
	}
	if s.GamesPlayed < 0 || s.Wins < 0 || s.Losses < 0 || s.Draws < 0 {
		return errors.New("counters must be non-negative")
	}
	if s.Wins+s.Losses+s.Draws > s.GamesPlayed {
		return errors.New("wins+losses+draws exceeds games played")
	}
	if s.IllegalMoveRate < 0 || s.IllegalMoveRate > 1 {
		return errors.New("illegal move rate must be in [0,1]")
	}
	if s.AvgThinkingTimeMS < 0 {
		return errors.New("average thinking time must be non-negative")
	}
	if s.ELORating < 0 {
		return errors.New("elo rating must be non-negative")
	}
	return nil
}

// ScoreFor maps a result to the ELO score of the player at position pos:
// 1 for a win, 0.5 for a draw, 0 for a loss. Ongoing games score 0 and
// should be filtered out by the caller.
func ScoreFor(r Result, pos int) float64 {
	switch r {
	case ResultDraw:
		return 0.5
	case ResultWhiteWins:
		if pos == White {
			return 1
		}
		return 0
	case ResultBlackWins:
		if pos == Black {
			return 1
		}
		return 0
	}
	return 0
}
