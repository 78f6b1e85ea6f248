package collector

import (
	"errors"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
)

// Kind identifies an event on the collection queue.
type Kind string

const (
	KindGameStart Kind = "game_start"
	KindMoveMade  Kind = "move_made"
	KindGameEnd   Kind = "game_end"
	KindRethink   Kind = "rethink_attempt"
	KindError     Kind = "error_occurred"
)

var errUnknownKind = errors.New("unknown event kind")

// Event is one queued telemetry record. Payload holds the kind-specific
// struct below.
type Event struct {
	ID        string
	Kind      Kind
	GameID    string
	Timestamp time.Time
	Payload   any

	retries int
}

// GameStartPayload announces a new game.
type GameStartPayload struct {
	Game game.Game
}

// MovePayload carries one recorded ply.
type MovePayload struct {
	Move game.Move
}

// GameEndPayload closes a game.
type GameEndPayload struct {
	Outcome    game.Outcome
	FinalFEN   string
	TotalMoves int
}

// RethinkPayload carries one re-prompt cycle for a move.
type RethinkPayload struct {
	MoveNumber int
	Player     int
	Attempt    game.RethinkAttempt
}

// ErrorPayload records a harness-side failure for diagnostics only.
type ErrorPayload struct {
	ErrorType string
	Message   string
	Context   map[string]any
}

// validate checks that the event carries the payload its kind requires.
func (e *Event) validate() error {
	if e.GameID == "" && e.Kind != KindError {
		return errors.New("event game id is required")
	}
	switch e.Kind {
	case KindGameStart:
		if _, ok := e.Payload.(GameStartPayload); !ok {
			return errors.New("game_start event requires a GameStartPayload")
		}
	case KindMoveMade:
		p, ok := e.Payload.(MovePayload)
		if !ok {
			return errors.New("move_made event requires a MovePayload")
		}
		if p.Move.MoveNumber < 1 {
			return errors.New("move event missing move number")
		}
		if p.Move.FENBefore == "" || p.Move.FENAfter == "" {
			return errors.New("move event missing position snapshots")
		}
	case KindGameEnd:
		if _, ok := e.Payload.(GameEndPayload); !ok {
			return errors.New("game_end event requires a GameEndPayload")
		}
	case KindRethink:
		if _, ok := e.Payload.(RethinkPayload); !ok {
			return errors.New("rethink event requires a RethinkPayload")
		}
	case KindError:
		if _, ok := e.Payload.(ErrorPayload); !ok {
			return errors.New("error event requires an ErrorPayload")
		}
	default:
		return errUnknownKind
	}
	return nil
}
