package collector

import (
	"context"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
)

// The Record* methods are the producer surface of the pipeline: each builds
// the event for one harness occurrence and submits it. They report whether
// the event was accepted, with the same non-blocking semantics as Submit.

// RecordGameStart announces a new game.
func (c *Collector) RecordGameStart(ctx context.Context, g game.Game) (bool, error) {
	return c.Submit(ctx, Event{
		Kind:    KindGameStart,
		GameID:  g.ID,
		Payload: GameStartPayload{Game: g},
	})
}

// RecordMove records one played ply.
func (c *Collector) RecordMove(ctx context.Context, gameID string, m game.Move) (bool, error) {
	return c.Submit(ctx, Event{
		Kind:    KindMoveMade,
		GameID:  gameID,
		Payload: MovePayload{Move: m},
	})
}

// RecordGameEnd closes a game with its outcome.
func (c *Collector) RecordGameEnd(ctx context.Context, gameID string, outcome game.Outcome, finalFEN string, totalMoves int) (bool, error) {
	return c.Submit(ctx, Event{
		Kind:   KindGameEnd,
		GameID: gameID,
		Payload: GameEndPayload{
			Outcome:    outcome,
			FinalFEN:   finalFEN,
			TotalMoves: totalMoves,
		},
	})
}

// RecordRethinkAttempt records one re-prompt cycle for a move. When rethink
// collection is disabled the event is skipped before it reaches the queue.
func (c *Collector) RecordRethinkAttempt(ctx context.Context, gameID string, moveNumber, player int, att game.RethinkAttempt) (bool, error) {
	return c.Submit(ctx, Event{
		Kind:   KindRethink,
		GameID: gameID,
		Payload: RethinkPayload{
			MoveNumber: moveNumber,
			Player:     player,
			Attempt:    att,
		},
	})
}

// RecordError records a harness-side failure for diagnostics.
func (c *Collector) RecordError(ctx context.Context, gameID, errorType, message string, details map[string]any) (bool, error) {
	return c.Submit(ctx, Event{
		Kind:   KindError,
		GameID: gameID,
		Payload: ErrorPayload{
			ErrorType: errorType,
			Message:   message,
			Context:   details,
		},
	})
}
