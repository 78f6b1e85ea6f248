package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenalab/chess-telemetry/internal/adapters/sqlite"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

func newManager(t *testing.T) *storage.Manager {
	t.Helper()
	ctx := context.Background()

	s := sqlite.New(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, s.InitSchema(ctx))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return storage.NewManager(s, log)
}

func testGame(id string) *game.Game {
	return &game.Game{
		ID:        id,
		StartTime: time.Now().UTC().Add(-10 * time.Minute),
		Players: map[int]game.PlayerInfo{
			game.Black: {PlayerID: "claude", ModelName: "claude-3", AgentType: game.AgentZeroShot},
			game.White: {PlayerID: "gpt", ModelName: "gpt-4", AgentType: game.AgentRethink},
		},
		InitialFEN: game.InitialFEN,
	}
}

func testMove(gameID string, number, player int) *game.Move {
	return &game.Move{
		GameID:          gameID,
		MoveNumber:      number,
		Player:          player,
		Timestamp:       time.Now().UTC(),
		FENBefore:       game.InitialFEN,
		FENAfter:        "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1",
		MoveSAN:         "e4",
		MoveUCI:         "e2e4",
		IsLegal:         true,
		ParsingSuccess:  true,
		ParsingAttempts: 1,
		ThinkingTimeMS:  900,
	}
}

func TestCreateGameValidation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.CreateGame(ctx, nil)
	assert.True(t, storage.IsValidation(err))

	g := testGame("g-1")
	delete(g.Players, game.White)
	_, err = m.CreateGame(ctx, g)
	assert.True(t, storage.IsValidation(err))

	id, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)
	assert.Equal(t, "g-1", id)
}

func TestCompleteGame(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	var hooked *game.Game
	m.OnGameCompleted(func(_ context.Context, g *game.Game) error {
		hooked = g
		return nil
	})

	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	w := game.White
	outcome := game.Outcome{Result: game.ResultWhiteWins, Winner: &w, Termination: game.TermCheckmate}
	require.NoError(t, m.CompleteGame(ctx, "g-1", outcome, "final-fen", 42))

	g, err := m.GetGame(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.Completed())
	assert.Equal(t, game.ResultWhiteWins, g.Outcome.Result)
	assert.Equal(t, 42, g.TotalMoves)
	require.NotNil(t, g.Duration)
	assert.Greater(t, *g.Duration, 0.0)
	require.NotNil(t, g.EndTime)
	assert.False(t, g.EndTime.Before(g.StartTime))

	require.NotNil(t, hooked, "completion hook not invoked")
	assert.Equal(t, "g-1", hooked.ID)
	assert.True(t, hooked.Completed())
}

func TestCompleteGameHookFailureDoesNotUndoCommit(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	m.OnGameCompleted(func(context.Context, *game.Game) error {
		return assert.AnError
	})

	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	outcome := game.Outcome{Result: game.ResultDraw, Termination: game.TermStalemate}
	require.NoError(t, m.CompleteGame(ctx, "g-1", outcome, "fen", 10))

	g, err := m.GetGame(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.Completed())
}

func TestCompleteGameRejectsInconsistentOutcome(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	b := game.Black
	outcome := game.Outcome{Result: game.ResultWhiteWins, Winner: &b, Termination: game.TermCheckmate}
	err = m.CompleteGame(ctx, "g-1", outcome, "fen", 10)
	assert.True(t, storage.IsValidation(err))
}

func TestAddMovesBatchSkipsBadMove(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	bad := *testMove("g-1", 2, game.White)
	bad.ThinkingTimeMS = -5
	moves := []game.Move{
		*testMove("g-1", 1, game.White),
		bad,
		*testMove("g-1", 1, game.Black),
	}
	n, err := m.AddMovesBatch(ctx, moves)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := m.GetMoves(ctx, "g-1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOrphanRethinkBufferedUntilMoveArrives(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	// Rethink arrives before its parent move: buffered, not an error.
	att := game.RethinkAttempt{AttemptNumber: 1, RawResponse: "Qh9", Timestamp: time.Now().UTC()}
	require.NoError(t, m.AddRethinkAttempt(ctx, "g-1", 3, game.White, att))

	mv, err := m.GetMove(ctx, "g-1", 3, game.White)
	assert.True(t, storage.IsNotFound(err))
	assert.Nil(t, mv)

	// The move lands and picks the buffered attempt up.
	require.NoError(t, m.AddMove(ctx, testMove("g-1", 3, game.White)))
	mv, err = m.GetMove(ctx, "g-1", 3, game.White)
	require.NoError(t, err)
	require.Len(t, mv.RethinkAttempts, 1)
	assert.Equal(t, 1, mv.RethinkAttempts[0].AttemptNumber)
	assert.Equal(t, "Qh9", mv.RethinkAttempts[0].RawResponse)
}

func TestGetMovesFiltered(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	legal := testMove("g-1", 1, game.White)
	illegal := testMove("g-1", 1, game.Black)
	illegal.IsLegal = false
	illegal.ParsingSuccess = false
	slow := testMove("g-1", 2, game.White)
	slow.ThinkingTimeMS = 30000
	slow.Blunder = true
	slow.RethinkAttempts = []game.RethinkAttempt{{AttemptNumber: 1, Timestamp: time.Now().UTC()}}
	for _, mv := range []*game.Move{legal, illegal, slow} {
		require.NoError(t, m.AddMove(ctx, mv))
	}

	tr, fa := true, false
	got, err := m.GetMovesFiltered(ctx, "g-1", storage.MoveFilters{IsLegal: &fa})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, game.Black, got[0].Player)

	got, err = m.GetMovesFiltered(ctx, "g-1", storage.MoveFilters{HasRethink: &tr})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2, got[0].MoveNumber)

	min := int64(10000)
	white := game.White
	got, err = m.GetMovesFiltered(ctx, "g-1", storage.MoveFilters{MinThinkingMS: &min, Player: &white, Blunder: &tr})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// AND composition: no move is both illegal and a blunder.
	got, err = m.GetMovesFiltered(ctx, "g-1", storage.MoveFilters{IsLegal: &fa, Blunder: &tr})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateMoveIntegrity(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	require.NoError(t, m.AddMove(ctx, testMove("g-1", 1, game.White)))
	require.NoError(t, m.AddMove(ctx, testMove("g-1", 1, game.Black)))
	require.NoError(t, m.AddMove(ctx, testMove("g-1", 2, game.White)))

	rep, err := m.ValidateMoveIntegrity(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, rep.IsValid, "errors: %v", rep.Errors)
	assert.Equal(t, 3, rep.TotalMoves)
	assert.Equal(t, 2, rep.WhiteMoves)

	// A gap in the numbering is an error.
	require.NoError(t, m.AddMove(ctx, testMove("g-1", 4, game.White)))
	rep, err = m.ValidateMoveIntegrity(ctx, "g-1")
	require.NoError(t, err)
	assert.False(t, rep.IsValid)
	assert.NotEmpty(t, rep.Errors)
}

func TestIntegrityFlagsBadFEN(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	mv := testMove("g-1", 1, game.White)
	mv.FENAfter = "not a position"
	require.NoError(t, m.AddMove(ctx, mv))

	rep, err := m.ValidateMoveIntegrity(ctx, "g-1")
	require.NoError(t, err)
	assert.False(t, rep.IsValid)
}

func TestUpdateGameFieldValidation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)

	err = m.UpdateGame(ctx, "g-1", map[string]any{"outcome_result": "white_win"})
	assert.True(t, storage.IsValidation(err))

	err = m.UpdateGame(ctx, "g-1", map[string]any{"total_moves": -1})
	assert.True(t, storage.IsValidation(err))
}

func TestUpdateGameRejectsEndBeforeStart(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	g := testGame("g-1")
	_, err := m.CreateGame(ctx, g)
	require.NoError(t, err)

	err = m.UpdateGame(ctx, "g-1", map[string]any{"end_time": g.StartTime.Add(-time.Hour)})
	assert.True(t, storage.IsValidation(err))

	err = m.UpdateGame(ctx, "g-1", map[string]any{"end_time": "not a time"})
	assert.True(t, storage.IsValidation(err))

	require.NoError(t, m.UpdateGame(ctx, "g-1", map[string]any{"end_time": g.StartTime.Add(time.Hour)}))
	got, err := m.GetGame(ctx, "g-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.False(t, got.EndTime.Before(got.StartTime))
}

func TestDeleteGamePreservesPlayerStats(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.CreateGame(ctx, testGame("g-1"))
	require.NoError(t, err)
	require.NoError(t, m.UpdatePlayerStats(ctx, &game.PlayerStats{
		PlayerID: "gpt", GamesPlayed: 1, Wins: 1, ELORating: 1216, LastUpdated: time.Now().UTC(),
	}))

	require.NoError(t, m.DeleteGame(ctx, "g-1"))

	st, err := m.GetPlayerStats(ctx, "gpt")
	require.NoError(t, err)
	assert.Equal(t, 1216.0, st.ELORating)
}

func TestShutdownWaitsAndCloses(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Shutdown(ctx))
	assert.False(t, m.Backend().Connected())
}
