package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arenalab/chess-telemetry/internal/adapters/sqlite"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

func setupStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	s := sqlite.New(filepath.Join(t.TempDir(), "telemetry.db"))
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(ctx) })
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func newTestGame(id string, start time.Time) *game.Game {
	return &game.Game{
		ID:        id,
		StartTime: start,
		Players: map[int]game.PlayerInfo{
			game.Black: {PlayerID: "claude", ModelName: "claude-3", ModelProvider: "anthropic", AgentType: game.AgentZeroShot},
			game.White: {PlayerID: "gpt", ModelName: "gpt-4", ModelProvider: "openai", AgentType: game.AgentRethink,
				AgentConfig: map[string]any{"max_rethinks": float64(3)}},
		},
		InitialFEN: game.InitialFEN,
		Metadata:   map[string]any{"arena": "test"},
	}
}

func newTestMove(gameID string, number, player int) *game.Move {
	return &game.Move{
		GameID:          gameID,
		MoveNumber:      number,
		Player:          player,
		Timestamp:       time.Now().UTC().Truncate(time.Millisecond),
		FENBefore:       game.InitialFEN,
		FENAfter:        "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1",
		LegalMoves:      []string{"e2e4", "d2d4"},
		MoveSAN:         "e4",
		MoveUCI:         "e2e4",
		IsLegal:         true,
		ParsingSuccess:  true,
		ParsingAttempts: 1,
		ThinkingTimeMS:  1200,
	}
}

func TestGameRoundtrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.CreateGame(ctx, newTestGame("g-1", start)); err != nil {
		t.Fatalf("create: %v", err)
	}

	g, err := s.GetGame(ctx, "g-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.Players[game.White].PlayerID != "gpt" || g.Players[game.Black].PlayerID != "claude" {
		t.Fatalf("players mismatch: %+v", g.Players)
	}
	if g.Players[game.White].AgentConfig["max_rethinks"] != float64(3) {
		t.Fatalf("agent config lost: %+v", g.Players[game.White].AgentConfig)
	}
	if g.Metadata["arena"] != "test" {
		t.Fatalf("metadata lost: %+v", g.Metadata)
	}
	if g.Outcome != nil || g.EndTime != nil {
		t.Fatalf("fresh game has terminal fields: %+v", g)
	}
}

func TestCreateGameDuplicate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	if err := s.CreateGame(ctx, newTestGame("g-1", start)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateGame(ctx, newTestGame("g-1", start)); !errors.Is(err, ports.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestGetGameNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.GetGame(context.Background(), "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateGameTerminalFields(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.CreateGame(ctx, newTestGame("g-1", start)); err != nil {
		t.Fatalf("create: %v", err)
	}

	end := start.Add(10 * time.Minute)
	err := s.UpdateGame(ctx, "g-1", map[string]any{
		"end_time":            end,
		"final_fen":           "8/8/8/8/8/5k2/7q/7K w - - 0 60",
		"outcome_result":      "black_wins",
		"outcome_winner":      game.Black,
		"outcome_termination": "checkmate",
		"total_moves":         60,
		"duration_seconds":    600.0,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	g, err := s.GetGame(ctx, "g-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !g.Completed() {
		t.Fatalf("game not completed after update: %+v", g)
	}
	if g.Outcome.Result != game.ResultBlackWins || g.Outcome.Winner == nil || *g.Outcome.Winner != game.Black {
		t.Fatalf("outcome mismatch: %+v", g.Outcome)
	}
	if g.TotalMoves != 60 {
		t.Fatalf("total moves = %d", g.TotalMoves)
	}

	if err := s.UpdateGame(ctx, "missing", map[string]any{"total_moves": 1}); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMoveRoundtripAndRethinks(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, newTestGame("g-1", time.Now().UTC())); err != nil {
		t.Fatalf("create game: %v", err)
	}

	parsed := "e2e4"
	m := newTestMove("g-1", 1, game.White)
	m.RethinkAttempts = []game.RethinkAttempt{
		{AttemptNumber: 1, PromptText: "try again", RawResponse: "Nf9", WasLegal: false, Timestamp: time.Now().UTC()},
		{AttemptNumber: 2, PromptText: "try again", RawResponse: "e4", ParsedMove: &parsed, WasLegal: true, Timestamp: time.Now().UTC()},
	}
	if _, err := s.InsertMove(ctx, m); err != nil {
		t.Fatalf("insert move: %v", err)
	}

	got, err := s.GetMove(ctx, "g-1", 1, game.White)
	if err != nil {
		t.Fatalf("get move: %v", err)
	}
	if got.MoveSAN != "e4" || !got.IsLegal {
		t.Fatalf("move mismatch: %+v", got)
	}
	if len(got.LegalMoves) != 2 {
		t.Fatalf("legal moves lost: %v", got.LegalMoves)
	}
	if len(got.RethinkAttempts) != 2 || !got.RethinkAttempts[1].WasLegal {
		t.Fatalf("rethinks mismatch: %+v", got.RethinkAttempts)
	}

	// Same identity tuple again is a duplicate.
	if _, err := s.InsertMove(ctx, newTestMove("g-1", 1, game.White)); !errors.Is(err, ports.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestListMovesOrdering(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, newTestGame("g-1", time.Now().UTC())); err != nil {
		t.Fatalf("create game: %v", err)
	}

	// Insert out of order.
	for _, mv := range [][2]int{{2, game.White}, {1, game.Black}, {1, game.White}, {2, game.Black}} {
		if _, err := s.InsertMove(ctx, newTestMove("g-1", mv[0], mv[1])); err != nil {
			t.Fatalf("insert %v: %v", mv, err)
		}
	}
	moves, err := s.ListMoves(ctx, "g-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := [][2]int{{1, game.Black}, {1, game.White}, {2, game.Black}, {2, game.White}}
	if len(moves) != len(want) {
		t.Fatalf("got %d moves", len(moves))
	}
	for i, w := range want {
		if moves[i].MoveNumber != w[0] || moves[i].Player != w[1] {
			t.Fatalf("position %d: got (%d,%d), want %v", i, moves[i].MoveNumber, moves[i].Player, w)
		}
	}
}

func TestAppendRethink(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, newTestGame("g-1", time.Now().UTC())); err != nil {
		t.Fatalf("create game: %v", err)
	}
	if _, err := s.InsertMove(ctx, newTestMove("g-1", 1, game.White)); err != nil {
		t.Fatalf("insert move: %v", err)
	}

	att := game.RethinkAttempt{AttemptNumber: 1, RawResponse: "Ke9", Timestamp: time.Now().UTC()}
	if err := s.AppendRethink(ctx, "g-1", 1, game.White, att); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendRethink(ctx, "g-1", 5, game.White, att); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("want ErrNotFound for missing move, got %v", err)
	}

	got, err := s.GetMove(ctx, "g-1", 1, game.White)
	if err != nil {
		t.Fatalf("get move: %v", err)
	}
	if len(got.RethinkAttempts) != 1 {
		t.Fatalf("rethink not stored: %+v", got.RethinkAttempts)
	}
}

func TestCascadeDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, newTestGame("g-1", time.Now().UTC())); err != nil {
		t.Fatalf("create game: %v", err)
	}
	m := newTestMove("g-1", 1, game.White)
	m.RethinkAttempts = []game.RethinkAttempt{{AttemptNumber: 1, Timestamp: time.Now().UTC()}}
	if _, err := s.InsertMove(ctx, m); err != nil {
		t.Fatalf("insert move: %v", err)
	}
	if err := s.UpsertPlayerStats(ctx, &game.PlayerStats{PlayerID: "gpt", ELORating: 1200, LastUpdated: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert stats: %v", err)
	}

	if err := s.DeleteGame(ctx, "g-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Games != 0 || st.Moves != 0 || st.RethinkAttempts != 0 {
		t.Fatalf("cascade incomplete: %+v", st)
	}
	// Player aggregates survive game deletion.
	if _, err := s.GetPlayerStats(ctx, "gpt"); err != nil {
		t.Fatalf("player stats gone after game delete: %v", err)
	}
}

func TestQueryGamesFilters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	tid := "t-1"
	g1 := newTestGame("g-1", base.Add(-2*time.Hour))
	g1.TournamentID = &tid
	g2 := newTestGame("g-2", base.Add(-1*time.Hour))
	g3 := newTestGame("g-3", base)
	g3.Players = map[int]game.PlayerInfo{
		game.Black: {PlayerID: "gemini", ModelName: "gemini-pro", AgentType: game.AgentZeroShot},
		game.White: {PlayerID: "gpt", ModelName: "gpt-4", AgentType: game.AgentZeroShot},
	}
	for _, g := range []*game.Game{g1, g2, g3} {
		if err := s.CreateGame(ctx, g); err != nil {
			t.Fatalf("create %s: %v", g.ID, err)
		}
	}
	if err := s.UpdateGame(ctx, "g-2", map[string]any{
		"end_time": base, "outcome_result": "draw", "outcome_termination": "stalemate",
	}); err != nil {
		t.Fatalf("complete g-2: %v", err)
	}

	// Tournament filter.
	got, err := s.QueryGames(ctx, ports.GameFilters{TournamentID: &tid}, 10, 0)
	if err != nil || len(got) != 1 || got[0].ID != "g-1" {
		t.Fatalf("tournament filter: %v %v", got, err)
	}

	// Player filter matches both seats.
	claude := "claude"
	n, err := s.CountGames(ctx, ports.GameFilters{PlayerID: &claude})
	if err != nil || n != 2 {
		t.Fatalf("player filter count = %d, %v", n, err)
	}

	// Pairing filter requires both players.
	got, err = s.QueryGames(ctx, ports.GameFilters{Players: []string{"gpt", "gemini"}}, 10, 0)
	if err != nil || len(got) != 1 || got[0].ID != "g-3" {
		t.Fatalf("pairing filter: %v %v", got, err)
	}

	// Result filter.
	draw := game.ResultDraw
	n, err = s.CountGames(ctx, ports.GameFilters{Result: &draw})
	if err != nil || n != 1 {
		t.Fatalf("result filter count = %d, %v", n, err)
	}

	// Time window.
	after := base.Add(-90 * time.Minute)
	got, err = s.QueryGames(ctx, ports.GameFilters{StartAfter: &after}, 10, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("time filter: %v %v", got, err)
	}

	// Newest first.
	got, err = s.QueryGames(ctx, ports.GameFilters{}, 10, 0)
	if err != nil || len(got) != 3 || got[0].ID != "g-3" {
		t.Fatalf("ordering: %v %v", got, err)
	}
}

func TestDeleteGamesBefore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateGame(ctx, newTestGame("old", now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.CreateGame(ctx, newTestGame("new", now)); err != nil {
		t.Fatalf("create new: %v", err)
	}

	n, err := s.DeleteGamesBefore(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("deleted %d, %v", n, err)
	}
	if _, err := s.GetGame(ctx, "old"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("old game survived: %v", err)
	}
	if _, err := s.GetGame(ctx, "new"); err != nil {
		t.Fatalf("new game lost: %v", err)
	}
}

func TestPlayerStatsUpsertAndList(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := &game.PlayerStats{PlayerID: "gpt", GamesPlayed: 1, Wins: 1, ELORating: 1216, LastUpdated: now}
	if err := s.UpsertPlayerStats(ctx, st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	st.GamesPlayed, st.Wins, st.ELORating = 2, 1, 1210
	if err := s.UpsertPlayerStats(ctx, st); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetPlayerStats(ctx, "gpt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GamesPlayed != 2 || got.ELORating != 1210 {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	if err := s.UpsertPlayerStats(ctx, &game.PlayerStats{PlayerID: "claude", ELORating: 1184, LastUpdated: now}); err != nil {
		t.Fatalf("upsert claude: %v", err)
	}
	all, err := s.ListPlayerStats(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v %v", all, err)
	}
	if all[0].PlayerID != "claude" {
		t.Fatalf("list not ordered: %+v", all)
	}
}

func TestListPlayerIDs(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.CreateGame(ctx, newTestGame("g-1", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpsertPlayerStats(ctx, &game.PlayerStats{PlayerID: "zeta", ELORating: 1200, LastUpdated: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ids, err := s.ListPlayerIDs(ctx)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	want := []string{"claude", "gpt", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i, w := range want {
		if ids[i] != w {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestNotConnected(t *testing.T) {
	s := sqlite.New(filepath.Join(t.TempDir(), "x.db"))
	if _, err := s.GetGame(context.Background(), "g"); !errors.Is(err, ports.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}
