package stats

import (
	"context"
	"sort"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// HeadToHeadGame summarizes one completed game of the pairing.
type HeadToHeadGame struct {
	GameID          string      `json:"game_id"`
	StartTime       time.Time   `json:"start_time"`
	Result          game.Result `json:"result"`
	WinnerPosition  *int        `json:"winner_position,omitempty"`
	PlayerAColor    string      `json:"player_a_color"`
	PlayerBColor    string      `json:"player_b_color"`
	TotalMoves      int         `json:"total_moves"`
	DurationMinutes float64     `json:"duration_minutes"`
}

// HeadToHeadReport summarizes the record between two players over their
// completed games against each other, with per-game summaries most recent
// first.
type HeadToHeadReport struct {
	PlayerA    string           `json:"player_a"`
	PlayerB    string           `json:"player_b"`
	TotalGames int              `json:"total_games"`
	AWins      int              `json:"a_wins"`
	BWins      int              `json:"b_wins"`
	Draws      int              `json:"draws"`
	AWinRate   float64          `json:"a_win_rate"`
	BWinRate   float64          `json:"b_win_rate"`
	DrawRate   float64          `json:"draw_rate"`
	LastPlayed *time.Time       `json:"last_played,omitempty"`
	Games      []HeadToHeadGame `json:"games,omitempty"`
}

func colorName(pos int) string {
	if pos == game.White {
		return "white"
	}
	return "black"
}

// HeadToHead computes the record of playerA against playerB. The report is
// directional only in labeling; swapping the arguments mirrors the counts.
func (e *Engine) HeadToHead(ctx context.Context, playerA, playerB string) (*HeadToHeadReport, error) {
	key := "h2h:" + playerA + "|" + playerB
	if v, ok := e.cache.Get(key); ok {
		rep := v.(HeadToHeadReport)
		return &rep, nil
	}

	rep := &HeadToHeadReport{PlayerA: playerA, PlayerB: playerB}
	f := ports.GameFilters{Players: []string{playerA, playerB}}
	err := e.forEachGame(ctx, f, func(g *game.Game) error {
		if !g.Completed() {
			return nil
		}
		posA := g.PositionOf(playerA)
		posB := g.PositionOf(playerB)
		if posA < 0 || posB < 0 || posA == posB {
			return nil
		}
		rep.TotalGames++
		switch game.ScoreFor(g.Outcome.Result, posA) {
		case 1:
			rep.AWins++
		case 0.5:
			rep.Draws++
		default:
			rep.BWins++
		}
		if rep.LastPlayed == nil || g.EndTime.After(*rep.LastPlayed) {
			t := *g.EndTime
			rep.LastPlayed = &t
		}

		sum := HeadToHeadGame{
			GameID:       g.ID,
			StartTime:    g.StartTime,
			Result:       g.Outcome.Result,
			PlayerAColor: colorName(posA),
			PlayerBColor: colorName(posB),
			TotalMoves:   g.TotalMoves,
		}
		if g.Outcome.Winner != nil {
			w := *g.Outcome.Winner
			sum.WinnerPosition = &w
		}
		if g.Duration != nil {
			sum.DurationMinutes = *g.Duration / 60
		}
		rep.Games = append(rep.Games, sum)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rep.TotalGames > 0 {
		rep.AWinRate = float64(rep.AWins) / float64(rep.TotalGames)
		rep.BWinRate = float64(rep.BWins) / float64(rep.TotalGames)
		rep.DrawRate = float64(rep.Draws) / float64(rep.TotalGames)
	}
	sort.Slice(rep.Games, func(i, j int) bool {
		return rep.Games[i].StartTime.After(rep.Games[j].StartTime)
	})

	e.cache.Put(key, *rep, e.cfg.CacheTTL, tagPlayer(playerA), tagPlayer(playerB))
	return rep, nil
}
