package stats

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// recentGameCount bounds the recent-performance list.
const recentGameCount = 10

// RatingPoint is the player's rating after one completed game.
type RatingPoint struct {
	GameID    string    `json:"game_id"`
	Timestamp time.Time `json:"timestamp"`
	Rating    float64   `json:"rating"`
}

// GameSummary is one completed game from the player's point of view.
type GameSummary struct {
	GameID   string      `json:"game_id"`
	EndTime  time.Time   `json:"end_time"`
	Result   game.Result `json:"result"`
	Score    float64     `json:"score"`
	Opponent string      `json:"opponent"`
}

// Streak is a run of identical outcomes ending at the player's latest game.
type Streak struct {
	Kind   string `json:"kind"` // win | loss | draw | none
	Length int    `json:"length"`
}

// RecentPerformance covers the player's last games, most recent first.
type RecentPerformance struct {
	LastGames        []GameSummary `json:"last_games"`
	CurrentStreak    Streak        `json:"current_streak"`
	LongestWinStreak int           `json:"longest_win_streak"`
}

// OpponentAnalysis aggregates the ratings of the opposition faced, weighted
// per game.
type OpponentAnalysis struct {
	AvgOpponentRating float64 `json:"avg_opponent_rating"`
	MaxOpponentRating float64 `json:"max_opponent_rating"`
	MinOpponentRating float64 `json:"min_opponent_rating"`
}

// DataQuality grades how much of the player's record backs the aggregates.
// Completeness is the share of completed games with move data,
// OutcomeCoverage the share of games with a terminal outcome, and Confidence
// the lower of the two. Excluded histograms the games left out of the
// aggregates by reason.
type DataQuality struct {
	Completeness    float64        `json:"completeness"`
	OutcomeCoverage float64        `json:"outcome_coverage"`
	Confidence      float64        `json:"confidence"`
	Excluded        map[string]int `json:"excluded,omitempty"`
}

// PlayerReport is the full per-player statistics document: the stored-style
// aggregate plus rating trajectory, recent form, opposition strength and
// data quality.
type PlayerReport struct {
	Stats         game.PlayerStats  `json:"stats"`
	RatingHistory []RatingPoint     `json:"rating_history"`
	PeakRating    float64           `json:"peak_rating"`
	Recent        RecentPerformance `json:"recent"`
	Opponents     OpponentAnalysis  `json:"opponents"`
	Quality       DataQuality       `json:"quality"`
}

// ComputePlayerReport builds the full report for one player. Results are
// cached per player and invalidated on game completion.
func (e *Engine) ComputePlayerReport(ctx context.Context, playerID string) (*PlayerReport, error) {
	key := "player_report:" + playerID
	if v, ok := e.cache.Get(key); ok {
		rep := v.(PlayerReport)
		return &rep, nil
	}

	st, err := e.computePlayerStats(ctx, playerID)
	if err != nil {
		return nil, err
	}
	rep := &PlayerReport{Stats: *st}

	var all []game.Game
	err = e.forEachGame(ctx, ports.GameFilters{PlayerID: &playerID}, func(g *game.Game) error {
		all = append(all, *g)
		return nil
	})
	if err != nil {
		return nil, err
	}

	excluded := map[string]int{}
	var completed []game.Game
	for i := range all {
		if !all[i].Completed() {
			excluded["ongoing"]++
			continue
		}
		completed = append(completed, all[i])
	}
	sortByEnd(completed)

	withMoves := 0
	for i := range completed {
		moves, err := e.store.GetMoves(ctx, completed[i].ID, 1)
		if err != nil {
			return nil, err
		}
		if len(moves) == 0 {
			excluded["no_move_data"]++
			continue
		}
		withMoves++
	}

	rep.Recent = recentPerformance(completed, playerID)

	if err := e.opponentAnalysis(ctx, completed, playerID, &rep.Opponents); err != nil {
		return nil, err
	}

	hist, err := e.ratingHistory(ctx, playerID)
	if err != nil {
		return nil, err
	}
	rep.RatingHistory = hist
	rep.PeakRating = st.ELORating
	for _, p := range hist {
		if p.Rating > rep.PeakRating {
			rep.PeakRating = p.Rating
		}
	}

	if n := len(all); n > 0 {
		rep.Quality.OutcomeCoverage = float64(len(completed)) / float64(n)
	}
	if n := len(completed); n > 0 {
		rep.Quality.Completeness = float64(withMoves) / float64(n)
	}
	rep.Quality.Confidence = math.Min(rep.Quality.Completeness, rep.Quality.OutcomeCoverage)
	if len(excluded) > 0 {
		rep.Quality.Excluded = excluded
	}

	e.cache.Put(key, *rep, e.cfg.CacheTTL, tagPlayer(playerID))
	return rep, nil
}

// recentPerformance derives the last-games list and the streaks from the
// chronologically sorted completed games.
func recentPerformance(completed []game.Game, playerID string) RecentPerformance {
	rp := RecentPerformance{CurrentStreak: Streak{Kind: "none"}}

	run := 0
	for i := range completed {
		pos := completed[i].PositionOf(playerID)
		if game.ScoreFor(completed[i].Outcome.Result, pos) == 1 {
			run++
			if run > rp.LongestWinStreak {
				rp.LongestWinStreak = run
			}
		} else {
			run = 0
		}
	}

	for i := len(completed) - 1; i >= 0 && len(rp.LastGames) < recentGameCount; i-- {
		g := &completed[i]
		pos := g.PositionOf(playerID)
		sum := GameSummary{
			GameID:  g.ID,
			EndTime: *g.EndTime,
			Result:  g.Outcome.Result,
			Score:   game.ScoreFor(g.Outcome.Result, pos),
		}
		if opp, ok := g.OpponentOf(playerID); ok {
			sum.Opponent = opp.PlayerID
		}
		rp.LastGames = append(rp.LastGames, sum)
	}

	if n := len(completed); n > 0 {
		pos := completed[n-1].PositionOf(playerID)
		kind := scoreKind(game.ScoreFor(completed[n-1].Outcome.Result, pos))
		length := 0
		for i := n - 1; i >= 0; i-- {
			pos := completed[i].PositionOf(playerID)
			if scoreKind(game.ScoreFor(completed[i].Outcome.Result, pos)) != kind {
				break
			}
			length++
		}
		rp.CurrentStreak = Streak{Kind: kind, Length: length}
	}
	return rp
}

func scoreKind(score float64) string {
	switch score {
	case 1:
		return "win"
	case 0.5:
		return "draw"
	default:
		return "loss"
	}
}

// opponentAnalysis aggregates the current ratings of the opposition faced,
// one sample per completed game.
func (e *Engine) opponentAnalysis(ctx context.Context, completed []game.Game, playerID string, out *OpponentAnalysis) error {
	known := map[string]float64{}
	n := 0
	var sum float64
	for i := range completed {
		opp, ok := completed[i].OpponentOf(playerID)
		if !ok {
			continue
		}
		r, cached := known[opp.PlayerID]
		if !cached {
			var err error
			r, err = e.currentRating(ctx, opp.PlayerID)
			if err != nil {
				return err
			}
			known[opp.PlayerID] = r
		}
		n++
		sum += r
		if n == 1 || r > out.MaxOpponentRating {
			out.MaxOpponentRating = r
		}
		if n == 1 || r < out.MinOpponentRating {
			out.MinOpponentRating = r
		}
	}
	if n > 0 {
		out.AvgOpponentRating = sum / float64(n)
	}
	return nil
}

// ratingHistory reconstructs the player's per-game rating trajectory.
// Ratings are not stored per game, so every completed game is replayed in
// end-time order with the same update the completion hook applies.
func (e *Engine) ratingHistory(ctx context.Context, playerID string) ([]RatingPoint, error) {
	var completed []game.Game
	err := e.forEachGame(ctx, ports.GameFilters{}, func(g *game.Game) error {
		if g.Completed() {
			completed = append(completed, *g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByEnd(completed)

	ratings := map[string]float64{}
	rating := func(id string) float64 {
		if r, ok := ratings[id]; ok {
			return r
		}
		return e.cfg.DefaultRating
	}

	var hist []RatingPoint
	for i := range completed {
		g := &completed[i]
		white := g.Players[game.White].PlayerID
		black := g.Players[game.Black].PlayerID
		nw, nb := e.elo.Update(rating(white), rating(black), game.ScoreFor(g.Outcome.Result, game.White))
		ratings[white], ratings[black] = nw, nb
		if pos := g.PositionOf(playerID); pos >= 0 {
			hist = append(hist, RatingPoint{
				GameID:    g.ID,
				Timestamp: *g.EndTime,
				Rating:    ratings[g.Players[pos].PlayerID],
			})
		}
	}
	return hist, nil
}

// sortByEnd orders completed games chronologically, ties broken by game id
// for determinism.
func sortByEnd(gs []game.Game) {
	sort.Slice(gs, func(i, j int) bool {
		ti, tj := *gs[i].EndTime, *gs[j].EndTime
		if ti.Equal(tj) {
			return gs[i].ID < gs[j].ID
		}
		return ti.Before(tj)
	})
}
