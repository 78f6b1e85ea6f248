package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
)

// TrendBucket aggregates one UTC calendar day of a player's completed games.
type TrendBucket struct {
	Date               string  `json:"date"` // YYYY-MM-DD
	Games              int     `json:"games"`
	Wins               int     `json:"wins"`
	Losses             int     `json:"losses"`
	Draws              int     `json:"draws"`
	WinRate            float64 `json:"win_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// TrendReport is the player's daily performance over the trailing window.
// Days without completed games carry no bucket.
type TrendReport struct {
	PlayerID string        `json:"player_id"`
	Days     int           `json:"days"`
	Buckets  []TrendBucket `json:"buckets"`
}

// PlayerTrends buckets the player's completed games from the last days by
// end date, with per-day win/loss/draw counts and average game duration.
func (e *Engine) PlayerTrends(ctx context.Context, playerID string, days int) (*TrendReport, error) {
	if days < 1 {
		days = 30
	}
	key := fmt.Sprintf("trends:%s:%d", playerID, days)
	if v, ok := e.cache.Get(key); ok {
		rep := v.(TrendReport)
		return &rep, nil
	}

	type agg struct {
		TrendBucket
		durSum float64
		durN   int
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	byDay := map[string]*agg{}

	err := e.forEachGame(ctx, ports.GameFilters{PlayerID: &playerID}, func(g *game.Game) error {
		if !g.Completed() || g.EndTime.Before(cutoff) {
			return nil
		}
		pos := g.PositionOf(playerID)
		if pos < 0 {
			return nil
		}
		day := g.EndTime.UTC().Format("2006-01-02")
		b := byDay[day]
		if b == nil {
			b = &agg{TrendBucket: TrendBucket{Date: day}}
			byDay[day] = b
		}
		b.Games++
		switch game.ScoreFor(g.Outcome.Result, pos) {
		case 1:
			b.Wins++
		case 0.5:
			b.Draws++
		default:
			b.Losses++
		}
		if g.Duration != nil {
			b.durSum += *g.Duration
			b.durN++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rep := &TrendReport{PlayerID: playerID, Days: days}
	for _, b := range byDay {
		b.WinRate = (float64(b.Wins) + 0.5*float64(b.Draws)) / float64(b.Games)
		if b.durN > 0 {
			b.AvgDurationSeconds = b.durSum / float64(b.durN)
		}
		rep.Buckets = append(rep.Buckets, b.TrendBucket)
	}
	sort.Slice(rep.Buckets, func(i, j int) bool {
		return rep.Buckets[i].Date < rep.Buckets[j].Date
	})

	e.cache.Put(key, *rep, e.cfg.CacheTTL, tagPlayer(playerID))
	return rep, nil
}
