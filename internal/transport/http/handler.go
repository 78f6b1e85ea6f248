package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/arenalab/chess-telemetry/internal/collector"
	"github.com/arenalab/chess-telemetry/internal/domain/game"
	"github.com/arenalab/chess-telemetry/internal/ports"
	"github.com/arenalab/chess-telemetry/internal/stats"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

// Handlers holds the read-API dependencies.
type Handlers struct {
	store   *storage.Manager
	engine  *stats.Engine
	col     *collector.Collector
	log     *logrus.Logger
	started time.Time
}

// NewHandlers wires the read API over the storage manager, stats engine and
// collector. col may be nil when the collector is disabled.
func NewHandlers(store *storage.Manager, engine *stats.Engine, col *collector.Collector, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	return &Handlers{
		store:   store,
		engine:  engine,
		col:     col,
		log:     log,
		started: time.Now().UTC(),
	}
}

// healthJSON is the /healthz document.
type healthJSON struct {
	Status        string             `json:"status"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Backend       ports.BackendStats `json:"backend"`
	Collector     *collector.Status  `json:"collector,omitempty"`
}

func (h *Handlers) handleHealthz(c echo.Context) error {
	bs, err := h.store.BackendStats(c.Request().Context())
	if err != nil {
		return writeErr(c, err)
	}
	doc := healthJSON{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		Backend:       bs,
	}
	if !bs.Connected {
		doc.Status = "degraded"
	}
	if h.col != nil {
		st := h.col.Status()
		doc.Collector = &st
	}
	return ok(c, doc)
}

func (h *Handlers) handleOverview(c echo.Context) error {
	ov, err := h.engine.ComputeOverview(c.Request().Context())
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, ov)
}

// gameListJSON is one row of the games listing.
type gameListJSON struct {
	Total int64       `json:"total"`
	Games []game.Game `json:"games"`
}

func (h *Handlers) handleListGames(c echo.Context) error {
	var f ports.GameFilters
	applied := map[string]string{}

	if v := c.QueryParam("tournament_id"); v != "" {
		f.TournamentID = &v
		applied["tournament_id"] = v
	}
	if v := c.QueryParam("player_id"); v != "" {
		f.PlayerID = &v
		applied["player_id"] = v
	}
	if v := c.QueryParam("result"); v != "" {
		r := game.Result(v)
		if !game.ValidResult(r) {
			return badRequest(c, "unknown result "+v)
		}
		f.Result = &r
		applied["result"] = v
	}
	if v := c.QueryParam("start_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "start_after must be RFC3339")
		}
		f.StartAfter = &t
		applied["start_after"] = v
	}
	if v := c.QueryParam("start_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "start_before must be RFC3339")
		}
		f.StartBefore = &t
		applied["start_before"] = v
	}

	limit := intParam(c, "limit", 50)
	offset := intParam(c, "offset", 0)
	if limit < 1 || limit > 500 {
		return badRequest(c, "limit must be in [1,500]")
	}

	ctx := c.Request().Context()
	games, err := h.store.QueryGames(ctx, f, limit, offset)
	if err != nil {
		return writeErr(c, err)
	}
	total, err := h.store.CountGames(ctx, f)
	if err != nil {
		return writeErr(c, err)
	}
	return okFiltered(c, gameListJSON{Total: total, Games: games}, applied)
}

// gameDetailJSON is the full game with its move record.
type gameDetailJSON struct {
	Game  *game.Game  `json:"game"`
	Moves []game.Move `json:"moves"`
}

func (h *Handlers) handleGetGame(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("game_id")
	g, err := h.store.GetGame(ctx, id)
	if err != nil {
		return writeErr(c, err)
	}
	moves, err := h.store.GetMoves(ctx, id, 0)
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, gameDetailJSON{Game: g, Moves: moves})
}

func (h *Handlers) handleGameIntegrity(c echo.Context) error {
	rep, err := h.store.ValidateMoveIntegrity(c.Request().Context(), c.Param("game_id"))
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, rep)
}

func (h *Handlers) handleLeaderboard(c echo.Context) error {
	sortBy := c.QueryParam("sort_by")
	minGames := intParam(c, "min_games", 0)
	limit := intParam(c, "limit", 50)
	entries, err := h.engine.Leaderboard(c.Request().Context(), sortBy, minGames, limit)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return ok(c, entries)
}

func (h *Handlers) handlePlayerStats(c echo.Context) error {
	st, err := h.engine.ComputePlayerStatistics(c.Request().Context(), c.Param("player_id"))
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, st)
}

func (h *Handlers) handlePlayerTrends(c echo.Context) error {
	days := intParam(c, "days", 30)
	rep, err := h.engine.PlayerTrends(c.Request().Context(), c.Param("player_id"), days)
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, rep)
}

func (h *Handlers) handlePlayerReport(c echo.Context) error {
	rep, err := h.engine.ComputePlayerReport(c.Request().Context(), c.Param("player_id"))
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, rep)
}

func (h *Handlers) handleHeadToHead(c echo.Context) error {
	a := c.QueryParam("player_a")
	b := c.QueryParam("player_b")
	if a == "" || b == "" || a == b {
		return badRequest(c, "player_a and player_b must be two distinct player ids")
	}
	rep, err := h.engine.HeadToHead(c.Request().Context(), a, b)
	if err != nil {
		return writeErr(c, err)
	}
	return ok(c, rep)
}

func (h *Handlers) handleCollectorStatus(c echo.Context) error {
	if h.col == nil {
		return ok(c, collector.Status{Enabled: false})
	}
	return ok(c, h.col.Status())
}

func intParam(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
