package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New constructs and returns a configured Echo instance.
func New(h *Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/api/v1/healthz", h.handleHealthz)
	e.GET("/api/v1/overview", h.handleOverview)
	e.GET("/api/v1/games", h.handleListGames)
	e.GET("/api/v1/games/:game_id", h.handleGetGame)
	e.GET("/api/v1/games/:game_id/integrity", h.handleGameIntegrity)
	e.GET("/api/v1/leaderboard", h.handleLeaderboard)
	e.GET("/api/v1/players/:player_id/stats", h.handlePlayerStats)
	e.GET("/api/v1/players/:player_id/report", h.handlePlayerReport)
	e.GET("/api/v1/players/:player_id/trends", h.handlePlayerTrends)
	e.GET("/api/v1/headtohead", h.handleHeadToHead)
	e.GET("/api/v1/collector", h.handleCollectorStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
