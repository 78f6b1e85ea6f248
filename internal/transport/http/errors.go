package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arenalab/chess-telemetry/internal/ports"
	"github.com/arenalab/chess-telemetry/internal/storage"
)

// envelope is the uniform response wrapper.
type envelope struct {
	Success        bool      `json:"success"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data,omitempty"`
	Error          string    `json:"error,omitempty"`
	FiltersApplied any       `json:"filters_applied,omitempty"`
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, envelope{
		Success:   true,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func okFiltered(c echo.Context, data, filters any) error {
	return c.JSON(http.StatusOK, envelope{
		Success:        true,
		Timestamp:      time.Now().UTC(),
		Data:           data,
		FiltersApplied: filters,
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, envelope{
		Success:   false,
		Timestamp: time.Now().UTC(),
		Error:     msg,
	})
}

// writeErr maps storage and validation errors to status codes.
func writeErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ports.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, ports.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.JSON(status, envelope{
		Success:   false,
		Timestamp: time.Now().UTC(),
		Error:     msg,
	})
}
