package handlers

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/models"
)

// RunsHandler exposes the ingestion run audit trail to tenant admins.
type RunsHandler struct {
	runs       repositories.SourceRunRepo
	staleAfter time.Duration
	now        func() time.Time
	logger     ectologger.Logger
}

func NewRunsHandler(runs repositories.SourceRunRepo, staleAfter time.Duration, logger ectologger.Logger) *RunsHandler {
	return &RunsHandler{
		runs:       runs,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.GET("/connections/:id/runs", h.ListByConnection)
	g.GET("/runs/stale", h.ListStale)
}

type RunListResponse struct {
	Runs  []models.SourceRun `json:"runs"`
	Count int                `json:"count"`
}

func newRunListResponse(runs []models.SourceRun) RunListResponse {
	if runs == nil {
		runs = []models.SourceRun{}
	}
	return RunListResponse{Runs: runs, Count: len(runs)}
}

// ListByConnection returns the most recent runs of a connection
// GET /api/v1/connections/:id/runs?limit=
func (h *RunsHandler) ListByConnection(c echo.Context) error {
	session, err := RequireSession(c)
	if err != nil {
		return err
	}

	connectionID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	runs, err := h.runs.ListByConnection(c.Request().Context(), session.TenantID, connectionID, ParseLimit(c))
	if err != nil {
		return err
	}
	return SuccessResponse(c, newRunListResponse(runs))
}

// ListStale returns runs still running past the stale threshold
// GET /api/v1/runs/stale?limit=
func (h *RunsHandler) ListStale(c echo.Context) error {
	session, err := RequireSession(c)
	if err != nil {
		return err
	}

	cutoff := h.now().Add(-h.staleAfter)
	runs, err := h.runs.ListStale(c.Request().Context(), session.TenantID, cutoff, ParseLimit(c))
	if err != nil {
		return err
	}

	if len(runs) > 0 {
		h.logger.WithContext(c.Request().Context()).WithFields(map[string]any{
			"tenant_id": session.TenantID,
			"count":     len(runs),
		}).Warn("stale ingestion runs found")
	}
	return SuccessResponse(c, newRunListResponse(runs))
}
