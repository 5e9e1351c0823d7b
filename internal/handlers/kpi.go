package handlers

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/utils"
)

type KPIComputer interface {
	Compute(ctx context.Context, q models.KPIQuery) (*models.KPISnapshot, error)
}

// KPIHandler serves computed KPI snapshots to the dashboard.
type KPIHandler struct {
	kpis   KPIComputer
	logger ectologger.Logger
}

func NewKPIHandler(kpis KPIComputer, logger ectologger.Logger) *KPIHandler {
	return &KPIHandler{kpis: kpis, logger: logger}
}

func (h *KPIHandler) Register(g *echo.Group) {
	g.GET("/kpis", h.Get)
}

// KPIParams selects the reporting window. Both dates are inclusive.
type KPIParams struct {
	From  string `query:"from" validate:"required,datetime=2006-01-02"`
	To    string `query:"to" validate:"required,datetime=2006-01-02"`
	Scope string `query:"scope" validate:"omitempty,uuid"`
}

// Get returns the KPI snapshot of the session's tenant
// GET /api/v1/kpis?from=2024-01-01&to=2024-01-31&scope=
func (h *KPIHandler) Get(c echo.Context) error {
	session, err := RequireSession(c)
	if err != nil {
		return err
	}

	params, err := utils.BindQuery[KPIParams](c)
	if err != nil {
		return err
	}

	q, err := params.toQuery(session.TenantID)
	if err != nil {
		return err
	}

	snapshot, err := h.kpis.Compute(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return SuccessResponse(c, snapshot)
}

func (p KPIParams) toQuery(tenantID uuid.UUID) (models.KPIQuery, error) {
	from, err := time.Parse(time.DateOnly, p.From)
	if err != nil {
		return models.KPIQuery{}, errors.NewValidationError("invalid from date")
	}
	to, err := time.Parse(time.DateOnly, p.To)
	if err != nil {
		return models.KPIQuery{}, errors.NewValidationError("invalid to date")
	}
	if to.Before(from) {
		return models.KPIQuery{}, errors.NewValidationError("to must not be before from")
	}

	q := models.KPIQuery{
		TenantID: tenantID,
		Window:   models.KPIWindow{Start: from, End: to.AddDate(0, 0, 1)},
	}
	if p.Scope != "" {
		scopeID, err := uuid.Parse(p.Scope)
		if err != nil {
			return models.KPIQuery{}, errors.NewValidationError("invalid scope")
		}
		q.ScopeID = &scopeID
	}
	return q, nil
}
