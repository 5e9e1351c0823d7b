package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clasak/compassiq/internal/services/ingestion"
	"github.com/clasak/compassiq/internal/services/resolver"
	"github.com/clasak/compassiq/pkg/middleware"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/utils"
)

type ConnectionResolver interface {
	Resolve(ctx context.Context, req resolver.Request) (models.ConnectionContext, error)
}

type EventIngester interface {
	Ingest(ctx context.Context, cc models.ConnectionContext, event ingestion.Event) (*ingestion.Result, error)
}

// IngestHandler accepts events from external source systems.
type IngestHandler struct {
	resolver  ConnectionResolver
	ingestion EventIngester
	logger    ectologger.Logger
}

func NewIngestHandler(resolver ConnectionResolver, ingestion EventIngester, logger ectologger.Logger) *IngestHandler {
	return &IngestHandler{
		resolver:  resolver,
		ingestion: ingestion,
		logger:    logger,
	}
}

// Register registers the ingestion route. The group must run the optional session middleware.
func (h *IngestHandler) Register(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/ingest", h.Ingest, mw...)
}

type IngestRequest struct {
	EventType  string         `json:"event_type" validate:"max=128"`
	OccurredOn string         `json:"occurred_on" validate:"max=64"`
	Data       map[string]any `json:"data"`
}

type IngestResponse struct {
	OK              bool      `json:"ok"`
	RawEventID      uuid.UUID `json:"rawEventId"`
	NormalizedCount int       `json:"normalizedCount"`
	RunID           uuid.UUID `json:"runId"`
	Duplicate       bool      `json:"duplicate,omitempty"`
}

// Ingest records one event
// POST /api/v1/ingest
func (h *IngestHandler) Ingest(c echo.Context) error {
	ctx := c.Request().Context()

	cc, err := h.resolver.Resolve(ctx, resolver.Request{
		BearerToken:  bearerToken(c.Request()),
		Session:      middleware.GetSession(c),
		ConnectionID: c.QueryParam("connection"),
	})
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[IngestRequest](c)
	if err != nil {
		return err
	}

	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		eventType = models.DefaultEventType
	}

	result, err := h.ingestion.Ingest(ctx, cc, ingestion.Event{
		EventType:  eventType,
		OccurredOn: strings.TrimSpace(req.OccurredOn),
		Data:       req.Data,
	})
	if err != nil {
		return err
	}

	return SuccessResponse(c, IngestResponse{
		OK:              true,
		RawEventID:      result.RawEventID,
		NormalizedCount: result.NormalizedCount,
		RunID:           result.RunID,
		Duplicate:       result.Duplicate,
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get(echo.HeaderAuthorization)
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
