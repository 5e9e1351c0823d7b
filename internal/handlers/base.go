package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/middleware"
	"github.com/clasak/compassiq/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ParseUUID parses a UUID from a path parameter
func ParseUUID(c echo.Context, param string) (uuid.UUID, error) {
	idStr := c.Param(param)
	if idStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "missing "+param)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a valid UUID", param)
	}

	return id, nil
}

// RequireSession returns the request's session or an authentication error.
func RequireSession(c echo.Context) (*models.Session, error) {
	session := middleware.GetSession(c)
	if session == nil {
		return nil, errors.NewAuthenticationError("authentication required")
	}
	return session, nil
}

// ParseLimit reads the limit query parameter, clamped to (0, maxListLimit].
func ParseLimit(c echo.Context) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// SuccessResponse returns a 200 OK with data
func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}
