package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/clasak/compassiq/pkg/context"
	apperrors "github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/tracing"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	apperrors.Response
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		// Check if the response is already committed
		if c.Response().Committed {
			return
		}

		code, body := apperrors.ToResponse(err)

		// Handle specific Echo errors
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			body = apperrors.Response{OK: false, Error: http.StatusText(he.Code)}
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			}
		}

		entry := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			entry.Error("api is returning an error")
		} else {
			entry.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Response:  body,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
		})
	}
}
