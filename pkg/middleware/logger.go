package middleware

import (
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/clasak/compassiq/pkg/context"
)

func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			stop := time.Now()
			ctx := c.Request().Context()

			fields := map[string]any{
				"request_id":    context.GetRequestID(ctx),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"status":        res.Status,
				"route":         c.Path(),
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": stop.Sub(start),
				"request_size":  req.Header.Get(echo.HeaderContentLength),
				"response_size": strconv.FormatInt(res.Size, 10),
			}
			if tenantID := context.GetTenantID(ctx); tenantID != "" {
				fields["tenant_id"] = tenantID
			}

			logger.WithContext(ctx).WithFields(fields).Info("Request")

			return nil
		}
	}
}
