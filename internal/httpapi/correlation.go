package httpapi

import (
	"github.com/labstack/echo/v4"

	"github.com/libris/circulation/pkg/command"
	"github.com/libris/circulation/pkg/idgen"
)

// CorrelationHeader carries the caller's correlation ID. Callers that omit it
// get a generated one back, so every response is traceable either way.
const CorrelationHeader = "X-Correlation-Id"

// Correlation threads the correlation ID from the request header into the
// context that command handlers stamp onto event metadata, and mirrors it on
// the response.
func Correlation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(CorrelationHeader)
			if id == "" {
				id = idgen.NewCorrelationID()
			}

			ctx := command.WithCorrelation(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(CorrelationHeader, id)

			return next(c)
		}
	}
}
