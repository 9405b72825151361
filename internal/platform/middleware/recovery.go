package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
)

// Recovery turns a handler panic into an Internal error. Store transactions
// started by the handler have already been rolled back by the time the panic
// reaches here. http.ErrAbortHandler is re-raised so the server drops the
// connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}
				logger.Error().
					Str("request_id", requestID(c)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				err = apperr.New(apperr.Internal, "internal server error")
			}()
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	if rid, ok := c.Get("request_id").(string); ok {
		return rid
	}
	return c.Request().Header.Get(RequestIDHeader)
}
