package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Body is the JSON error envelope.
type Body struct {
	Kind      Kind     `json:"kind"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable"`
	Category  Category `json:"category"`
	RequestID string   `json:"request_id,omitempty"`
}

// ToBody converts any error into the wire envelope and its status code.
// echo errors keep their status and are mapped onto the closest kind.
func ToBody(err error) (int, Body) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.HTTPStatus(), Body{
			Kind:      ae.Kind,
			Message:   ae.Message,
			Retryable: ae.Retryable(),
			Category:  ae.Category(),
		}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind := kindForStatus(he.Code)
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return he.Code, Body{
			Kind:      kind,
			Message:   msg,
			Retryable: kinds[kind].retryable,
			Category:  kinds[kind].category,
		}
	}

	return http.StatusInternalServerError, Body{
		Kind:     Internal,
		Message:  "internal server error",
		Category: CategoryInternal,
	}
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType:
		return ValidationFailed
	case http.StatusUnauthorized:
		return Unauthorized
	case http.StatusForbidden:
		return Forbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return NotFound
	case http.StatusConflict:
		return Conflict
	case http.StatusPreconditionFailed:
		return Conflict
	case http.StatusTooManyRequests:
		return RateLimited
	}
	return Internal
}

// HTTPErrorHandler renders errors returned by handlers and middleware.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := ToBody(err)
		body.RequestID, _ = c.Get("request_id").(string)

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", body.RequestID).
				Str("kind", string(body.Kind)).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
