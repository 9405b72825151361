package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

// AuditEntry records one state-changing API call.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string // units, beds, admissions, ...
	ResourceID string
	Action     string // create, dispatch, advance, verify, ...
	Method     string
	Route      string
	StatusCode int
	ErrorKind  string
	RequestID  string
	IPAddress  string
	Timestamp  time.Time
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating request under /api/v1 with the acting user and
// outcome. Reads are not audited. A recorder, if given, also receives each
// entry; its failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isMutation(req.Method) || !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				ResourceID: c.Param("id"),
				Method:     req.Method,
				Route:      c.Path(),
				StatusCode: c.Response().Status,
				IPAddress:  c.RealIP(),
				Timestamp:  time.Now().UTC(),
			}
			entry.Resource, entry.Action = describeRoute(entry.Route, req.Method)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if err != nil {
				status, body := apperr.ToBody(err)
				entry.StatusCode = status
				entry.ErrorKind = string(body.Kind)
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Str("error_kind", entry.ErrorKind).
				Msg("state_change")

			return err
		}
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// describeRoute derives the resource and action from a route pattern:
//
//	/api/v1/units              POST -> units, create
//	/api/v1/units/:id/dispatch POST -> units, dispatch
//	/api/v1/units/:id/crew     PUT  -> units, crew
func describeRoute(route, method string) (resource, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(route, "/api/v1"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", strings.ToLower(method)
	}
	resource = segments[0]
	last := segments[len(segments)-1]
	switch {
	case len(segments) == 1 && method == http.MethodPost:
		action = "create"
	case strings.HasPrefix(last, ":"):
		action = strings.ToLower(method)
	default:
		action = last
	}
	return resource, action
}
