package archival

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/archive/run", h.Run, auth.RequireRole(auth.RoleAdmin))
}

// Run accepts an optional {"before": RFC3339} cutoff.
func (h *Handler) Run(c echo.Context) error {
	var req struct {
		Before *time.Time `json:"before"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperr.Validation("invalid request body: %v", err)
		}
	}
	var before time.Time
	if req.Before != nil {
		before = *req.Before
	}
	rep, err := h.svc.Run(c.Request().Context(), before)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}
