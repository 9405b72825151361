package handover

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readers := auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RoleRegistrar, auth.RoleBedManager, auth.RoleCrew)

	api.POST("/handovers", h.Create, auth.RequireRole(auth.RoleCrew, auth.RoleNurse))
	api.GET("/handovers", h.List, readers)
	api.GET("/handovers/eligible", h.ListEligible, readers)
	api.GET("/handovers/:id", h.Get, readers)
	api.POST("/handovers/:id/verify", h.Verify, auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	rec, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func boolParam(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Validation("%s must be true or false", name)
	}
	return &v, nil
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{IncidentID: c.QueryParam("incident_id")}
	var err error
	if f.Verified, err = boolParam(c, "verified"); err != nil {
		return err
	}
	if f.Consumed, err = boolParam(c, "consumed"); err != nil {
		return err
	}
	recs, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(recs, pagination.FromContext(c)))
}

func (h *Handler) ListEligible(c echo.Context) error {
	recs, err := h.svc.ListEligible(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(recs, pagination.FromContext(c)))
}

// Verify records the verifier named in the body, or the caller when the
// body names nobody.
func (h *Handler) Verify(c echo.Context) error {
	var req struct {
		Verifier string `json:"verifier"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	if req.Verifier == "" {
		req.Verifier = auth.UserIDFromContext(c.Request().Context())
	}
	rec, err := h.svc.Verify(c.Request().Context(), c.Param("id"), req.Verifier)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}
