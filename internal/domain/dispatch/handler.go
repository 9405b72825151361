package dispatch

import (
	"net/http"

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
	dispatcher := auth.RequireRole(auth.RoleDispatcher)
	field := auth.RequireRole(auth.RoleDispatcher, auth.RoleCrew)
	unitReaders := auth.RequireRole(auth.RoleDispatcher, auth.RoleCrew, auth.RoleNurse, auth.RolePhysician, auth.RoleBedManager)
	incidentReaders := auth.RequireRole(auth.RoleDispatcher, auth.RoleCrew, auth.RoleNurse, auth.RolePhysician)

	api.POST("/units", h.CreateUnit, dispatcher)
	api.GET("/units", h.ListUnits, unitReaders)
	api.GET("/units/summary", h.FleetSummary, unitReaders)
	api.GET("/units/:id", h.GetUnit, unitReaders)
	api.GET("/units/:id/history", h.UnitHistory, unitReaders)
	api.PUT("/units/:id/crew", h.UpdateCrew, field)
	api.POST("/units/:id/dispatch", h.Dispatch, dispatcher)
	api.POST("/units/:id/advance", h.Advance, field)
	api.POST("/units/:id/cancel", h.Cancel, dispatcher)
	api.POST("/units/:id/maintenance", h.SetMaintenance, dispatcher)
	api.POST("/units/:id/out-of-service", h.SetOutOfService, dispatcher)

	api.POST("/incidents", h.CreateIncident, dispatcher)
	api.GET("/incidents", h.ListIncidents, incidentReaders)
	api.GET("/incidents/assignable", h.ListAssignable, incidentReaders)
	api.GET("/incidents/:id", h.GetIncident, incidentReaders)
	api.POST("/incidents/:id/cancel", h.CancelIncident, dispatcher)
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// -- Units --

func (h *Handler) CreateUnit(c echo.Context) error {
	var req CreateUnitRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	u, err := h.svc.CreateUnit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) GetUnit(c echo.Context) error {
	u, err := h.svc.GetUnit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUnits(c echo.Context) error {
	units, err := h.svc.ListUnits(c.Request().Context(), UnitStatus(c.QueryParam("status")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(units, pagination.FromContext(c)))
}

func (h *Handler) FleetSummary(c echo.Context) error {
	sum, err := h.svc.FleetSummary(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) UnitHistory(c echo.Context) error {
	hist, err := h.svc.UnitHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(hist, pagination.FromContext(c)))
}

func (h *Handler) UpdateCrew(c echo.Context) error {
	var req struct {
		Crew []CrewMember `json:"crew"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	u, err := h.svc.UpdateCrew(c.Request().Context(), c.Param("id"), req.Crew)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) Dispatch(c echo.Context) error {
	var req struct {
		IncidentID string `json:"incident_id"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.Dispatch(c.Request().Context(), c.Param("id"), req.IncidentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Advance(c echo.Context) error {
	var req struct {
		Target          UnitStatus `json:"target"`
		ExpectedVersion *int64     `json:"expected_version"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.Advance(c.Request().Context(), c.Param("id"), req.Target, req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

type toggleRequest struct {
	On *bool `json:"on"`
}

func (r toggleRequest) value() (bool, error) {
	if r.On == nil {
		return false, apperr.Validation("on is required")
	}
	return *r.On, nil
}

func (h *Handler) SetMaintenance(c echo.Context) error {
	var req toggleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	on, err := req.value()
	if err != nil {
		return err
	}
	u, err := h.svc.SetMaintenance(c.Request().Context(), c.Param("id"), on)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) SetOutOfService(c echo.Context) error {
	var req toggleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	on, err := req.value()
	if err != nil {
		return err
	}
	u, err := h.svc.SetOutOfService(c.Request().Context(), c.Param("id"), on)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

// -- Incidents --

func (h *Handler) CreateIncident(c echo.Context) error {
	var req CreateIncidentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inc, err := h.svc.CreateIncident(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inc)
}

func (h *Handler) GetIncident(c echo.Context) error {
	inc, err := h.svc.GetIncident(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inc)
}

func (h *Handler) ListIncidents(c echo.Context) error {
	incs, err := h.svc.ListIncidents(c.Request().Context(), IncidentStatus(c.QueryParam("status")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(incs, pagination.FromContext(c)))
}

func (h *Handler) ListAssignable(c echo.Context) error {
	incs, err := h.svc.ListAssignable(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(incs, pagination.FromContext(c)))
}

func (h *Handler) CancelIncident(c echo.Context) error {
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inc, err := h.svc.CancelIncident(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inc)
}
