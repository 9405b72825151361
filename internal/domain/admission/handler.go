package admission

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
	readers := auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse, auth.RolePhysician, auth.RoleBedManager)

	api.POST("/admissions/from-handover", h.AdmitFromHandover, auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse, auth.RoleBedManager))
	api.POST("/admissions/walk-in", h.AdmitWalkIn, auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse))
	api.GET("/admissions", h.List, readers)
	api.GET("/admissions/:id", h.Get, readers)
	api.POST("/admissions/:id/discharge", h.Discharge, auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	api.POST("/admissions/:id/transfer", h.Transfer, auth.RequireRole(auth.RoleBedManager, auth.RoleNurse))
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) AdmitFromHandover(c echo.Context) error {
	var req FromHandoverRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.AdmitFromHandover(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) AdmitWalkIn(c echo.Context) error {
	var req WalkInRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.AdmitWalkIn(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) List(c echo.Context) error {
	list, err := h.svc.List(c.Request().Context(), Status(c.QueryParam("status")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

func (h *Handler) Get(c echo.Context) error {
	a, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Discharge(c echo.Context) error {
	a, err := h.svc.DischargePatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Transfer(c echo.Context) error {
	var req TransferRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.TransferPatient(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
