package bed

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/pkg/pagination"
)

// Handler exposes ward and bed management. Occupancy changes are served by
// the admission handler.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	manager := auth.RequireRole(auth.RoleBedManager)
	cleaners := auth.RequireRole(auth.RoleHousekeeping, auth.RoleBedManager)
	readers := auth.RequireRole(auth.RoleBedManager, auth.RoleNurse, auth.RolePhysician, auth.RoleRegistrar, auth.RoleHousekeeping)

	api.POST("/wards", h.CreateWard, manager)
	api.GET("/wards", h.ListWards, readers)
	api.GET("/wards/occupancy", h.WardOccupancy, readers)

	api.POST("/beds", h.CreateBed, manager)
	api.GET("/beds", h.ListBeds, readers)
	api.GET("/beds/:id", h.GetBed, readers)
	api.POST("/beds/:id/clean", h.MarkClean, cleaners)
	api.PUT("/beds/:id/cleaning-status", h.SetCleaningStatus, auth.RequireRole(auth.RoleHousekeeping))
	api.POST("/beds/:id/maintenance", h.SetMaintenance, manager)
	api.POST("/beds/:id/out-of-service", h.SetOutOfService, manager)
	api.POST("/beds/:id/reserve", h.Reserve, manager)
	api.POST("/beds/:id/release", h.Release, manager)
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) CreateWard(c echo.Context) error {
	var req CreateWardRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	w, err := h.svc.CreateWard(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWards(c echo.Context) error {
	wards, err := h.svc.ListWards(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(wards, pagination.FromContext(c)))
}

func (h *Handler) WardOccupancy(c echo.Context) error {
	occ, err := h.svc.WardOccupancy(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, occ)
}

func (h *Handler) CreateBed(c echo.Context) error {
	var req CreateBedRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.CreateBed(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBeds(c echo.Context) error {
	beds, err := h.svc.ListBeds(c.Request().Context(), c.QueryParam("ward_id"), Status(c.QueryParam("status")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(beds, pagination.FromContext(c)))
}

func (h *Handler) GetBed(c echo.Context) error {
	b, err := h.svc.GetBed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) MarkClean(c echo.Context) error {
	b, err := h.svc.MarkClean(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) SetCleaningStatus(c echo.Context) error {
	var req struct {
		CleaningStatus string `json:"cleaning_status"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.SetCleaningStatus(c.Request().Context(), c.Param("id"), req.CleaningStatus)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

type toggleRequest struct {
	On *bool `json:"on"`
}

func (h *Handler) toggle(c echo.Context, fn func(ctx echo.Context, on bool) (*Bed, error)) error {
	var req toggleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.On == nil {
		return apperr.Validation("on is required")
	}
	b, err := fn(c, *req.On)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) SetMaintenance(c echo.Context) error {
	return h.toggle(c, func(c echo.Context, on bool) (*Bed, error) {
		return h.svc.SetMaintenance(c.Request().Context(), c.Param("id"), on)
	})
}

func (h *Handler) SetOutOfService(c echo.Context) error {
	return h.toggle(c, func(c echo.Context, on bool) (*Bed, error) {
		return h.svc.SetOutOfService(c.Request().Context(), c.Param("id"), on)
	})
}

func (h *Handler) Reserve(c echo.Context) error {
	var req struct {
		ReservedFor string `json:"reserved_for"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.Reserve(c.Request().Context(), c.Param("id"), req.ReservedFor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Release(c echo.Context) error {
	b, err := h.svc.ReleaseReservation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}
