package ward

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: everyone who places or cares for inpatients
	readGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleRegistrar, auth.RoleClinician, auth.RoleNurse))
	readGroup.GET("/wards", h.ListWards)
	readGroup.GET("/wards/:id", h.GetWard)
	readGroup.GET("/wards/:id/beds/available", h.AvailableBeds)
	readGroup.GET("/beds/available", h.AvailableBeds)
	readGroup.GET("/occupancy", h.OccupancySummary)

	// Write endpoints: bed management only
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBedManager))
	writeGroup.POST("/wards", h.CreateWard)
	writeGroup.PUT("/wards/:id", h.UpdateWard)
	writeGroup.DELETE("/wards/:id", h.DeleteWard)
	writeGroup.POST("/wards/:id/beds", h.AddBed)
	writeGroup.DELETE("/wards/:id/beds/:bed_id", h.RemoveBed)
	writeGroup.PATCH("/wards/:id/beds/:bed_id/status", h.SetBedStatus)
}

func (h *Handler) CreateWard(c echo.Context) error {
	var w Ward
	if err := c.Bind(&w); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateWard(c.Request().Context(), &w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) GetWard(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	w, err := h.svc.GetWard(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ListWards(c echo.Context) error {
	pg := pagination.FromContext(c)
	wards, total, err := h.svc.ListWards(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(wards, total, pg.Limit, pg.Offset))
}

type updateWardRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (h *Handler) UpdateWard(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateWardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.UpdateWard(c.Request().Context(), id, req.Name, req.Description)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeleteWard(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteWard(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type bedRequest struct {
	Label  string    `json:"label"`
	Status BedStatus `json:"status"`
}

func (h *Handler) AddBed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req bedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AddBed(c.Request().Context(), id, req.Label, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) RemoveBed(c echo.Context) error {
	wardID, bedID, err := bedParams(c)
	if err != nil {
		return err
	}
	if err := h.svc.RemoveBed(c.Request().Context(), wardID, bedID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetBedStatus(c echo.Context) error {
	wardID, bedID, err := bedParams(c)
	if err != nil {
		return err
	}
	var req bedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	b, err := h.svc.SetBedStatus(c.Request().Context(), wardID, bedID, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// AvailableBeds serves both the per-ward and the hospital-wide listing.
func (h *Handler) AvailableBeds(c echo.Context) error {
	var wardID *uuid.UUID
	if raw := c.Param("id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		wardID = &id
	}
	beds, err := h.svc.AvailableBeds(c.Request().Context(), wardID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, beds)
}

func (h *Handler) OccupancySummary(c echo.Context) error {
	sum, err := h.svc.OccupancySummary(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

func bedParams(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	wardID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	bedID, err := uuid.Parse(c.Param("bed_id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid bed_id")
	}
	return wardID, bedID, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrWardNotFound), errors.Is(err, ErrBedNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBedUnavailable),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrDuplicateWardName),
		errors.Is(err, ErrDuplicateBedLabel),
		errors.Is(err, ErrWardOccupied),
		errors.Is(err, ErrBedOccupied),
		errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
