package admission

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/domain/sequence"
	"github.com/hms/hms/internal/domain/ward"
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
	readGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleClinician, auth.RoleNurse, auth.RoleBedManager))
	readGroup.GET("/admissions", h.ListAdmissions)
	readGroup.GET("/admissions/:id", h.GetAdmission)
	readGroup.GET("/admissions/:id/movements", h.GetMovements)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleClinician, auth.RoleBedManager))
	writeGroup.POST("/admissions", h.AdmitPatient)
	writeGroup.POST("/admissions/:id/transfer", h.TransferPatient)
	writeGroup.POST("/admissions/:id/discharge", h.DischargePatient)

	opsGroup := api.Group("", auth.RequireRole(auth.RoleBedManager))
	opsGroup.GET("/admissions/reconcile", h.Reconcile)
	opsGroup.POST("/admissions/reconcile/repair", h.Repair)
}

func (h *Handler) AdmitPatient(c echo.Context) error {
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set("audit_patient_id", req.PatientID)

	a, err := h.svc.AdmitPatient(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAdmission(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	c.Set("audit_patient_id", a.PatientID)
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:    Status(c.QueryParam("status")),
		PatientID: c.QueryParam("patient_id"),
	}
	items, total, err := h.svc.ListAdmissions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Admission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) TransferPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.TransferPatient(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	c.Set("audit_patient_id", a.PatientID)
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DischargePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req DischargeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	a, err := h.svc.DischargePatient(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	c.Set("audit_patient_id", a.PatientID)
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetMovements(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.Movements(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Movement{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Reconcile(c echo.Context) error {
	report, err := h.svc.Reconcile(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Repair(c echo.Context) error {
	grace := DefaultRepairGrace
	if raw := c.QueryParam("grace"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid grace duration")
		}
		grace = d
	}
	report, err := h.svc.Repair(c.Request().Context(), grace)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func httpError(err error) error {
	var partial *PartialFailureError
	switch {
	case errors.As(err, &partial):
		return echo.NewHTTPError(http.StatusInternalServerError, partial.Error())
	case errors.Is(err, ErrAdmissionNotFound),
		errors.Is(err, ward.ErrWardNotFound),
		errors.Is(err, ward.ErrBedNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ward.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ward.ErrBedUnavailable),
		errors.Is(err, ward.ErrInvalidState),
		errors.Is(err, ward.ErrConflict),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyDischarged),
		errors.Is(err, ErrConflict),
		errors.Is(err, sequence.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
