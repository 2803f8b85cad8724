package sequence

import (
	"errors"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/sequences", auth.RequireRole(auth.RoleRegistrar, auth.RoleBilling, auth.RoleLab))
	g.GET("", h.ListSequences)
	g.GET("/:scope", h.GetCounter)
	g.POST("/:scope", h.AllocateID)
}

type allocateRequest struct {
	Period string `json:"period"`
}

type allocateResponse struct {
	ID     string `json:"id"`
	Scope  string `json:"scope"`
	Period string `json:"period"`
}

func (h *Handler) AllocateID(c echo.Context) error {
	scope := c.Param("scope")
	var req allocateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Period == "" {
		req.Period = c.QueryParam("period")
	}
	if req.Period == "" {
		if kind, ok := Kinds[scope]; ok {
			req.Period = kind.Granularity.Period(h.svc.now())
		}
	}

	id, err := h.svc.AllocateID(c.Request().Context(), scope, req.Period)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, allocateResponse{ID: id, Scope: scope, Period: req.Period})
}

func (h *Handler) GetCounter(c echo.Context) error {
	counter, err := h.svc.Counter(c.Request().Context(), c.Param("scope"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counter)
}

type sequenceInfo struct {
	Kind
	Granularity string   `json:"granularity"`
	Counter     *Counter `json:"counter,omitempty"`
}

// ListSequences describes every registered kind with its current counter.
func (h *Handler) ListSequences(c echo.Context) error {
	counters, err := h.svc.ListCounters(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	byScope := make(map[string]*Counter, len(counters))
	for _, ct := range counters {
		byScope[ct.Scope] = ct
	}

	out := make([]sequenceInfo, 0, len(Kinds))
	for scope, kind := range Kinds {
		out = append(out, sequenceInfo{Kind: kind, Granularity: kind.Granularity.String(), Counter: byScope[scope]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return c.JSON(http.StatusOK, out)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownScope), errors.Is(err, ErrCounterNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidPeriod):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
