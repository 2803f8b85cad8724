package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_DomainCounters(t *testing.T) {
	m := New("hms")

	m.IDAllocated("patients")
	m.IDAllocated("patients")
	m.AllocationConflict("invoices")
	m.BedTransition("Available", "Occupied")
	m.Orchestration("admit", "ok")
	m.Compensation("admit", true)
	m.Compensation("transfer", false)
	m.DriftObserved("bed_without_admission", 3)

	if got := testutil.ToFloat64(m.IDsAllocated.WithLabelValues("patients")); got != 2 {
		t.Errorf("expected 2 patient ids, got %v", got)
	}
	if got := testutil.ToFloat64(m.AllocationConflicts.WithLabelValues("invoices")); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.BedTransitions.WithLabelValues("Available", "Occupied")); got != 1 {
		t.Errorf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.Compensations.WithLabelValues("transfer", "failed")); got != 1 {
		t.Errorf("expected 1 failed compensation, got %v", got)
	}
	if got := testutil.ToFloat64(m.Drift.WithLabelValues("bed_without_admission")); got != 3 {
		t.Errorf("expected drift gauge 3, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IDAllocated("patients")
	m.AllocationConflict("patients")
	m.BedTransition("a", "b")
	m.Orchestration("admit", "ok")
	m.Compensation("admit", true)
	m.DriftObserved("x", 1)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := m.Middleware()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New("hms")
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/admissions", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/admissions")
	m.Middleware()(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "bed unavailable")
	})(c)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/wards", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/wards")
	m.Middleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/admissions", "409")); got != 1 {
		t.Errorf("expected one 409 admission request, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/wards", "200")); got != 1 {
		t.Errorf("expected one 200 wards request, got %v", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Errorf("expected in-flight back to 0, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("hms")
	m.IDAllocated("lab_orders")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `hms_sequence_ids_allocated_total{scope="lab_orders"} 1`) {
		t.Errorf("expected allocation counter in exposition, got:\n%s", rec.Body.String())
	}
}
