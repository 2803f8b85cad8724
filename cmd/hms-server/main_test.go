package main

import (
	"bytes"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/admission"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/middleware"
)

func TestMigrationsFS_EmbeddedByDefault(t *testing.T) {
	fsys := migrationsFS("", "")
	entries, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected embedded migrations, got %v", entries)
	}
}

func TestMigrationsFS_FlagWinsOverConfig(t *testing.T) {
	flagDir := t.TempDir()
	cfgDir := t.TempDir()
	if err := writeFile(flagDir+"/001_flag.sql", "SELECT 1;"); err != nil {
		t.Fatal(err)
	}

	entries, err := fs.Glob(migrationsFS(flagDir, cfgDir), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 1 || entries[0] != "001_flag.sql" {
		t.Errorf("expected the --dir migrations, got %v", entries)
	}

	entries, _ = fs.Glob(migrationsFS("", cfgDir), "*.sql")
	if len(entries) != 0 {
		t.Errorf("expected the empty MIGRATIONS_DIR, got %v", entries)
	}
}

func TestTenantOrDefault(t *testing.T) {
	cfg := &config.Config{DefaultTenant: "default"}
	if got := tenantOrDefault("", cfg); got != "default" {
		t.Errorf("tenantOrDefault(\"\") = %q, want default", got)
	}
	if got := tenantOrDefault("stmarys", cfg); got != "stmarys" {
		t.Errorf("tenantOrDefault(stmarys) = %q", got)
	}
}

func TestAuthMiddleware_Development(t *testing.T) {
	cfg := &config.Config{Env: "development"}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wards", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var roles []string
	h := authMiddleware(cfg)(func(c echo.Context) error {
		roles = auth.RolesFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !auth.HasRole(roles, auth.RoleAdmin) {
		t.Errorf("expected admin role in development, got %v", roles)
	}
}

func TestAuthMiddleware_ExternalRejectsMissingToken(t *testing.T) {
	cfg := &config.Config{Env: "production", AuthMode: "external", AuthSigningKey: "secret"}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wards", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := authMiddleware(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestAuthMiddleware_ExternalSkipsHealth(t *testing.T) {
	cfg := &config.Config{Env: "production", AuthMode: "external", AuthSigningKey: "secret"}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/health")

	h := authMiddleware(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("expected /health to skip auth, got %v", err)
	}
}

func TestIdempotencyStore_InMemoryWithoutRedis(t *testing.T) {
	cfg := &config.Config{IdempotencyTTL: time.Hour}
	store, closeStore, err := idempotencyStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*middleware.InMemoryIdempotencyStore); !ok {
		t.Errorf("expected in-memory store, got %T", store)
	}
}

func TestIdempotencyStore_Redis(t *testing.T) {
	cfg := &config.Config{IdempotencyTTL: time.Hour, RedisURL: "redis://localhost:6379/0"}
	store, closeStore, err := idempotencyStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*middleware.RedisIdempotencyStore); !ok {
		t.Errorf("expected redis store, got %T", store)
	}
}

func TestIdempotencyStore_BadRedisURL(t *testing.T) {
	cfg := &config.Config{RedisURL: "not-a-url://"}
	if _, _, err := idempotencyStore(cfg, testLogger()); err == nil {
		t.Fatal("expected error for a malformed REDIS_URL")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "tenant_default", []db.MigrationStatus{
		{Version: 1, Name: "001_core.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_admission.sql"},
	})

	out := buf.String()
	for _, want := range []string{"tenant_default", "001_core.sql", "applied", "2024-08-01 12:00:00", "002_admission.sql", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintDriftReport(t *testing.T) {
	id := uuid.New()
	var buf bytes.Buffer
	printDriftReport(&buf, &admission.DriftReport{
		CheckedAt:  time.Date(2024, 8, 15, 9, 30, 0, 0, time.UTC),
		Admissions: 3,
		Beds:       2,
		Drift: []admission.Drift{
			{Kind: admission.DriftAdmissionWithoutBed, AdmissionID: &id, PatientID: "P-1", Detail: "bed is Available", Repaired: true},
			{Kind: admission.DriftBedWithoutAdmission, PatientID: "P-2", Detail: "no active admission"},
		},
	})

	out := buf.String()
	for _, want := range []string{"3 active admission(s)", "2 occupied bed(s)", "admission_without_bed", id.String(), "yes", "bed_without_admission", "P-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintDriftReport_Clean(t *testing.T) {
	var buf bytes.Buffer
	printDriftReport(&buf, &admission.DriftReport{})
	if !strings.Contains(buf.String(), "No drift found.") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
