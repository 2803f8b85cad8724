package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/admission"
	"github.com/hms/hms/internal/domain/sequence"
	"github.com/hms/hms/internal/domain/ward"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/platform/telemetry"
	"github.com/hms/hms/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Hospital admissions and bed management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(idsCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir, cfg.MigrationsDir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir, cfg.MigrationsDir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			printMigrationStatus(os.Stdout, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospitals (tenant schemas)",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a hospital schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			migrator := db.NewMigrator(pool, migrationsFS("", cfg.MigrationsDir))
			if err := db.CreateTenantSchema(ctx, pool, name, migrator); err != nil {
				return err
			}
			fmt.Println("Tenant created and migrated successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func idsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ids",
		Short: "Inspect and allocate sequential identifiers",
	}

	allocateCmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate the next identifier for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			period, _ := cmd.Flags().GetString("period")
			tenant, _ := cmd.Flags().GetString("tenant")
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := sequence.NewService(sequence.NewRepo(pool))
			svc.SetMaxAttempts(cfg.SequenceMaxAttempts)

			return db.WithTenantConn(ctx, pool, tenantOrDefault(tenant, cfg), func(ctx context.Context) error {
				id, err := svc.AllocateID(ctx, scope, period)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	allocateCmd.Flags().String("scope", "", "Identifier scope (patients, invoices, lab_orders, admissions)")
	allocateCmd.Flags().String("period", "", "Period key (YYYY or YYYY-MM); defaults to the current period")
	allocateCmd.Flags().String("tenant", "", "Tenant identifier; defaults to DEFAULT_TENANT")
	cmd.AddCommand(allocateCmd)

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare active admissions with bed occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, _ := cmd.Flags().GetBool("repair")
			grace, _ := cmd.Flags().GetDuration("grace")
			tenant, _ := cmd.Flags().GetString("tenant")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, _, admissionSvc := buildServices(pool, cfg, zerolog.New(os.Stderr).With().Timestamp().Logger(), nil)

			return db.WithTenantConn(ctx, pool, tenantOrDefault(tenant, cfg), func(ctx context.Context) error {
				var report *admission.DriftReport
				if repair {
					report, err = admissionSvc.Repair(ctx, grace)
				} else {
					report, err = admissionSvc.Reconcile(ctx)
				}
				if err != nil {
					return err
				}
				printDriftReport(os.Stdout, report)
				return nil
			})
		},
	}
	cmd.Flags().Bool("repair", false, "Repair drift that is safe to fix automatically")
	cmd.Flags().Duration("grace", admission.DefaultRepairGrace, "Leave beds reserved more recently than this alone")
	cmd.Flags().String("tenant", "", "Tenant identifier; defaults to DEFAULT_TENANT")
	return cmd
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationsFS picks the migration source: an explicit --dir, then
// MIGRATIONS_DIR, then the set embedded in the binary.
func migrationsFS(flagDir, cfgDir string) fs.FS {
	if flagDir != "" {
		return os.DirFS(flagDir)
	}
	if cfgDir != "" {
		return os.DirFS(cfgDir)
	}
	return migrations.FS
}

func tenantOrDefault(tenant string, cfg *config.Config) string {
	if tenant != "" {
		return tenant
	}
	return cfg.DefaultTenant
}

func buildServices(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*sequence.Service, *ward.Service, *admission.Service) {
	sequenceSvc := sequence.NewService(sequence.NewRepo(pool))
	sequenceSvc.SetLogger(logger)
	sequenceSvc.SetMaxAttempts(cfg.SequenceMaxAttempts)

	wardSvc := ward.NewService(ward.NewRepo(pool))
	wardSvc.SetLogger(logger)

	admissionSvc := admission.NewService(admission.NewRepo(pool), wardSvc, sequenceSvc)
	admissionSvc.SetLogger(logger)

	if metrics != nil {
		sequenceSvc.SetMetrics(metrics)
		wardSvc.SetMetrics(metrics)
		admissionSvc.SetMetrics(metrics)
	}
	return sequenceSvc, wardSvc, admissionSvc
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// idempotencyStore shares replay entries through Redis when REDIS_URL is
// set so that every replica sees the same keys. The returned func releases
// the store.
func idempotencyStore(cfg *config.Config, logger zerolog.Logger) (middleware.IdempotencyStore, func(), error) {
	if cfg.RedisURL == "" {
		store := middleware.NewInMemoryIdempotencyStore(cfg.IdempotencyTTL)
		logger.Warn().Msg("REDIS_URL not set, idempotency keys are kept per process")
		return store, store.Stop, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return middleware.NewRedisIdempotencyStore(client, cfg.IdempotencyTTL), func() { _ = client.Close() }, nil
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func printDriftReport(w io.Writer, r *admission.DriftReport) {
	fmt.Fprintf(w, "Checked %d active admission(s) and %d occupied bed(s) at %s\n",
		r.Admissions, r.Beds, r.CheckedAt.Format(time.RFC3339))
	if len(r.Drift) == 0 {
		fmt.Fprintln(w, "No drift found.")
		return
	}
	fmt.Fprintf(w, "%-22s %-38s %-20s %-9s %s\n", "KIND", "ADMISSION", "PATIENT", "REPAIRED", "DETAIL")
	for _, d := range r.Drift {
		admissionID := "-"
		if d.AdmissionID != nil {
			admissionID = d.AdmissionID.String()
		}
		repaired := "no"
		if d.Repaired {
			repaired = "yes"
		}
		fmt.Fprintf(w, "%-22s %-38s %-20s %-9s %s\n", d.Kind, admissionID, d.PatientID, repaired, d.Detail)
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.IsDev() {
		migrator := db.NewMigrator(pool, migrationsFS("", cfg.MigrationsDir))
		if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrator); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare default tenant")
		}
	}

	metrics := telemetry.New("hms")

	store, closeStore, err := idempotencyStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up idempotency store")
	}
	defer closeStore()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", middleware.IdempotencyHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: unauthenticated requests run as admin")
	}
	e.Use(authMiddleware(cfg))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// API group: tenant connection, replay protection and audit apply only here.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Idempotency(store, logger))
	apiV1.Use(middleware.Audit(logger))

	sequenceSvc, wardSvc, admissionSvc := buildServices(pool, cfg, logger, metrics)
	sequence.NewHandler(sequenceSvc).RegisterRoutes(apiV1)
	ward.NewHandler(wardSvc).RegisterRoutes(apiV1)
	admission.NewHandler(admissionSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
