package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mentalspace/ehr-billing/internal/config"
	"github.com/mentalspace/ehr-billing/internal/domain/billinghold"
	"github.com/mentalspace/ehr-billing/internal/domain/clinicalnote"
	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/domain/readiness"
	"github.com/mentalspace/ehr-billing/internal/domain/ruleadmin"
	"github.com/mentalspace/ehr-billing/internal/platform/auth"
	"github.com/mentalspace/ehr-billing/internal/platform/cache"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
	"github.com/mentalspace/ehr-billing/internal/platform/events"
	"github.com/mentalspace/ehr-billing/internal/platform/lock"
	"github.com/mentalspace/ehr-billing/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ehr-billing",
		Short:        "Payer billing rule and compliance service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(rulesCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher events.Publisher
	closers   []func()
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Env)}

	a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "ehr-billing",
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.pool.Close)

	if cfg.RedisURL != "" {
		a.redis, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		a.logger.Info().Msg("connected to redis")
	}

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.HoldEventsExchange)
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = pub
		a.closers = append(a.closers, func() { _ = pub.Close() })
		a.logger.Info().Str("exchange", cfg.HoldEventsExchange).Msg("publishing hold events to amqp")
	} else {
		a.publisher = events.LogPublisher{Logger: a.logger}
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type services struct {
	payers  *payer.Service
	matcher *payer.Matcher
	holds   *billinghold.Manager
	notes   clinicalnote.Repository
	orch    *readiness.Orchestrator
	sweeper *readiness.Sweeper
	sim     *ruleadmin.Simulator
}

func (a *app) services() *services {
	payerRepo := payer.NewPayerRepoPG(a.pool)
	ruleRepo := payer.NewRuleRepoPG(a.pool)
	auditRepo := payer.NewAuditRepoPG(a.pool)

	s := &services{
		payers:  payer.NewService(payerRepo, ruleRepo, auditRepo, a.logger),
		matcher: payer.NewMatcher(payerRepo, ruleRepo, a.logger),
		holds:   billinghold.NewManager(billinghold.NewRepoPG(a.pool), a.publisher, a.logger),
		notes:   clinicalnote.NewRepoPG(a.pool),
	}

	var locker lock.Locker = lock.Local{}
	if a.redis != nil {
		ruleCache := payer.NewRuleCache(cache.NewRedisStore(a.redis, "ehr-billing:"), a.cfg.RuleCacheTTL, a.logger)
		s.payers.SetCache(ruleCache)
		s.matcher.SetCache(ruleCache)
		locker = lock.NewRedisLocker(a.redis, a.logger)
	}

	s.orch = readiness.NewOrchestrator(s.notes, s.matcher, s.holds, a.logger)
	s.orch.SetCosignWarningDays(a.cfg.CosignWarningDays)
	s.sweeper = readiness.NewSweeper(s.orch, s.notes, readiness.NewCheckpointStorePG(a.pool), locker, a.logger)
	s.sim = ruleadmin.NewSimulator(s.payers, s.notes, a.logger)
	return s
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing compliance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func newServer(a *app, svc *services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	e.GET("/health/db", db.HealthHandler(a.pool, checks...))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1",
		authMiddleware(a.cfg),
		db.TenantMiddleware(a.pool, a.cfg.DefaultTenant),
		middleware.RateLimit(rateLimitCfg),
		middleware.BodyLimit("2M"),
	)

	ruleadmin.NewHandler(svc.payers, svc.matcher, svc.sim).RegisterRoutes(apiV1)
	billinghold.NewHandler(svc.holds).RegisterRoutes(apiV1)
	readiness.NewHandler(svc.orch).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	a, err := bootstrap(context.Background())
	if err != nil {
		logger := newLogger(os.Getenv("ENV"))
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	e := newServer(a, a.services())

	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("auth_mode", a.cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
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
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(a.pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			statuses, err := db.NewMigrator(a.pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, a.pool, name, a.cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-check billing readiness of every unbilled note for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			resume, _ := cmd.Flags().GetBool("resume")
			createHolds, _ := cmd.Flags().GetBool("create-holds")
			batchSize, _ := cmd.Flags().GetInt("batch-size")

			// SIGINT/SIGTERM stop the sweep after the note in progress.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if tenant == "" {
				tenant = a.cfg.DefaultTenant
			}
			if batchSize <= 0 {
				batchSize = a.cfg.SweepBatchSize
			}

			tctx, release, err := db.WithTenant(ctx, a.pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			report, err := a.services().sweeper.Run(tctx, readiness.SweepOptions{
				TenantID:    tenant,
				BatchSize:   batchSize,
				Resume:      resume,
				CreateHolds: createHolds,
				LockTTL:     a.cfg.SweepLockTTL,
			})
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to sweep (defaults to DEFAULT_TENANT)")
	cmd.Flags().Bool("resume", false, "Continue an unfinished run from its checkpoint")
	cmd.Flags().Bool("create-holds", true, "Persist holds and auto-resolve cleared ones")
	cmd.Flags().Int("batch-size", 0, "Notes per page (defaults to SWEEP_BATCH_SIZE)")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage payer rules",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Bulk import payer rules from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			actor, _ := cmd.Flags().GetString("actor")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := parseImportFile(f)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			ctx := context.Background()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if tenant == "" {
				tenant = a.cfg.DefaultTenant
			}

			tctx, release, err := db.WithTenant(ctx, a.pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			res, err := a.services().payers.BulkImportRules(tctx, rows, actor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	importCmd.Flags().String("file", "", "JSON file with an array of rules or {\"rows\": [...]}")
	importCmd.Flags().String("tenant", "", "Target tenant (defaults to DEFAULT_TENANT)")
	importCmd.Flags().String("actor", auth.SystemActor, "User recorded on the audit trail")

	cmd.AddCommand(importCmd)
	return cmd
}

// parseImportFile accepts a bare JSON array of rules or an object with a
// "rows" array, the same body the HTTP bulk-import endpoint takes.
func parseImportFile(r io.Reader) ([]payer.RuleInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("file is empty")
	}

	var rows []payer.RuleInput
	if data[0] == '[' {
		err = json.Unmarshal(data, &rows)
	} else {
		var wrapped struct {
			Rows []payer.RuleInput `json:"rows"`
		}
		err = json.Unmarshal(data, &wrapped)
		rows = wrapped.Rows
	}
	if err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rules found")
	}
	return rows, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
