package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/domain/resource"
	"github.com/ehr/fhirstore/internal/platform/backup"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fhirstore",
		Short:        "FHIR resource store",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// setup loads and validates configuration and opens the connection pool.
func setup(ctx context.Context) (*config.Config, zerolog.Logger, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, nil, fmt.Errorf("invalid config: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, logger, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, logger, pool, nil
}

// newService wires the resource service over Postgres, loading extra
// FHIRPath extraction rules when SEARCH_PARAMS_FILE is set.
func newService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*resource.Service, error) {
	registry := fhir.NewDefaultRegistry()
	if cfg.SearchParamsFile != "" {
		loaded, err := fhir.LoadRuleFile(cfg.SearchParamsFile, registry, logger)
		if err != nil {
			return nil, fmt.Errorf("load search params: %w", err)
		}
		logger.Info().Strs("resource_types", loaded).Str("file", cfg.SearchParamsFile).Msg("loaded search parameter rules")
	}

	policy, err := resource.ParseDeletePolicy(cfg.DeletePolicy)
	if err != nil {
		return nil, err
	}

	svc := resource.NewService(
		resource.NewRepoPG(pool, logger),
		fhir.NewHistoryRepository(pool),
		registry,
		logger,
	)
	svc.SetDeletePolicy(policy)
	return svc, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	ctx := context.Background()
	cfg, logger, pool, err := setup(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: requests without a bearer token get full access")
	}

	svc, err := newService(cfg, pool, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	e := newServer(cfg, svc, db.HealthHandler(pool), logger)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("base_url", cfg.BaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return err
	}
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
			_, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(dir), logger).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (default: migrations built into the binary)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir), logger).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (default: migrations built into the binary)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func printMigrationStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export live resources as NDJSON, one file per resource type",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			types, _ := cmd.Flags().GetStringSlice("type")

			ctx := context.Background()
			cfg, logger, pool, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if dir == "" {
				dir = cfg.ExportDir
			}
			svc, err := newService(cfg, pool, logger)
			if err != nil {
				return err
			}
			m, err := backup.NewExporter(svc, logger).Export(ctx, dir, types...)
			if err != nil {
				return err
			}
			printManifest(cmd, dir, m)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Output directory (defaults to EXPORT_DIR)")
	cmd.Flags().StringSlice("type", nil, "Resource types to export (default: all stored types)")
	return cmd
}

func printManifest(cmd *cobra.Command, dir string, m *backup.Manifest) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Exported %d resource(s) to %s\n", m.Total, dir)
	for _, tc := range m.Types {
		fmt.Fprintf(out, "  %-30s %8d  %s\n", tc.ResourceType, tc.Count, tc.File)
	}
}
