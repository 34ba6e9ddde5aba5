package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr2crm/internal/config"
	"github.com/ehr/ehr2crm/internal/idmap"
	"github.com/ehr/ehr2crm/internal/pipeline"
	"github.com/ehr/ehr2crm/internal/platform/db"
	"github.com/ehr/ehr2crm/internal/platform/metrics"
	"github.com/ehr/ehr2crm/internal/seed"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ehr2crm",
		Short:         "Sync EHR scheduling data into the CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", "", "Dotenv file to load (default .env)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(mapsCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the --org override.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	var files []string
	if f, _ := cmd.Flags().GetString("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if f := cmd.Flags().Lookup("org"); f != nil && f.Changed {
		cfg.OrganizationID = f.Value.String()
	}
	logger := newLogger(cfg, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract from the EHR, transform, and load into the CRM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireOrganization(); err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			skipExisting, _ := cmd.Flags().GetBool("skip-existing")
			if mode, _ := cmd.Flags().GetString("load-mode"); mode != "" {
				cfg.CRMLoadMode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signalContext()
			defer stop()

			store, err := openLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			archive, err := openArchive(ctx, cfg, false)
			if err != nil {
				return err
			}

			p, err := buildPipeline(cfg, logger, store, metrics.NewRecorder(), archive, pipeline.Options{
				OrganizationID: cfg.OrganizationID,
				DryRun:         dryRun,
				LoadMode:       cfg.CRMLoadMode,
				SkipExisting:   skipExisting,
			})
			if err != nil {
				return err
			}

			run, runErr := p.Run(ctx)
			if run != nil {
				if err := printJSON(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().Bool("dry-run", false, "Extract and transform only; make no CRM calls")
	cmd.Flags().String("load-mode", "", "CRM load mode: rest or collection (default CRM_LOAD_MODE)")
	cmd.Flags().Bool("skip-existing", false, "Skip records already recorded in the crosswalk")
	cmd.Flags().String("org", "", "EHR organization id (default HAPI_ORG_ID)")
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract and flatten EHR data, printing it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireOrganization(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := newFHIRClient(cfg, logger)
			if err != nil {
				return err
			}
			ds, err := newExtractor(cfg, client, logger).All(ctx, cfg.OrganizationID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ds)
		},
	}
	cmd.Flags().String("org", "", "EHR organization id (default HAPI_ORG_ID)")
	return cmd
}

func mapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maps",
		Short: "Query the CRM and print the EHR to CRM id maps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := newCRMClient(cfg, logger)
			if err != nil {
				return err
			}
			maps, err := idmap.Build(ctx, client, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), maps)
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the EHR with a demo practice, patients and appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := newFHIRClient(cfg, logger)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			sc := seed.DefaultConfig()
			sc.OrganizationID = cfg.OrganizationID
			sc.Patients, _ = cmd.Flags().GetInt("patients")
			sc.Appointments, _ = cmd.Flags().GetInt("appointments")
			sc.RatePerSecond, _ = cmd.Flags().GetFloat64("rps")
			if cmd.Flags().Changed("seed") {
				sc.Seed, _ = cmd.Flags().GetInt64("seed")
			}
			if newOrg, _ := cmd.Flags().GetBool("new-org"); newOrg {
				sc.OrganizationID = ""
			}

			res, err := seed.NewSeeder(client, cat, sc, logger).Run(ctx)
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().Int("patients", 50, "Number of patients to create")
	cmd.Flags().Int("appointments", 500, "Number of appointments to create")
	cmd.Flags().Int64("seed", 0, "Random seed (default: current time)")
	cmd.Flags().Float64("rps", 2, "Maximum patient and appointment posts per second")
	cmd.Flags().Bool("new-org", false, "Create the demo organization even when HAPI_ORG_ID is set")
	cmd.Flags().String("org", "", "Existing EHR organization id to seed into")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireOrganization(); err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := metrics.NewRecorder()
	archive, err := openArchive(ctx, cfg, true)
	if err != nil {
		return err
	}

	p, err := buildPipeline(cfg, logger, store, rec, archive, pipeline.Options{
		OrganizationID: cfg.OrganizationID,
		LoadMode:       cfg.CRMLoadMode,
	})
	if err != nil {
		return err
	}

	e := newServer(serverDeps{
		ledger:   store.ledger,
		launcher: p,
		archive:  archive,
		metrics:  rec,
		pinger:   store.pinger(),
		logger:   logger,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		return fmt.Errorf("server shutdown: %w", err)
	}
	if id, active := store.ledger.Active(); active {
		logger.Warn().Str("run_id", id.String()).Msg("run still in progress at shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run ledger schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := connectDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := connectDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			writeMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func writeMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
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
