package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/stockledger/internal/config"
	"github.com/ehr/stockledger/internal/domain/inventory"
	"github.com/ehr/stockledger/internal/platform/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "stockledger",
		Short:        "Hospital supply stock ledger service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(lotsCmd())
	root.AddCommand(ledgerCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(cfg.Level()).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the stock ledger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: every request is authenticated as an admin user")
	}

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	st, err := openStore(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := inventory.NewService(st.Store, logger)
	svc.SetNearExpiryDays(cfg.NearExpiryDays)

	e, err := newServer(cfg, logger, svc, st.Health)
	if err != nil {
		return err
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, newLogger(cfg), false)
			if err != nil {
				return err
			}
			defer st.Close()

			count, err := st.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, newLogger(cfg), false)
			if err != nil {
				return err
			}
			defer st.Close()

			statuses, err := st.MigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for %s store\n", cfg.StoreDriver)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.DateTime)
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func lotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lots",
		Short: "Inspect stock lots",
	}

	expiringCmd := &cobra.Command{
		Use:   "expiring",
		Short: "List lots with stock that expire within the horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.NearExpiryDays
			}
			st, err := openStore(cmd.Context(), cfg, newLogger(cfg), false)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := inventory.NewService(st.Store, zerolog.Nop())
			svc.SetNearExpiryDays(cfg.NearExpiryDays)
			lots, err := svc.ExpiringLots(cmd.Context(), days)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s %-20s %-10s %-10s %s\n", "PRODUCT", "LOT", "EXPIRES", "AVAILABLE", "STATE")
			for _, l := range lots {
				fmt.Fprintf(out, "%-36s %-20s %-10s %-10d %s\n",
					l.ProductID, derefOr(l.LotNumber, "-"), formatDate(l.ExpiryDate), l.AvailableStock, expiryState(l))
			}
			fmt.Fprintf(out, "%d lot(s) expiring within %d day(s)\n", len(lots), days)
			return nil
		},
	}
	expiringCmd.Flags().Int("days", inventory.DefaultNearExpiryDays, "Horizon in days (defaults to NEAR_EXPIRY_DAYS)")
	cmd.AddCommand(expiringCmd)
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Operate on the stock ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <transaction-id>",
		Short: "Apply an approved transaction to its lots (no-op when already applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transaction id %q: %w", args[0], err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			st, err := openStore(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := inventory.NewService(st.Store, logger).ApplyTransaction(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	})
	return cmd
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}

func expiryState(l *inventory.StockLot) string {
	switch {
	case l.IsExpired:
		return "expired"
	case l.IsNearExpiry:
		return "near-expiry"
	default:
		return "ok"
	}
}
