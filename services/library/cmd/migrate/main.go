package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"libraryrecords/internal/util"
	"libraryrecords/pkg/store"
	"libraryrecords/services/library/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "library-migrate",
		Short:        "Manage the library database schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.ConfigPath, "path to config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), configPath, func(ctx context.Context, driver string, db *gorm.DB) error {
				applied, err := store.Migrate(ctx, db)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					slog.Info("schema up to date", "driver", driver)
					return nil
				}
				slog.Info("migrations applied", "driver", driver, "versions", applied)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations that have not been applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), configPath, func(ctx context.Context, _ string, db *gorm.DB) error {
				pending, err := store.PendingMigrations(ctx, db)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(out, "no pending migrations")
					return nil
				}
				for _, m := range pending {
					fmt.Fprintf(out, "pending %d %s\n", m.Version, m.Name)
				}
				return nil
			})
		},
	})
	return root
}

func withDB(ctx context.Context, configPath string, fn func(context.Context, string, *gorm.DB) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	util.InitLogger(cfg.LogLevel)
	if cfg.DatabaseDriver == "memory" {
		return fmt.Errorf("driver %q keeps no schema to migrate", cfg.DatabaseDriver)
	}
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open %s database: %w", cfg.DatabaseDriver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()
	return fn(ctx, cfg.DatabaseDriver, db)
}
