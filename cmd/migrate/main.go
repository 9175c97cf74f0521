package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/dotkom/vengeful-vineyard/internal/migrate"
)

var (
	dsn       string
	seedsDir  string
	opTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the vengeful-vineyard database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			for _, name := range applied {
				log.Printf("applied %s", name)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				log.Printf("no pending migrations")
			}
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if err != nil {
				return err
			}
			log.Printf("rolled back %s", name)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Status(ctx)
			if err != nil {
				return err
			}
			pending, err := m.Pending(ctx)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied  %s\n", name)
			}
			for _, name := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", name)
			}
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply seed files from --seeds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedsDir == "" {
			return errors.New("--seeds is required")
		}
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			if err := m.Seed(ctx); err != nil {
				return err
			}
			log.Printf("seeds applied from %s", seedsDir)
			return nil
		})
	},
}

func withManager(parent context.Context, fn func(context.Context, *migrate.Manager) error) error {
	if dsn == "" {
		return errors.New("missing DSN: provide via --dsn or VINEYARD_PG_DSN")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opTimeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	var opts []migrate.Option
	if seedsDir != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(seedsDir)))
	}
	return fn(ctx, migrate.NewManager(db, nil, opts...))
}

func main() {
	log.SetFlags(0)
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("VINEYARD_PG_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 30*time.Second, "Timeout for the whole operation")
	seedCmd.Flags().StringVar(&seedsDir, "seeds", "", "Directory of *.sql seed files")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}
