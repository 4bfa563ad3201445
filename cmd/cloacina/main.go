// Command cloacina is a minimal operational CLI: migrate, status, cancel,
// and a long-running run loop for a configured store backend. It is not an
// authoring tool: workflows and task implementations are registered by an
// embedding Go program, and those registrations live only in that
// program's process. This binary registers none, so its run loop cannot
// advance pipelines of any workflow.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloacina/cloacina/internal/runner"
	"github.com/cloacina/cloacina/internal/store"
	"github.com/cloacina/cloacina/internal/store/memstore"
	"github.com/cloacina/cloacina/internal/store/pgstore"
	"github.com/cloacina/cloacina/pkg/cloacina"
)

var (
	dsn        string
	memBacked  bool
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cloacina",
		Short: "Operate a Cloacina workflow engine backed by an external store",
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string (postgres://...)")
	root.PersistentFlags().BoolVar(&memBacked, "mem", false, "use an in-process in-memory store instead of --dsn (for local trials only)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func openStore() (store.Store, error) {
	if memBacked {
		return memstore.New(), nil
	}
	if dsn == "" {
		return nil, fmt.Errorf("one of --dsn or --mem is required")
	}
	return pgstore.Open(dsn)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to --dsn",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			return pgstore.Migrate(db)
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, dispatcher, and recovery loops until interrupted",
		Long: "Drives whatever pipelines have already been submitted against --dsn/--mem. " +
			"This binary compiles in no workflow definitions of its own (authoring stays in " +
			"the embedding Go program per Register). Workflow registrations are process-local, " +
			"so pipelines whose workflow is not registered in this process are not advanced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("construct logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			cfg := runner.DefaultRunnerConfig()
			if configPath != "" {
				cfg, err = runner.LoadRunnerConfig(configPath)
				if err != nil {
					return err
				}
			}

			engine := cloacina.New(st, cfg, log)
			log.Info("starting cloacina runner", zap.String("scheduler_id", cfg.SchedulerID))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return engine.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML runner config overriding the defaults (permits, timeouts, routes)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <pipeline-id>",
		Short: "Print a pipeline execution's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pipeline id: %w", err)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			engine := cloacina.New(st, runner.DefaultRunnerConfig(), zap.NewNop())
			status, err := engine.Status(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			fmt.Println(status)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <pipeline-id>",
		Short: "Cancel a running pipeline execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pipeline id: %w", err)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			engine := cloacina.New(st, runner.DefaultRunnerConfig(), zap.NewNop())
			if err := engine.Cancel(cmd.Context(), id); err != nil {
				return fmt.Errorf("cancel pipeline: %w", err)
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}
