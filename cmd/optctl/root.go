package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"dispatchopt/internal/config"
	"dispatchopt/internal/history"
	"dispatchopt/internal/model"
	"dispatchopt/internal/planner"
	"dispatchopt/internal/store"
)

var (
	databaseURL string
	policyFile  string

	runDrivers  int
	runStart    string
	runMaxHours float64

	historySkip  int
	historyLimit int

	seedDir string
)

var rootCmd = &cobra.Command{
	Use:   "optctl",
	Short: "Delivery dispatch optimizer CLI",
	Long: `optctl operates directly on the configured store: it triggers
optimization runs, prints the current schedule and run history, and loads
CSV seed data. Configuration comes from the environment and .env, as for
the API server.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one optimization and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in model.SimulationInput
		if cmd.Flags().Changed("drivers") {
			in.NumAvailableDrivers = &runDrivers
		}
		if cmd.Flags().Changed("start") {
			in.RouteStartTime = &runStart
		}
		if cmd.Flags().Changed("max-hours") {
			in.MaxHoursPerDriverPerDay = &runMaxHours
		}
		return withPlanner(cmd.Context(), func(cfg config.Config, st store.Store, pl *planner.Planner) error {
			res, err := pl.Run(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"message":     res.Message,
				"run_id":      res.Run.ID,
				"kpis":        res.KPIs(),
				"assignments": res.Plan.ByDriver(),
				"unassigned":  res.Plan.Unassigned,
				"issues":      res.IssueStrings(),
			})
		})
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the current schedule with the latest KPIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlanner(cmd.Context(), func(cfg config.Config, st store.Store, pl *planner.Planner) error {
			view, err := pl.Schedule(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recorded optimization runs, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlanner(cmd.Context(), func(cfg config.Config, st store.Store, pl *planner.Planner) error {
			runs, err := pl.History(cmd.Context(), historySkip, historyLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load drivers.csv, routes.csv and orders.csv from a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlanner(cmd.Context(), func(cfg config.Config, st store.Store, pl *planner.Planner) error {
			stats, err := store.LoadSeedDir(cmd.Context(), st, seedDir, time.Now().In(cfg.Location), cfg.Location)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Store DSN (overrides DATABASE_URL; sqlite:<path> for SQLite)")
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "Policy YAML file (overrides POLICY_FILE)")

	runCmd.Flags().IntVar(&runDrivers, "drivers", 0, "Number of available drivers")
	runCmd.Flags().StringVar(&runStart, "start", "", "Route start time (HH:MM)")
	runCmd.Flags().Float64Var(&runMaxHours, "max-hours", 0, "Max hours per driver per day")

	historyCmd.Flags().IntVar(&historySkip, "skip", 0, "Runs to skip")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Max runs to print")

	seedCmd.Flags().StringVarP(&seedDir, "dir", "d", "", "Directory holding the seed CSV files")
	_ = seedCmd.MarkFlagRequired("dir")

	rootCmd.AddCommand(runCmd, scheduleCmd, historyCmd, seedCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	if policyFile != "" {
		if cfg.Policy, err = config.LoadPolicy(policyFile); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func withPlanner(ctx context.Context, fn func(config.Config, store.Store, *planner.Planner) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	pl := planner.New(st, cfg.Policy,
		planner.WithLocation(cfg.Location),
		planner.WithRecorder(history.NewRecorder(st, history.WithPageSize(cfg.HistoryPageSize))),
	)
	return fn(cfg, st, pl)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
