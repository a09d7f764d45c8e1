package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/oplog/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Simulate many devices syncing through one server",
	Long: `Run a sync simulation in a temporary directory.

Each simulated client has its own database and capture, conflict and sync
stack, and they all sync through an in-memory server. Clients create
their own tasks and rename a few shared ones, so conflicts occur. The
report shows sync latency percentiles and whether every client ended up
with every task.

Examples:
  opsync loadtest
  opsync loadtest --clients 50 --rounds 10 --edit-rate 0.5`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadtest.DefaultConfig()
		cfg.Clients, _ = cmd.Flags().GetInt("clients")
		cfg.Rounds, _ = cmd.Flags().GetInt("rounds")
		cfg.SharedTasks, _ = cmd.Flags().GetInt("shared")
		cfg.EditRate, _ = cmd.Flags().GetFloat64("edit-rate")
		cfg.Seed, _ = cmd.Flags().GetInt64("seed")
		cfg.Dir, _ = cmd.Flags().GetString("dir")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		fmt.Printf("%s Simulating %d clients × %d rounds (%d shared tasks, edit rate %.2f)\n\n",
			renderAccent("•"), cfg.Clients, cfg.Rounds, cfg.SharedTasks, cfg.EditRate)

		report, err := loadtest.Run(ctx, cfg)
		if err != nil {
			fatalf("load test failed: %v", err)
		}
		report.Print(os.Stdout)
		fmt.Println()

		if !report.Converged() {
			fmt.Printf("%s Clients did not converge: %d tasks missing\n", renderFail("✗"), report.Missing)
			os.Exit(1)
		}
		fmt.Printf("%s All clients converged\n", renderPass("✓"))
	},
}

func init() {
	def := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("clients", def.Clients, "Number of simulated clients")
	loadtestCmd.Flags().Int("rounds", def.Rounds, "Capture+sync rounds per client")
	loadtestCmd.Flags().Int("shared", def.SharedTasks, "Tasks every client edits")
	loadtestCmd.Flags().Float64("edit-rate", def.EditRate, "Probability a round edits a shared task")
	loadtestCmd.Flags().Int64("seed", def.Seed, "Workload seed")
	loadtestCmd.Flags().String("dir", "", "Keep client databases here instead of a temp dir")
	rootCmd.AddCommand(loadtestCmd)
}
