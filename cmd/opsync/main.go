// Command opsync is a local-first task list that syncs between devices
// through an operation log.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/config"
)

var (
	v       = config.New()
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "opsync",
	Short: "Local-first task list with operation-log sync",
	Long: `opsync keeps a task list on every device and syncs changes between them.

Every change is recorded as an operation in a local log. Sync uploads
local operations and downloads remote ones through a provider: a shared
folder, an S3 bucket or an opsync server. Concurrent edits to the same
entity are detected with vector clocks and resolved by policy or prompt.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupColor(noColor)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().String("data-dir", config.DefaultDataDir(), "Data directory (database, config, locks)")
	rootCmd.PersistentFlags().String("provider", "", "Sync provider: none, localdir, s3, http")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log sync activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	_ = v.BindPFlag("log.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
