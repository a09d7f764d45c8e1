package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration after merging defaults, the config
file, OPSYNC_* environment variables and flags. Secrets are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stderr, "%s\n", renderMuted("# from "+used))
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			fatalf("failed to encode config: %v", err)
		}
		_ = enc.Close()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the data directory and config file paths",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		fmt.Printf("Data dir: %s\n", cfg.DataDir)
		fmt.Printf("Database: %s\n", cfg.DBPath())
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("Config:   %s\n", used)
		} else {
			fmt.Printf("Config:   %s\n", renderMuted("none"))
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
