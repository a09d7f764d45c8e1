package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/localfirst/opsync/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "sync",
	Short:   "Create the data directory and config file",
	Long: `Create the data directory, the local database and an opsync.yaml
config file, and assign this device a client id.

Examples:
  opsync init
  opsync init --provider localdir --path ~/Dropbox/opsync
  opsync init --provider http --url https://sync.example.com --encrypt`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		encrypt, _ := cmd.Flags().GetBool("encrypt")
		force, _ := cmd.Flags().GetBool("force")

		if encrypt {
			passphrase, err := readPassphrase()
			if err != nil {
				fatalf("%v", err)
			}
			cfg.Encryption.Passphrase = passphrase
		}

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			fatalf("failed to create data directory: %v", err)
		}
		cfgPath := filepath.Join(cfg.DataDir, config.FileName+".yaml")
		if _, err := os.Stat(cfgPath); err == nil && !force {
			fatalf("%s already exists (use --force to overwrite)", cfgPath)
		}
		if err := writeConfigFile(cfgPath, cfg); err != nil {
			fatalf("%v", err)
		}

		a, err := openApp(context.Background(), cfg, openOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		fmt.Printf("%s Initialized opsync in %s\n", renderPass("✓"), cfg.DataDir)
		fmt.Printf("  Client ID: %s\n", renderAccent(a.clientID))
		fmt.Printf("  Config:    %s\n", cfgPath)
		if cfg.Provider == config.ProviderNone || cfg.Provider == "" {
			fmt.Printf("  %s\n", renderMuted("No sync provider; edit the config or re-run with --provider to sync"))
		} else {
			fmt.Printf("  Provider:  %s\n", cfg.Provider)
		}
		if cfg.Encryption.Passphrase != "" {
			fmt.Printf("  %s\n", renderWarn("Use the same passphrase on every device"))
		}
	},
}

// readPassphrase prompts twice without echo.
func readPassphrase() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("--encrypt needs a terminal (set OPSYNC_ENCRYPTION_PASSPHRASE instead)")
	}
	fmt.Fprint(os.Stderr, "Encryption passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

// writeConfigFile stores cfg as YAML. The file may hold secrets, so it is
// only readable by the owner.
func writeConfigFile(path string, cfg *config.Config) error {
	out := *cfg
	// data_dir is implied by the file location
	out.DataDir = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func init() {
	initCmd.Flags().String("path", "", "Shared folder for the localdir provider")
	initCmd.Flags().String("url", "", "Server URL for the http provider")
	initCmd.Flags().String("bucket", "", "Bucket for the s3 provider")
	initCmd.Flags().Bool("encrypt", false, "Prompt for an end-to-end encryption passphrase")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	_ = v.BindPFlag("localdir.path", initCmd.Flags().Lookup("path"))
	_ = v.BindPFlag("http.url", initCmd.Flags().Lookup("url"))
	_ = v.BindPFlag("s3.bucket", initCmd.Flags().Lookup("bucket"))
	rootCmd.AddCommand(initCmd)
}
