// Package config loads opsync settings from opsync.yaml (or .toml/.json) in
// the data directory, OPSYNC_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file base name (without extension).
const FileName = "opsync"

// Provider kinds.
const (
	ProviderNone     = "none"
	ProviderLocalDir = "localdir"
	ProviderS3       = "s3"
	ProviderHTTP     = "http"
)

// Config holds the effective settings.
type Config struct {
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
	Provider string `mapstructure:"provider" yaml:"provider"`

	LocalDir   LocalDirConfig   `mapstructure:"localdir" yaml:"localdir"`
	S3         S3Config         `mapstructure:"s3" yaml:"s3"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	Compaction CompactionConfig `mapstructure:"compaction" yaml:"compaction"`
	Conflicts  ConflictsConfig  `mapstructure:"conflicts" yaml:"conflicts"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard" yaml:"dashboard"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// LocalDirConfig configures the shared-folder provider.
type LocalDirConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// S3Config configures the S3 provider.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	PathStyle       bool   `mapstructure:"path_style" yaml:"path_style"`
}

// HTTPConfig configures the operation-sync API client.
type HTTPConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

// ServerConfig configures `opsync serve`.
type ServerConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
	DB    string `mapstructure:"db" yaml:"db"`
}

// SyncConfig tunes the sync service and the daemon.
type SyncConfig struct {
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BatchSize          int           `mapstructure:"batch_size" yaml:"batch_size"`
	DownloadPageSize   int           `mapstructure:"download_page_size" yaml:"download_page_size"`
	DisableCompression bool          `mapstructure:"disable_compression" yaml:"disable_compression"`
}

// EncryptionConfig enables end-to-end payload encryption.
type EncryptionConfig struct {
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
}

// CompactionConfig tunes log compaction.
type CompactionConfig struct {
	Schedule  string        `mapstructure:"schedule" yaml:"schedule"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
}

// ConflictsConfig selects how conflicts are decided.
type ConflictsConfig struct {
	// Policy is a TOML conflict policy file (optional)
	Policy string `mapstructure:"policy" yaml:"policy,omitempty"`

	// Interactive prompts on a terminal instead of using the policy
	Interactive bool          `mapstructure:"interactive" yaml:"interactive"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DashboardConfig configures the daemon's WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// LogConfig routes logs to a rotating file.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// DefaultDataDir returns ~/.opsync, or ./.opsync when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsync"
	}
	return filepath.Join(home, ".opsync")
}

// SetDefaults registers the default of every key on v. Keys without a
// default are invisible to Unmarshal when set only in the environment, so
// empty ones are registered too.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("provider", ProviderNone)
	v.SetDefault("localdir.path", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.path_style", false)
	v.SetDefault("http.url", "")
	v.SetDefault("http.token", "")
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.token", "")
	v.SetDefault("server.db", "")
	v.SetDefault("encryption.passphrase", "")
	v.SetDefault("conflicts.policy", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.verbose", false)
	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.timeout", 2*time.Minute)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.download_page_size", 500)
	v.SetDefault("sync.disable_compression", false)
	v.SetDefault("compaction.schedule", "@hourly")
	v.SetDefault("compaction.retention", 7*24*time.Hour)
	v.SetDefault("compaction.threshold", 500)
	v.SetDefault("conflicts.interactive", true)
	v.SetDefault("conflicts.timeout", 5*time.Minute)
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8788)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
}

// New returns a viper instance with defaults and environment binding set
// up. Flags are bound by the caller with BindPFlag.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("OPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file from the data directory (if any) and
// decodes the effective settings.
func Load(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")
	v.SetConfigName(FileName)
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider settings and tunables.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	switch c.Provider {
	case ProviderNone, "":
	case ProviderLocalDir:
		if c.LocalDir.Path == "" {
			return fmt.Errorf("provider localdir requires localdir.path")
		}
	case ProviderS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("provider s3 requires s3.bucket")
		}
	case ProviderHTTP:
		if c.HTTP.URL == "" {
			return fmt.Errorf("provider http requires http.url")
		}
	default:
		return fmt.Errorf("unknown provider %q (want none, localdir, s3 or http)", c.Provider)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Compaction.Threshold < 0 {
		return fmt.Errorf("compaction.threshold cannot be negative")
	}
	return nil
}

// DBPath returns the client database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "opsync.db")
}

// LockDir returns the directory of the cross-process lock files.
func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// ServerDBPath returns the database path of `opsync serve`.
func (c *Config) ServerDBPath() string {
	if c.Server.DB != "" {
		return c.Server.DB
	}
	return filepath.Join(c.DataDir, "server.db")
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.S3.SecretAccessKey)
	mask(&out.HTTP.Token)
	mask(&out.Server.Token)
	mask(&out.Encryption.Passphrase)
	return &out
}
