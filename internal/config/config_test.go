package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWithDir(t *testing.T, dir string) *Config {
	t.Helper()
	v := New()
	v.Set("data_dir", dir)
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := newWithDir(t, t.TempDir())

	assert.Equal(t, ProviderNone, cfg.Provider)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "@hourly", cfg.Compaction.Schedule)
	assert.Equal(t, 7*24*time.Hour, cfg.Compaction.Retention)
	assert.Equal(t, 500, cfg.Compaction.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Conflicts.Timeout)
	assert.Equal(t, 8788, cfg.Dashboard.Port)
	assert.Equal(t, filepath.Join(cfg.DataDir, "opsync.db"), cfg.DBPath())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
provider: localdir
localdir:
  path: /shared/opsync
sync:
  interval: 30s
  batch_size: 50
conflicts:
  policy: policy.toml
  interactive: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opsync.yaml"), []byte(yaml), 0644))

	cfg := newWithDir(t, dir)
	assert.Equal(t, ProviderLocalDir, cfg.Provider)
	assert.Equal(t, "/shared/opsync", cfg.LocalDir.Path)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "policy.toml", cfg.Conflicts.Policy)
	assert.False(t, cfg.Conflicts.Interactive)
}

func TestLoad_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	toml := `
provider = "s3"

[s3]
bucket = "notes"
prefix = "team"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opsync.toml"), []byte(toml), 0644))

	cfg := newWithDir(t, dir)
	assert.Equal(t, ProviderS3, cfg.Provider)
	assert.Equal(t, "notes", cfg.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("OPSYNC_PROVIDER", "http")
	t.Setenv("OPSYNC_HTTP_URL", "http://sync.example.com")
	t.Setenv("OPSYNC_SYNC_INTERVAL", "5m")

	cfg := newWithDir(t, t.TempDir())
	assert.Equal(t, ProviderHTTP, cfg.Provider)
	assert.Equal(t, "http://sync.example.com", cfg.HTTP.URL)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opsync.yaml"), []byte("provider: [unclosed"), 0644))

	v := New()
	v.Set("data_dir", dir)
	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{DataDir: "/tmp/x", Provider: ProviderNone, Sync: SyncConfig{Interval: time.Minute, BatchSize: 1}}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"localdir without path", func(c *Config) { c.Provider = ProviderLocalDir }, "localdir.path"},
		{"s3 without bucket", func(c *Config) { c.Provider = ProviderS3 }, "s3.bucket"},
		{"http without url", func(c *Config) { c.Provider = ProviderHTTP }, "http.url"},
		{"unknown provider", func(c *Config) { c.Provider = "ftp" }, "unknown provider"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestRedacted(t *testing.T) {
	c := &Config{HTTP: HTTPConfig{Token: "secret"}, Encryption: EncryptionConfig{Passphrase: "pw"}}
	r := c.Redacted()
	assert.Equal(t, "********", r.HTTP.Token)
	assert.Equal(t, "********", r.Encryption.Passphrase)
	assert.Equal(t, "secret", c.HTTP.Token)
	assert.Empty(t, r.S3.SecretAccessKey)
}
