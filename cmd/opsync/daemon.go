package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/metrics"
	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/daemon"
	"github.com/localfirst/opsync/internal/oplog/dashboard"
	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously in the background",
	Long: `Run sync on an interval and compaction on a schedule until
interrupted.

With the localdir provider, files written by other devices into the
shared folder trigger a sync after a short debounce. When the dashboard
is enabled, sync events stream over WebSocket on /ws and Prometheus
metrics are served on /metrics.

Conflicts are never prompted for; they follow conflicts.policy or the
suggested resolution, and manual cases stay pending for 'opsync sync'.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !v.IsSet("log.file") || v.GetString("log.file") == "" {
			v.Set("log.verbose", true)
		}
		cfg := loadConfig()

		if port, _ := cmd.Flags().GetInt("dashboard-port"); cmd.Flags().Changed("dashboard-port") {
			cfg.Dashboard.Port = port
			cfg.Dashboard.Enabled = true
		}
		if off, _ := cmd.Flags().GetBool("no-dashboard"); off {
			cfg.Dashboard.Enabled = false
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		opts := openOptions{metrics: m}

		var (
			dash    *dashboard.Server
			handler *dashboard.Handler
		)
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{
				Host:    cfg.Dashboard.Host,
				Port:    cfg.Dashboard.Port,
				Metrics: m,
			})
			handler = dashboard.NewHandler(dash, nil)
			opts.notifiers = []oplog.Notifier{handler}
		}

		a, err := openApp(ctx, cfg, opts)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		svc := a.requireSync()
		logger := a.logs.Logger("daemon")

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.Sync.Interval
		dcfg.SyncTimeout = cfg.Sync.Timeout
		dcfg.Compactor = a.compactor
		dcfg.CompactionSchedule = cfg.Compaction.Schedule
		dcfg.Logger = logger
		if a.localRoot != "" {
			dcfg.WatchDir = filepath.Join(a.localRoot, oplogsync.OpsDir)
			dcfg.IgnoreFile = a.ownChunk
		}
		if handler != nil {
			dcfg.OnSync = handler.OnSyncComplete
		}

		d, err := daemon.NewWithConfig(svc, dcfg)
		if err != nil {
			fatalf("%v", err)
		}

		if dash != nil {
			if err := dash.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() { _ = dash.Stop() }()
			fmt.Fprintf(os.Stderr, "%s Dashboard on http://%s/ (metrics on /metrics)\n", renderAccent("•"), dash.GetAddr())
		}

		fmt.Fprintf(os.Stderr, "%s Syncing every %v as client %s (Ctrl-C to stop)\n",
			renderPass("✓"), cfg.Sync.Interval, renderAccent(shortID(a.clientID)))
		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped: %v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Daemon stopped\n", renderMuted("•"))
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Serve the dashboard on this port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not serve the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
