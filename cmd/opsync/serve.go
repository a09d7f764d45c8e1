package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/logging"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/transport/httpapi"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run an opsync sync server",
	Long: `Run the HTTP sync server used by the http provider.

The server assigns a global sequence number to every uploaded operation
and stores them in server.db. It never reads payloads, so clients may
encrypt them end to end. Set server.token to require a bearer token.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logs := logging.New(cfg.Log, cfg.DataDir)
		defer logs.Close()

		database, err := db.OpenContext(ctx, cfg.ServerDBPath())
		if err != nil {
			fatalf("%v", err)
		}
		defer database.Close()

		backend, err := httpapi.NewServerStore(database, logs.Logger("server"))
		if err != nil {
			fatalf("%v", err)
		}
		srv, err := httpapi.NewServer(backend, &httpapi.ServerConfig{
			Addr:   cfg.Server.Addr,
			Token:  cfg.Server.Token,
			Logger: logs.Logger("server"),
		})
		if err != nil {
			fatalf("%v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("%v", err)
		}

		fmt.Fprintf(os.Stderr, "%s Serving %s on %s\n", renderPass("✓"), cfg.ServerDBPath(), srv.Addr())
		if cfg.Server.Token == "" {
			fmt.Fprintf(os.Stderr, "%s No server.token set; any client can upload\n", renderWarn("⚠"))
		}

		<-ctx.Done()
		if err := srv.Stop(); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
