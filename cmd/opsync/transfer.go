package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/capture"
	"github.com/localfirst/opsync/internal/oplog/migrate"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "advanced",
	Short:   "Export tasks, projects and tags as JSONL",
	Long: `Write the current state as JSON lines, one entity per line. Without a
file argument the export goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		var w io.Writer = os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				fatalf("failed to create %s: %v", args[0], err)
			}
			defer f.Close()
			w = f
		}

		st := a.state.State()
		if err := migrate.ToJSONL(w, st); err != nil {
			fatalf("%v", err)
		}
		if len(args) == 1 {
			fmt.Fprintf(os.Stderr, "%s Exported %d tasks, %d projects, %d tags to %s\n",
				renderPass("✓"), len(st.Tasks), len(st.Projects), len(st.Tags), args[0])
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Replace all data with a JSONL export",
	Long: `Replace the whole state with the contents of a JSONL export.

The import is recorded as a BACKUP_IMPORT operation, so it syncs to other
devices and replaces their data as well. Older exports are upgraded to
the current schema on the way in. Lines that fail to parse are reported
and skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			fatalf("failed to open %s: %v", args[0], err)
		}
		defer f.Close()

		imported, res, err := migrate.FromJSONL(f)
		if err != nil {
			fatalf("%v", err)
		}
		for _, msg := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", renderWarn("⚠"), msg)
		}
		if strict, _ := cmd.Flags().GetBool("strict"); strict && len(res.Errors) > 0 {
			fatalf("%d lines failed; nothing imported", len(res.Errors))
		}

		encoded, err := imported.Encode()
		if err != nil {
			fatalf("%v", err)
		}

		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		a.mustCapture(ctx, capture.Action{
			ActionType: "[Backup] Import",
			OpType:     oplog.OpBackupImport,
			EntityType: oplog.EntityAll,
			Payload:    oplog.ImportPayload{AppState: json.RawMessage(encoded)},
		})
		fmt.Printf("%s Imported %d tasks, %d projects, %d tags\n",
			renderPass("✓"), res.Tasks, res.Projects, res.Tags)
	},
}

func init() {
	importCmd.Flags().Bool("strict", false, "Abort when any line fails to import")
	rootCmd.AddCommand(exportCmd, importCmd)
}
