package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/repair"
	"github.com/localfirst/opsync/internal/oplog/schema"
	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the configured provider",
	Long: `Download remote operations, resolve conflicts and upload local ones.

Conflicts are decided by prompt when stdin is a terminal, otherwise by the
conflicts.policy file or the suggested resolution.`,
	Run: func(cmd *cobra.Command, args []string) {
		upOnly, _ := cmd.Flags().GetBool("upload-only")
		downOnly, _ := cmd.Flags().GetBool("download-only")
		if upOnly && downOnly {
			fatalf("--upload-only and --download-only are mutually exclusive")
		}

		ctx := context.Background()
		a := mustOpen(ctx, openOptions{interactive: true})
		defer a.Close()
		svc := a.requireSync()

		ctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.Timeout+a.cfg.Conflicts.Timeout)
		defer cancel()

		var (
			res *oplogsync.Result
			err error
		)
		switch {
		case upOnly:
			res, err = svc.UploadPendingOps(ctx)
		case downOnly:
			res, err = svc.DownloadRemoteOps(ctx)
		default:
			res, err = svc.Sync(ctx)
		}
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		printSyncResult(res)
	},
}

func printSyncResult(res *oplogsync.Result) {
	fmt.Printf("%s Synced in %v\n", renderPass("✓"), res.Duration.Round(time.Millisecond))
	fmt.Printf("  Uploaded:   %d\n", res.Uploaded)
	fmt.Printf("  Downloaded: %d\n", res.Downloaded)
	fmt.Printf("  Applied:    %d\n", res.Applied)
	if res.Conflicts > 0 {
		fmt.Printf("  Conflicts:  %s\n", renderWarn(fmt.Sprint(res.Conflicts)))
	}
	if res.Rejected > 0 {
		fmt.Printf("  Rejected:   %s\n", renderWarn(fmt.Sprint(res.Rejected)))
	}
	if res.Skipped > 0 {
		fmt.Printf("  Skipped:    %s\n", renderMuted(fmt.Sprint(res.Skipped)))
	}
	if res.FailedFiles > 0 {
		fmt.Printf("  Unreadable: %s\n", renderFail(fmt.Sprint(res.FailedFiles)))
	}
}

var compactCmd = &cobra.Command{
	Use:     "compact",
	GroupID: "advanced",
	Short:   "Snapshot the state and prune old synced operations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		res, err := a.compactor.Run(ctx)
		if err != nil {
			fatalf("compaction failed: %v", err)
		}
		fmt.Printf("%s Compacted in %v\n", renderPass("✓"), res.Duration.Round(time.Millisecond))
		fmt.Printf("  Snapshot seq:  %d\n", res.Snapshot.LastAppliedOpSeq)
		fmt.Printf("  Ops deleted:   %d\n", res.Deleted)
		fmt.Printf("  Snapshot size: %d bytes\n", res.StateSize)
	},
}

var validateCmd = &cobra.Command{
	Use:     "validate",
	GroupID: "advanced",
	Short:   "Check state integrity and repair it",
	Long: `Check the materialized state for dangling references and invalid
fields. With --dry-run the issues are only listed; otherwise they are
repaired and the fix is recorded as a REPAIR operation that syncs to
other devices.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			issues := schema.Inspect(a.state.State())
			if len(issues) == 0 {
				fmt.Printf("%s No integrity issues\n", renderPass("✓"))
				return
			}
			fmt.Printf("%s %d integrity issues\n", renderWarn("⚠"), len(issues))
			for _, issue := range issues {
				fmt.Printf("  %s\n", issue)
			}
			os.Exit(1)
		}

		res := a.repair.ValidateAndRepair(ctx, repair.AfterSnapshotLoad)
		switch {
		case res.Err != nil:
			fatalf("repair failed: %v", res.Err)
		case res.Valid:
			fmt.Printf("%s No integrity issues\n", renderPass("✓"))
		case res.Repaired:
			fmt.Printf("%s Repaired %d issues\n", renderPass("✓"), res.Summary.Total())
			for _, issue := range res.Issues {
				fmt.Printf("  %s\n", renderMuted(issue.String()))
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show client, log and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		unsynced, err := a.store.GetUnsynced(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		pending, err := a.store.GetPendingRemoteOps(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		undecided, err := a.store.GetDeferredEntityKeys(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		total, err := a.store.CountOps(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		clock, err := a.store.GetCurrentVectorClock(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		st := a.state.State()

		fmt.Println(headerStyle.Render("Client"))
		fmt.Printf("  ID:        %s\n", renderAccent(a.clientID))
		fmt.Printf("  Data dir:  %s\n", a.cfg.DataDir)
		provider := a.cfg.Provider
		if provider == "" {
			provider = "none"
		}
		fmt.Printf("  Provider:  %s\n", provider)
		if a.cfg.Encryption.Passphrase != "" {
			fmt.Printf("  Encrypted: %s\n", renderPass("yes"))
		}
		fmt.Println()

		fmt.Println(headerStyle.Render("Operation log"))
		fmt.Printf("  Entries:         %d\n", total)
		if len(unsynced) > 0 {
			fmt.Printf("  Not uploaded:    %s\n", renderWarn(fmt.Sprint(len(unsynced))))
		} else {
			fmt.Printf("  Not uploaded:    %s\n", renderPass("0"))
		}
		if len(pending) > 0 {
			fmt.Printf("  Awaiting apply:  %s\n", renderWarn(fmt.Sprint(len(pending))))
		}
		if len(undecided) > 0 {
			fmt.Printf("  Undecided:       %s %s\n", renderWarn(fmt.Sprint(len(undecided))), renderMuted("(run opsync sync to decide)"))
		}
		fmt.Printf("  Snapshot seq:    %d\n", a.hydrated.SnapshotSeq)
		fmt.Printf("  Replayed:        %d ops in %v\n", a.hydrated.Replayed, a.hydrated.Duration.Round(time.Millisecond))
		fmt.Printf("  Vector clock:    %s\n", formatClock(clock))
		fmt.Println()

		fmt.Println(headerStyle.Render("State"))
		fmt.Printf("  Tasks:    %d\n", len(st.Tasks))
		fmt.Printf("  Projects: %d\n", len(st.Projects))
		fmt.Printf("  Tags:     %d\n", len(st.Tags))
	},
}

func formatClock(clock map[string]int64) string {
	if len(clock) == 0 {
		return renderMuted("empty")
	}
	parts := make([]string, 0, len(clock))
	for _, id := range slices.Sorted(maps.Keys(clock)) {
		parts = append(parts, fmt.Sprintf("%s:%d", shortID(id), clock[id]))
	}
	return strings.Join(parts, " ")
}

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "advanced",
	Short:   "Show the operation log",
	Long: `Show recorded operations, newest last.

Examples:
  opsync log --since yesterday
  opsync log --since "last monday" --source remote
  opsync log --since 2h --entity 3f2a9c1b`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		sinceFlag, _ := cmd.Flags().GetString("since")
		source, _ := cmd.Flags().GetString("source")
		entity, _ := cmd.Flags().GetString("entity")
		limit, _ := cmd.Flags().GetInt("limit")

		var since time.Time
		if sinceFlag != "" {
			var err error
			if since, err = parseSince(sinceFlag, time.Now()); err != nil {
				fatalf("%v", err)
			}
		}

		entries, err := a.store.GetOpsAfterSeq(ctx, 0)
		if err != nil {
			fatalf("%v", err)
		}

		var shown []oplog.Entry
		for _, e := range entries {
			if !since.IsZero() && e.AppliedAt.Before(since) {
				continue
			}
			if source != "" && string(e.Source) != source {
				continue
			}
			if entity != "" && !touches(&e.Op, entity) {
				continue
			}
			shown = append(shown, e)
		}
		if limit > 0 && len(shown) > limit {
			shown = shown[len(shown)-limit:]
		}

		if len(shown) == 0 {
			fmt.Println(renderMuted("No operations"))
			return
		}
		for _, e := range shown {
			fmt.Println(formatEntry(&e))
		}
	},
}

// parseSince accepts a duration ("2h" means two hours ago) or anything
// parseTime understands.
func parseSince(text string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	return parseTime(text, now)
}

func touches(op *oplog.Operation, ref string) bool {
	for _, id := range op.EntityIDList() {
		if strings.HasPrefix(id, ref) {
			return true
		}
	}
	return false
}

func formatEntry(e *oplog.Entry) string {
	var flags []string
	switch {
	case e.IsRejected():
		flags = append(flags, renderFail("rejected"))
	case e.PendingApply:
		flags = append(flags, renderWarn("pending"))
	case !e.IsSynced():
		flags = append(flags, renderWarn("unsynced"))
	}

	target := strings.ToLower(string(e.Op.EntityType))
	if ids := e.Op.EntityIDList(); len(ids) == 1 {
		target += " " + shortID(ids[0])
	} else if len(ids) > 1 {
		target += fmt.Sprintf(" ×%d", len(ids))
	}

	line := fmt.Sprintf("%6d %s %-6s %-13s %s %s",
		e.Seq,
		renderMuted(e.AppliedAt.Local().Format("2006-01-02 15:04:05")),
		e.Source,
		e.Op.OpType,
		e.Op.ActionType,
		renderAccent(target),
	)
	if len(flags) > 0 {
		line += " " + strings.Join(flags, " ")
	}
	return line
}

func init() {
	syncCmd.Flags().Bool("upload-only", false, "Only upload local operations")
	syncCmd.Flags().Bool("download-only", false, "Only download remote operations")
	validateCmd.Flags().Bool("dry-run", false, "List issues without repairing")
	logCmd.Flags().String("since", "", `Only entries recorded after this time ("yesterday", "2h", "2026-03-01")`)
	logCmd.Flags().String("source", "", "Only local or remote entries")
	logCmd.Flags().String("entity", "", "Only operations touching this entity id (prefix)")
	logCmd.Flags().IntP("limit", "n", 50, "Show at most this many entries (0 for all)")

	rootCmd.AddCommand(syncCmd, compactCmd, validateCmd, statusCmd, logCmd)
}
