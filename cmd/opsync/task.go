package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/capture"
	"github.com/localfirst/opsync/internal/oplog/schema"
)

// shortIDLen is how many id characters are shown and typically typed.
const shortIDLen = 8

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create and edit tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Long: `Add a task.

Examples:
  opsync task add "Write report"
  opsync task add "Call the bank" --due "tomorrow 10am" -p 1
  opsync task add "Draft outline" --parent 3f2a9c1b`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		st := a.state.State()

		task := map[string]interface{}{
			"title":  strings.Join(args, " "),
			"status": schema.StatusOpen,
		}
		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			task["priority"] = p
		} else {
			task["priority"] = 2
		}
		if notes, _ := cmd.Flags().GetString("notes"); notes != "" {
			task["notes"] = notes
		}
		if due, _ := cmd.Flags().GetString("due"); due != "" {
			t, err := parseTime(due, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			task["dueAt"] = t.UTC()
		}
		if ref, _ := cmd.Flags().GetString("project"); ref != "" {
			task["projectId"] = mustResolve(st.Projects, "project", ref)
		}
		if ref, _ := cmd.Flags().GetString("parent"); ref != "" {
			task["parentId"] = mustResolve(st.Tasks, "task", ref)
		}
		if refs, _ := cmd.Flags().GetStringSlice("tag"); len(refs) > 0 {
			ids := make([]string, 0, len(refs))
			for _, ref := range refs {
				ids = append(ids, mustResolve(st.Tags, "tag", ref))
			}
			task["tagIds"] = ids
		}

		id := uuid.NewString()
		a.mustCapture(ctx, capture.Action{
			ActionType: "[Task] Add",
			OpType:     oplog.OpCreate,
			EntityType: oplog.EntityTask,
			EntityID:   id,
			Payload:    task,
		})
		fmt.Printf("%s Added task %s: %s\n", renderPass("✓"), renderAccent(shortID(id)), task["title"])
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change task fields",
	Long: `Change task fields. Only the flags you pass are changed.

Examples:
  opsync task update 3f2a9c1b --title "Write the report"
  opsync task update 3f2a9c1b --status in_progress --due friday`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		id := mustResolve(a.state.State().Tasks, "task", args[0])

		changes := map[string]interface{}{}
		if cmd.Flags().Changed("title") {
			changes["title"], _ = cmd.Flags().GetString("title")
		}
		if cmd.Flags().Changed("notes") {
			changes["notes"], _ = cmd.Flags().GetString("notes")
		}
		if cmd.Flags().Changed("priority") {
			changes["priority"], _ = cmd.Flags().GetInt("priority")
		}
		if cmd.Flags().Changed("status") {
			status, _ := cmd.Flags().GetString("status")
			if !schema.ValidStatus(status) {
				fatalf("invalid status %q (want open, in_progress or done)", status)
			}
			changes["status"] = status
		}
		if cmd.Flags().Changed("due") {
			due, _ := cmd.Flags().GetString("due")
			if due == "" {
				changes["dueAt"] = nil
			} else {
				t, err := parseTime(due, time.Now())
				if err != nil {
					fatalf("%v", err)
				}
				changes["dueAt"] = t.UTC()
			}
		}
		if len(changes) == 0 {
			fatalf("nothing to update (pass --title, --notes, --priority, --status or --due)")
		}

		a.mustCapture(ctx, capture.Action{
			ActionType: "[Task] Update",
			OpType:     oplog.OpUpdate,
			EntityType: oplog.EntityTask,
			EntityID:   id,
			Payload:    changes,
		})
		fmt.Printf("%s Updated task %s\n", renderPass("✓"), renderAccent(shortID(id)))
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>...",
	Short: "Mark tasks done",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		st := a.state.State()

		ids := make([]string, 0, len(args))
		for _, ref := range args {
			ids = append(ids, mustResolve(st.Tasks, "task", ref))
		}

		action := capture.Action{
			ActionType: "[Task] Done",
			OpType:     oplog.OpUpdate,
			EntityType: oplog.EntityTask,
			Payload:    map[string]string{"status": schema.StatusDone},
		}
		if len(ids) == 1 {
			action.EntityID = ids[0]
		} else {
			action.EntityIDs = ids
		}
		a.mustCapture(ctx, action)
		fmt.Printf("%s Completed %d task(s)\n", renderPass("✓"), len(ids))
	},
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task and its subtasks",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		id := mustResolve(a.state.State().Tasks, "task", args[0])

		a.mustCapture(ctx, capture.Action{
			ActionType: "[Task] Delete",
			OpType:     oplog.OpDelete,
			EntityType: oplog.EntityTask,
			EntityID:   id,
		})
		fmt.Printf("%s Deleted task %s\n", renderPass("✓"), renderAccent(shortID(id)))
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <id> <project>",
	Short: "Move a task to another project",
	Long: `Move a task to another project. Pass "-" as the project to remove
it from its project.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		st := a.state.State()
		id := mustResolve(st.Tasks, "task", args[0])

		projectID := ""
		if args[1] != "-" {
			projectID = mustResolve(st.Projects, "project", args[1])
		}
		a.mustCapture(ctx, capture.Action{
			ActionType: "[Task] Move",
			OpType:     oplog.OpMove,
			EntityType: oplog.EntityTask,
			EntityID:   id,
			Payload:    map[string]string{"projectId": projectID},
		})
		fmt.Printf("%s Moved task %s\n", renderPass("✓"), renderAccent(shortID(id)))
	},
}

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "tasks",
	Short:   "Manage projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a project",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		id := uuid.NewString()
		title := strings.Join(args, " ")
		a.mustCapture(ctx, capture.Action{
			ActionType: "[Project] Add",
			OpType:     oplog.OpCreate,
			EntityType: oplog.EntityProject,
			EntityID:   id,
			Payload:    map[string]string{"title": title},
		})
		fmt.Printf("%s Added project %s: %s\n", renderPass("✓"), renderAccent(shortID(id)), title)
	},
}

var projectRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a project and its tasks",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		st := a.state.State()
		id := mustResolve(st.Projects, "project", args[0])

		a.mustCapture(ctx, capture.Action{
			ActionType: "[Project] Delete",
			OpType:     oplog.OpDelete,
			EntityType: oplog.EntityProject,
			EntityID:   id,
		})
		fmt.Printf("%s Deleted project %s (%d tasks)\n", renderPass("✓"), renderAccent(shortID(id)), len(st.Projects[id].TaskIDs))
	},
}

var projectArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		id := mustResolve(a.state.State().Projects, "project", args[0])

		undo, _ := cmd.Flags().GetBool("undo")
		a.mustCapture(ctx, capture.Action{
			ActionType: "[Project] Archive",
			OpType:     oplog.OpUpdate,
			EntityType: oplog.EntityProject,
			EntityID:   id,
			Payload:    map[string]bool{"isArchived": !undo},
		})
		fmt.Printf("%s Updated project %s\n", renderPass("✓"), renderAccent(shortID(id)))
	},
}

var tagCmd = &cobra.Command{
	Use:     "tag",
	GroupID: "tasks",
	Short:   "Manage tags",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a tag",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()

		tag := map[string]string{"title": args[0]}
		if color, _ := cmd.Flags().GetString("color"); color != "" {
			tag["color"] = color
		}
		id := uuid.NewString()
		a.mustCapture(ctx, capture.Action{
			ActionType: "[Tag] Add",
			OpType:     oplog.OpCreate,
			EntityType: oplog.EntityTag,
			EntityID:   id,
			Payload:    tag,
		})
		fmt.Printf("%s Added tag %s: %s\n", renderPass("✓"), renderAccent(shortID(id)), args[0])
	},
}

var tagRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a tag and remove it from tasks",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		id := mustResolve(a.state.State().Tags, "tag", args[0])

		a.mustCapture(ctx, capture.Action{
			ActionType: "[Tag] Delete",
			OpType:     oplog.OpDelete,
			EntityType: oplog.EntityTag,
			EntityID:   id,
		})
		fmt.Printf("%s Deleted tag %s\n", renderPass("✓"), renderAccent(shortID(id)))
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks by project",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, openOptions{})
		defer a.Close()
		st := a.state.State()

		all, _ := cmd.Flags().GetBool("all")
		projectRef, _ := cmd.Flags().GetString("project")
		var only string
		if projectRef != "" {
			only = mustResolve(st.Projects, "project", projectRef)
		}

		printTasks(st, only, all)
	},
}

// printTasks prints top-level tasks grouped by project, subtasks indented.
func printTasks(st *schema.AppState, onlyProject string, all bool) {
	groups := map[string][]*schema.Task{}
	for _, t := range st.Tasks {
		if t.ParentID != "" {
			continue
		}
		if onlyProject != "" && t.ProjectID != onlyProject {
			continue
		}
		groups[t.ProjectID] = append(groups[t.ProjectID], t)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return groupTitle(st, keys[i]) < groupTitle(st, keys[j])
	})

	shown := 0
	for _, k := range keys {
		if p := st.Projects[k]; p != nil && p.IsArchived && !all {
			continue
		}
		tasks := groups[k]
		sortTasks(tasks)

		var lines []string
		for _, t := range tasks {
			if t.Status == schema.StatusDone && !all {
				continue
			}
			lines = append(lines, formatTask(st, t, ""))
			for _, childID := range t.SubTaskIDs {
				child := st.Tasks[childID]
				if child == nil || (child.Status == schema.StatusDone && !all) {
					continue
				}
				lines = append(lines, formatTask(st, child, "    "))
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Println(headerStyle.Render(groupTitle(st, k)))
		for _, line := range lines {
			fmt.Println(line)
		}
		fmt.Println()
		shown += len(lines)
	}

	if shown == 0 {
		fmt.Println(renderMuted("No tasks"))
	}
}

func groupTitle(st *schema.AppState, projectID string) string {
	if p := st.Projects[projectID]; p != nil {
		return p.Title
	}
	return "Inbox"
}

// sortTasks orders by priority, then due date, then creation.
func sortTasks(tasks []*schema.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if (a.DueAt == nil) != (b.DueAt == nil) {
			return a.DueAt != nil
		}
		if a.DueAt != nil && !a.DueAt.Equal(*b.DueAt) {
			return a.DueAt.Before(*b.DueAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func formatTask(st *schema.AppState, t *schema.Task, indent string) string {
	box := "[ ]"
	switch t.Status {
	case schema.StatusDone:
		box = renderPass("[✓]")
	case schema.StatusInProgress:
		box = renderAccent("[~]")
	}

	line := fmt.Sprintf("%s%s %s P%d %s", indent, box, renderMuted(shortID(t.ID)), t.Priority, t.Title)
	if t.DueAt != nil {
		due := "due " + t.DueAt.Local().Format("Mon Jan 2 15:04")
		if t.Status != schema.StatusDone && t.DueAt.Before(time.Now()) {
			due = renderFail(due)
		} else {
			due = renderWarn(due)
		}
		line += " " + due
	}
	for _, tagID := range t.TagIDs {
		if g := st.Tags[tagID]; g != nil {
			line += " " + renderAccent("#"+g.Title)
		}
	}
	return line
}

// mustCapture records an action or exits.
func (a *app) mustCapture(ctx context.Context, action capture.Action) *oplog.Operation {
	op, err := a.capturer.Capture(ctx, action)
	if err != nil {
		fatalf("%v", err)
	}
	return op
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// resolveID finds the entity whose id starts with ref. Titles are matched
// case-insensitively when no id matches.
func resolveID[V any](m map[string]V, title func(V) string, ref string) (string, error) {
	if _, ok := m[ref]; ok {
		return ref, nil
	}

	var matches []string
	for id := range m {
		if strings.HasPrefix(id, ref) {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		for id, e := range m {
			if strings.EqualFold(title(e), ref) {
				matches = append(matches, id)
			}
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no match for %q", ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d matches)", ref, len(matches))
	}
}

// mustResolve resolves a task, project or tag reference or exits.
func mustResolve[V any](m map[string]V, kind, ref string) string {
	id, err := resolveID(m, func(e V) string { return entityTitle(e) }, ref)
	if err != nil {
		fatalf("%s %v", kind, err)
	}
	return id
}

func entityTitle(e interface{}) string {
	switch v := e.(type) {
	case *schema.Task:
		return v.Title
	case *schema.Project:
		return v.Title
	case *schema.Tag:
		return v.Title
	}
	return ""
}

func init() {
	taskAddCmd.Flags().IntP("priority", "p", 2, "Priority 0-4 (0 is highest)")
	taskAddCmd.Flags().String("notes", "", "Notes")
	taskAddCmd.Flags().String("due", "", `Due date ("tomorrow 5pm", "2026-03-01")`)
	taskAddCmd.Flags().String("project", "", "Project id or title")
	taskAddCmd.Flags().String("parent", "", "Parent task id (creates a subtask)")
	taskAddCmd.Flags().StringSlice("tag", nil, "Tag id or title (repeatable)")

	taskUpdateCmd.Flags().String("title", "", "New title")
	taskUpdateCmd.Flags().String("notes", "", "New notes")
	taskUpdateCmd.Flags().IntP("priority", "p", 2, "New priority 0-4")
	taskUpdateCmd.Flags().String("status", "", "New status: open, in_progress, done")
	taskUpdateCmd.Flags().String("due", "", `New due date ("" clears it)`)

	projectArchiveCmd.Flags().Bool("undo", false, "Unarchive instead")
	tagAddCmd.Flags().String("color", "", "Tag color")

	listCmd.Flags().BoolP("all", "a", false, "Include done tasks and archived projects")
	listCmd.Flags().String("project", "", "Only this project")

	taskCmd.AddCommand(taskAddCmd, taskUpdateCmd, taskDoneCmd, taskRmCmd, taskMoveCmd)
	projectCmd.AddCommand(projectAddCmd, projectRmCmd, projectArchiveCmd)
	tagCmd.AddCommand(tagAddCmd, tagRmCmd)
	rootCmd.AddCommand(taskCmd, projectCmd, tagCmd, listCmd)
}
