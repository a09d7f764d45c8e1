package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/localfirst/opsync/internal/oplog"
)

// promptDecider asks the user about each conflict.
type promptDecider struct{}

func (promptDecider) Decide(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error) {
	out := make([]oplog.Resolution, len(conflicts))
	for i, c := range conflicts {
		choice := string(c.SuggestedResolution)
		if c.SuggestedResolution == oplog.ResolveManual {
			choice = string(oplog.ResolveLocal)
		}

		field := huh.NewSelect[string]().
			Title(fmt.Sprintf("Conflict %d/%d: %s %s", i+1, len(conflicts), strings.ToLower(string(c.EntityType)), c.EntityID)).
			Description(describeConflict(c)).
			Options(
				huh.NewOption("Keep my changes", string(oplog.ResolveLocal)),
				huh.NewOption("Take the other device's changes", string(oplog.ResolveRemote)),
				huh.NewOption("Decide later", string(oplog.ResolveSkip)),
			).
			Value(&choice)

		if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
			return nil, fmt.Errorf("conflict prompt aborted: %w", err)
		}
		out[i] = oplog.Resolution(choice)
	}
	return out, nil
}

// describeConflict lists both sides, newest op last.
func describeConflict(c oplog.EntityConflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mine:\n")
	for _, op := range c.LocalOps {
		fmt.Fprintf(&b, "  %s\n", summarizeOp(op))
	}
	fmt.Fprintf(&b, "Theirs:\n")
	for _, op := range c.RemoteOps {
		fmt.Fprintf(&b, "  %s\n", summarizeOp(op))
	}
	if c.SuggestedResolution != oplog.ResolveManual && c.SuggestedResolution != oplog.ResolveSkip {
		fmt.Fprintf(&b, "Suggested: %s", c.SuggestedResolution)
	}
	return b.String()
}

func summarizeOp(op oplog.Operation) string {
	when := op.Time().Local().Format("Jan 2 15:04")
	if op.PayloadEncrypted || len(op.Payload) == 0 {
		return fmt.Sprintf("%s %s (%s)", when, op.ActionType, op.ClientID)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(op.Payload, &fields); err != nil || len(fields) == 0 {
		return fmt.Sprintf("%s %s (%s)", when, op.ActionType, op.ClientID)
	}
	parts := make([]string, 0, len(fields))
	for k, val := range fields {
		parts = append(parts, k+"="+string(val))
	}
	return fmt.Sprintf("%s %s %s (%s)", when, op.ActionType, strings.Join(parts, " "), op.ClientID)
}
