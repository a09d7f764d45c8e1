package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/localfirst/opsync/internal/oplog"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// setupColor picks the color profile. --no-color, NO_COLOR and
// non-terminal output all fall back to plain text.
func setupColor(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderAccent(s string) string { return accentStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// fatalf prints an error and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]interface{}{renderFail("Error:")}, args...)...)
	os.Exit(1)
}

// eventPrinter shows sync events on stderr.
type eventPrinter struct{}

func (eventPrinter) Notify(ev oplog.Event) {
	switch ev.Kind {
	case oplog.EventSyncComplete, oplog.EventCompacted:
		return
	case oplog.EventConflictsResolved, oplog.EventRepaired:
		fmt.Fprintf(os.Stderr, "%s %s\n", renderAccent("•"), ev.Message)
	default:
		hint := ""
		switch ev.Affordance {
		case oplog.AffordanceRetry:
			hint = renderMuted(" (run 'opsync sync' to retry)")
		case oplog.AffordanceReload:
			hint = renderMuted(" (run 'opsync validate' or restart to reload)")
		}
		fmt.Fprintf(os.Stderr, "%s %s%s\n", renderWarn("⚠"), ev.Message, hint)
	}
}
