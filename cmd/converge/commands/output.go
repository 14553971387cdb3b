package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFD700"}).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#66BB6A"})
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#EF5350"}).Bold(true)
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"})
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResults writes one summary line per host pass.
func printResults(w io.Writer, results []hostResult, asJSON bool) error {
	if asJSON {
		return writeJSON(w, results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tRESOURCES\tCHANGED\tDURATION\tSTATUS")
	for _, res := range results {
		converged, changed, took := "-", "-", "-"
		if r := res.Report; r != nil {
			converged = fmt.Sprint(len(r.Outcomes))
			changed = fmt.Sprint(r.Changed())
			if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
				took = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Host, converged, changed, took, status(res)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func status(res hostResult) string {
	switch {
	case res.Skipped:
		return skippedStyle.Render("skipped")
	case res.Error != "":
		return failedStyle.Render("failed")
	case res.Report != nil && res.Report.Changed() > 0:
		return changedStyle.Render("changed")
	default:
		return okStyle.Render("ok")
	}
}
