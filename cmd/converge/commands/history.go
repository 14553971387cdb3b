package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func newHistoryCommand(global *globalOptions) *cobra.Command {
	var (
		host  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `Show runs recorded in the history journal, newest first. With a run id,
show every host pass of that run and the resources it converged.`,
		Example: `  # The last 20 runs
  converge history

  # Runs that touched one host
  converge history --host nas-munich

  # Details of one run
  converge history 5c0e3a4e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := global.loadCatalog()
			if err != nil {
				return err
			}
			path, err := cat.HistoryPath()
			if err != nil {
				return err
			}
			journal, err := stores.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer journal.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := journal.GetRun(cmd.Context(), args[0])
				if err != nil {
					return engine.NewConfigurationError(fmt.Sprintf("no run '%s' in %s", args[0], path), err)
				}
				if global.jsonOutput {
					return writeJSON(w, run)
				}
				return printRun(w, run)
			}

			runs, err := journal.ListRuns(cmd.Context(), stores.RunFilter{Host: host, Limit: limit})
			if err != nil {
				return err
			}
			if global.jsonOutput {
				if runs == nil {
					runs = []*stores.Run{}
				}
				return writeJSON(w, runs)
			}
			return printRuns(w, runs)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "only runs that passed over this host")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs listed, 0 for all")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tHOSTS\tREVISION\tSTATUS")
	for _, r := range runs {
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			took,
			dash(strings.Join(r.Hosts, ",")),
			dash(r.Revision),
			runStatus(r.Status),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *stores.Run) error {
	fmt.Fprintf(w, "run %s of %s", run.ID, run.Catalog)
	if run.Revision != "" {
		fmt.Fprintf(w, " at %s", run.Revision)
	}
	fmt.Fprintf(w, ": %s\n\n", runStatus(run.Status))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tRESOURCES\tCHANGED\tDURATION\tSTATUS\tERROR")
	for _, p := range run.Passes {
		names := make([]string, len(p.Outcomes))
		for i, o := range p.Outcomes {
			names[i] = o.Name
			if o.Changed {
				names[i] += "*"
			}
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			p.Host,
			dash(strings.Join(names, ",")),
			p.Changed(),
			p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond),
			passStatus(p),
			dash(p.ErrorKind),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runStatus(s stores.RunStatus) string {
	switch s {
	case stores.RunStatusFailed:
		return failedStyle.Render(string(s))
	case stores.RunStatusRunning:
		return skippedStyle.Render(string(s))
	}
	return okStyle.Render(string(s))
}

func passStatus(p *stores.HostPass) string {
	switch {
	case p.Status == stores.PassStatusFailed:
		return failedStyle.Render("failed")
	case p.Status == stores.PassStatusSkipped:
		return skippedStyle.Render("skipped")
	case p.Changed() > 0:
		return changedStyle.Render("changed")
	}
	return okStyle.Render("ok")
}
