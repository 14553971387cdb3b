package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHostsCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts [selector]",
		Short: "List inventory hosts",
		Long: `List the hosts of the inventory with their roles, location and the
resources their roles resolve to. A selector narrows the list.`,
		Example: `  # All hosts
  converge hosts

  # Hosts carrying the nas role
  converge hosts role=nas`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := global.loadCatalog()
			if err != nil {
				return err
			}
			inv, err := cat.Inventory()
			if err != nil {
				return err
			}

			selector := "all"
			if len(args) > 0 {
				selector = args[0]
			}
			hosts, err := inv.Select(selector)
			if err != nil {
				return err
			}

			if global.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), hosts)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tADDRESS\tLOCATION\tROLES\tRESOURCES")
			for _, h := range hosts {
				if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					h.Hostname,
					h.DialAddress(),
					dash(h.Location),
					dash(strings.Join(h.Roles, ",")),
					dash(strings.Join(h.Packages, ",")),
				); err != nil {
					return err
				}
			}
			return tw.Flush()
		},
	}

	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
