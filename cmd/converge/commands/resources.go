package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

// resourceRow is one line of the resources listing.
type resourceRow struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func newResourcesCommand(global *globalOptions) *cobra.Command {
	var hostname string

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List catalog resources",
		Long: `List every resource in the catalog with its kind and direct
dependencies. With --host the list is the host's resources expanded with
their dependencies, in the order an install pass reaches them.`,
		Example: `  # Every resource
  converge resources

  # What an install on pi-munich would touch, in order
  converge resources --host pi-munich`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := global.loadCatalog()
			if err != nil {
				return err
			}
			reg, err := cat.Registry()
			if err != nil {
				return err
			}

			names := reg.Names()
			if hostname != "" {
				inv, err := cat.Inventory()
				if err != nil {
					return err
				}
				host, ok := inv.Lookup(hostname)
				if !ok {
					return engine.NewConfigurationError(fmt.Sprintf("unknown host '%s'", hostname), nil)
				}
				names, err = reg.InstallOrder(host.Packages)
				if err != nil {
					return err
				}
			}

			rows := make([]resourceRow, 0, len(names))
			for _, name := range names {
				res, _ := reg.Lookup(name)
				rows = append(rows, resourceRow{Name: name, Kind: res.Kind(), DependsOn: res.Dependencies()})
			}

			if global.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), rows)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tDEPENDS ON")
			for _, row := range rows {
				if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", row.Name, row.Kind, dash(strings.Join(row.DependsOn, ","))); err != nil {
					return err
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&hostname, "host", "", "show the install order for this host")

	return cmd
}
