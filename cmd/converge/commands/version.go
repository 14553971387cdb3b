package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// versionInfo is printed by the version command.
type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Catalog   string `json:"catalog,omitempty"`
	Revision  string `json:"catalog_revision,omitempty"`
}

func newVersionCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the binary's version and, when a catalog is found, the git
revision of the catalog checkout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:   global.version,
				Commit:    global.commit,
				BuildDate: global.buildDate,
				GoVersion: runtime.Version(),
			}
			// The catalog is optional here.
			if cat, err := global.loadCatalog(); err == nil {
				info.Catalog = cat.Path
				info.Revision = cat.Revision
			}

			if global.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "converge %s (commit: %s, built: %s, %s)\n", info.Version, info.Commit, info.BuildDate, info.GoVersion)
			if info.Catalog != "" {
				fmt.Fprintf(out, "catalog %s at %s\n", info.Catalog, dash(info.Revision))
			}
			return nil
		},
	}
}
