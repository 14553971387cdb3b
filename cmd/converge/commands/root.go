package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	catalogPath string
	logLevel    string
	verbose     bool
	jsonOutput  bool

	version   string
	commit    string
	buildDate string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version, commit: commit, buildDate: buildDate}

	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - declarative host convergence over SSH",
		Long: `converge brings a fleet of small Debian hosts to the state declared in a
catalog. Each resource checks the host before it acts, so repeated runs only
change what drifted.

Resources:
  - Debian packages and full dist-upgrades
  - archives and plain downloads
  - git checkouts
  - config files, optionally decrypted locally with OpenPGP
  - systemd services and peer-served mount units
  - application bundles of uploads, mounts and services`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&opts.catalogPath, "catalog", "c", "", "catalog file (default ./catalog.yaml, then $XDG_CONFIG_HOME/converge/catalog.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "stream remote command output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInstallCommand(opts))
	rootCmd.AddCommand(newHostsCommand(opts))
	rootCmd.AddCommand(newResourcesCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newVersionCommand(opts))

	return rootCmd
}

// loadCatalog reads the catalog named by --catalog or found by default.
func (o *globalOptions) loadCatalog() (*config.Catalog, error) {
	path := o.catalogPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return config.NewLoader(o.version).Load(path)
}

// telemetryConfig applies the command line overrides to the catalog's
// telemetry sections.
func (o *globalOptions) telemetryConfig(cat *config.Catalog) *telemetry.Config {
	cfg := cat.Telemetry(o.version)
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.jsonOutput {
		cfg.Logging.Format = "json"
	}
	return cfg
}

// LogError logs a failed command with the host, resource and command of every
// classified error it carries.
func LogError(err error) {
	for _, e := range flatten(err) {
		ev := log.Error()
		var ce *engine.Error
		if errors.As(e, &ce) {
			ev = ev.Str("kind", string(ce.Kind))
			if ce.Host != "" {
				ev = ev.Str("host", ce.Host)
			}
			if ce.Resource != "" {
				ev = ev.Str("resource", ce.Resource)
			}
			if ce.Command != "" {
				ev = ev.Str("command", ce.Command)
			}
		}
		ev.Err(e).Msg("command failed")
	}
}

// flatten splits joined errors so each failure is logged on its own line.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
