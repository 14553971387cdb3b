package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/resources"
)

func newValidateCommand(global *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalog",
		Long: `Validate the catalog without contacting any host.

This command checks:
  - syntax, unknown fields and field rules
  - duplicate resource names
  - dependencies on unknown resources and dependency cycles
  - host resource lists against the registry
  - that every mount has a peer host in the mounting host's location
  - built-in and catalog Rego policies

With --watch the catalog is validated again whenever it or a policy file
changes, until interrupted.`,
		Example: `  # Validate the default catalog
  converge validate

  # Validate a specific catalog
  converge validate --catalog ./home.cue

  # Re-validate on every save
  converge validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := validateOnce(cmd, global)
			if !watch {
				return err
			}
			if err != nil {
				LogError(err)
			}
			return watchCatalog(cmd, global)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "validate again whenever the catalog or a policy changes")

	return cmd
}

func validateOnce(cmd *cobra.Command, global *globalOptions) error {
	cat, err := global.loadCatalog()
	if err != nil {
		return err
	}
	reg, err := cat.Registry()
	if err != nil {
		return err
	}
	inv, err := cat.Inventory()
	if err != nil {
		return err
	}
	if err := checkHosts(reg, inv); err != nil {
		return err
	}
	policies, err := cat.Policies(cmd.Context(), log.Logger)
	if err != nil {
		return err
	}
	if err := cat.CheckPolicies(cmd.Context(), policies, log.Logger); err != nil {
		return err
	}

	log.Info().
		Str("catalog", cat.Path).
		Str("revision", cat.Revision).
		Int("hosts", len(inv.Hosts())).
		Int("resources", reg.Len()).
		Int("policies", len(policies.ListPolicies())).
		Msg("catalog is valid")
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d hosts, %d resources\n", cat.Path, len(inv.Hosts()), reg.Len())
	return err
}

// watchCatalog re-validates on every change to the catalog directory or the
// policy paths. Validation failures are logged and watching continues.
func watchCatalog(cmd *cobra.Command, global *globalOptions) error {
	path := global.catalogPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	paths := []string{filepath.Dir(abs)}
	// Policy paths added to the catalog later need a restart.
	if cat, err := global.loadCatalog(); err == nil {
		paths = append(paths, cat.PolicyPaths()...)
	}

	w := &policy.Watcher{
		Paths:  paths,
		Logger: log.Logger,
		Match: func(p string) bool {
			_, err := config.FormatOf(p)
			return err == nil || policy.IsPolicyFile(p)
		},
	}
	return w.Run(cmd.Context(), func() {
		if err := validateOnce(cmd, global); err != nil {
			LogError(err)
		}
	})
}

// checkHosts resolves each host's install order and checks mount peers.
func checkHosts(reg *engine.Registry, inv *engine.Inventory) error {
	var errs []error
	for _, host := range inv.Hosts() {
		order, err := reg.InstallOrder(host.Packages)
		if err != nil {
			var e *engine.Error
			if errors.As(err, &e) {
				e.WithHost(host.Hostname)
			}
			errs = append(errs, err)
			continue
		}
		for _, name := range order {
			res, _ := reg.Lookup(name)
			for _, m := range mountsOf(res) {
				if _, ok := inv.Peer(m.PeerRole, host.Location); !ok {
					errs = append(errs, engine.NewPreconditionError(
						fmt.Sprintf("mount %s needs a %s host in location '%s'", m.Name, m.PeerRole, host.Location)).
						WithHost(host.Hostname).
						WithResource(name))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func mountsOf(res engine.Resource) []resources.MountUnit {
	switch r := res.(type) {
	case *resources.Mount:
		return []resources.MountUnit{r.Mount}
	case *resources.Bundle:
		return r.Mounts
	}
	return nil
}
