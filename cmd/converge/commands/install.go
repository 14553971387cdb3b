package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/remote"
	"github.com/openfroyo/converge/pkg/secrets"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// hostRemote is a connected engine.Remote.
type hostRemote interface {
	engine.Remote
	Close() error
}

// dialHost opens the connection for one host pass.
var dialHost = func(ctx context.Context, host *engine.Host, base *ssh.Config, opts remote.Options) (hostRemote, error) {
	return remote.Dial(ctx, host, base, opts)
}

func newInstallCommand(global *globalOptions) *cobra.Command {
	var (
		all         bool
		parallel    int
		keepGoing   bool
		metricsFile string
		only        []string
		noHistory   bool
	)

	cmd := &cobra.Command{
		Use:   "install [host|selector]...",
		Short: "Converge hosts to their catalog state",
		Long: `Converge each selected host to the resources its roles bring in.

Hosts are named directly or through selectors:
  - a hostname, or several joined by commas
  - role=<role> and location=<location> terms
  - all

Each host pass connects once over SSH and installs its resources in order,
dependencies first. A failed resource stops that host. With --parallel several
hosts converge at once; the first failure cancels the rest unless
--keep-going is set.

Catalog policies are checked before any host is contacted: error-severity
violations abort the run. Every run is recorded in the history journal
unless the catalog disables it or --no-history is set.`,
		Example: `  # Converge one host
  converge install pi-munich

  # Converge every media host in munich, two at a time
  converge install role=media,location=munich --parallel 2

  # Converge everything and report all failures at the end
  converge install --all --keep-going

  # Install a single resource on a host
  converge install pi-munich --only inadyn`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("name at least one host or selector, or pass --all")
			}
			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1")
			}

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
			hosts, err := selectHosts(inv, args, all)
			if err != nil {
				return err
			}

			tcfg := global.telemetryConfig(cat)
			if metricsFile != "" {
				tcfg.Metrics.Enabled = true
				tcfg.Metrics.Textfile = metricsFile
			}
			tel, err := telemetry.NewTelemetry(tcfg)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), tcfg.Tracing.ExportTimeout+time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					tel.Logger.Warn().Err(err).Msg("telemetry shutdown failed")
				}
			}()

			policies, err := cat.Policies(cmd.Context(), tel.Logger)
			if err != nil {
				return err
			}
			if err := cat.CheckPolicies(cmd.Context(), policies, tel.Logger); err != nil {
				return err
			}

			dec, err := secrets.New(cat.SecretsConfig())
			if err != nil {
				return err
			}

			r := &runner{
				registry:  reg,
				inventory: inv,
				ssh:       cat.SSHConfig(),
				remote: remote.Options{
					StreamOutput: global.verbose,
					SudoPassword: cat.SudoPassword(),
					Logger:       tel.Logger,
				},
				secrets:   dec,
				metrics:   tel.Metrics,
				log:       tel.Logger,
				runID:     uuid.New().String(),
				resources: only,
			}

			ctx, span := tel.Tracer.StartRunSpan(tel.WithContext(cmd.Context()), r.runID, hostnames(hosts))
			defer span.End()

			tel.Logger.Info().
				Str("run_id", r.runID).
				Str("catalog", cat.Path).
				Str("revision", cat.Revision).
				Strs("hosts", hostnames(hosts)).
				Int("parallel", parallel).
				Msg("starting run")

			var journal *stores.SQLiteStore
			if !noHistory && cat.HistoryEnabled() {
				journal = openJournal(ctx, cat, tel.Logger)
			}
			if journal != nil {
				defer journal.Close()
				run := &stores.Run{
					ID:       r.runID,
					Catalog:  cat.Path,
					Revision: cat.Revision,
					Version:  global.version,
					Hosts:    hostnames(hosts),
				}
				if err := journal.StartRun(ctx, run); err != nil {
					tel.Logger.Warn().Err(err).Msg("failed to record run start")
					journal = nil
				}
			}

			results, runErr := r.run(ctx, hosts, parallel, keepGoing)
			telemetry.RecordError(span, runErr)
			tel.Metrics.RecordRunFinished(time.Now())
			if journal != nil {
				recordRun(context.WithoutCancel(ctx), journal, r.runID, results, runErr, tel.Logger)
			}

			if err := printResults(cmd.OutOrStdout(), results, global.jsonOutput); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "converge every host in the inventory")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "max hosts converged at once")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "continue with other hosts after a failure")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")
	cmd.Flags().StringSliceVar(&only, "only", nil, "install these resources instead of the host's role list")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record this run in the history journal")

	return cmd
}

// selectHosts resolves every selector argument, keeping first-seen order.
func selectHosts(inv *engine.Inventory, selectors []string, all bool) ([]*engine.Host, error) {
	if all {
		return inv.Hosts(), nil
	}
	seen := make(map[string]bool)
	out := make([]*engine.Host, 0)
	for _, sel := range selectors {
		hosts, err := inv.Select(sel)
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			if seen[h.Hostname] {
				continue
			}
			seen[h.Hostname] = true
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("no host matches %v", selectors), nil)
	}
	return out, nil
}

func hostnames(hosts []*engine.Host) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Hostname
	}
	return out
}

// runner converges hosts against one registry. Registry and inventory are
// shared read-only; each pass gets its own session and connection.
type runner struct {
	registry  *engine.Registry
	inventory *engine.Inventory
	ssh       *ssh.Config
	remote    remote.Options
	secrets   engine.Decrypter
	metrics   *telemetry.Metrics
	log       zerolog.Logger
	runID     string
	resources []string
}

// hostResult is the outcome of one host pass.
type hostResult struct {
	Host    string         `json:"host"`
	Report  *engine.Report `json:"report,omitempty"`
	Error   string         `json:"error,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`

	err error
}

// run converges hosts at most parallel at a time. Results are indexed like
// hosts.
func (r *runner) run(ctx context.Context, hosts []*engine.Host, parallel int, keepGoing bool) ([]hostResult, error) {
	results := make([]hostResult, len(hosts))

	var (
		g    *errgroup.Group
		gctx = ctx
		mu   sync.Mutex
		errs []error
	)
	if keepGoing {
		g = new(errgroup.Group)
	} else {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(parallel)

	for i, host := range hosts {
		results[i] = hostResult{Host: host.Hostname, Skipped: true}
		g.Go(func() error {
			if gctx.Err() != nil {
				r.log.Warn().Str("host", host.Hostname).Msg("skipped after earlier failure")
				return nil
			}
			report, err := r.converge(gctx, host)
			results[i] = hostResult{Host: host.Hostname, Report: report}
			if err == nil {
				return nil
			}
			results[i].Error = err.Error()
			results[i].err = err
			if !keepGoing {
				return err
			}
			LogError(err)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d of %d hosts failed: %w", len(errs), len(hosts), errors.Join(errs...))
	}
	return results, nil
}

// converge runs one host pass and records it.
func (r *runner) converge(ctx context.Context, host *engine.Host) (*engine.Report, error) {
	start := time.Now()
	report, err := r.pass(ctx, host)

	changed := 0
	if report != nil {
		changed = report.Changed()
	}
	r.metrics.RecordHostPass(host.Hostname, changed, time.Since(start), err)
	return report, err
}

func (r *runner) pass(ctx context.Context, host *engine.Host) (*engine.Report, error) {
	rem, err := dialHost(ctx, host, r.ssh, r.remote)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rem.Close(); err != nil {
			r.log.Warn().Err(err).Str("host", host.Hostname).Msg("failed to close connection")
		}
	}()

	opts := []engine.SessionOption{
		engine.WithInventory(r.inventory),
		engine.WithLogger(r.log),
		engine.WithObserver(r.metrics),
		engine.WithRunID(r.runID),
	}
	if r.secrets != nil {
		opts = append(opts, engine.WithSecrets(r.secrets))
	}

	session := r.registry.NewSession(host, rem, opts...)
	if len(r.resources) > 0 {
		return session.InstallAll(ctx, r.resources)
	}
	return session.Converge(ctx)
}

// openJournal opens the history journal. A journal that cannot be opened is
// logged and the run goes ahead unrecorded.
func openJournal(ctx context.Context, cat *config.Catalog, logger zerolog.Logger) *stores.SQLiteStore {
	path, err := cat.HistoryPath()
	if err != nil {
		logger.Warn().Err(err).Msg("history disabled")
		return nil
	}
	journal, err := stores.Open(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("history disabled")
		return nil
	}
	return journal
}

// recordRun stores every host pass and closes the run.
func recordRun(ctx context.Context, journal stores.Store, runID string, results []hostResult, runErr error, logger zerolog.Logger) {
	for _, res := range results {
		pass := stores.PassFromReport(runID, res.Host, res.Report, res.err)
		if err := journal.RecordPass(ctx, pass); err != nil {
			logger.Warn().Err(err).Str("host", res.Host).Msg("failed to record host pass")
		}
	}
	if err := journal.FinishRun(ctx, runID, runErr); err != nil {
		logger.Warn().Err(err).Msg("failed to record run end")
	}
}
