package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is one convergence pass over one host. It is not safe for
// concurrent use; parallel hosts each get their own session.
type Session struct {
	Host      *Host
	Remote    Remote
	Secrets   Decrypter
	Inventory *Inventory
	RunID     string
	Log       zerolog.Logger

	registry  *Registry
	observer  Observer
	stack     []string
	converged map[string]bool
	report    *Report
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSecrets sets the decrypter used by encrypted config files.
func WithSecrets(d Decrypter) SessionOption {
	return func(s *Session) { s.Secrets = d }
}

// WithInventory sets the inventory used for peer selection.
func WithInventory(inv *Inventory) SessionOption {
	return func(s *Session) { s.Inventory = inv }
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.Log = l }
}

// WithObserver registers a per-resource observer.
func WithObserver(o Observer) SessionOption {
	return func(s *Session) { s.observer = o }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) SessionOption {
	return func(s *Session) { s.RunID = id }
}

// NewSession starts a convergence pass for host over remote.
func (r *Registry) NewSession(host *Host, remote Remote, opts ...SessionOption) *Session {
	s := &Session{
		Host:      host,
		Remote:    remote,
		RunID:     uuid.New().String(),
		Log:       zerolog.Nop(),
		registry:  r,
		stack:     make([]string, 0),
		converged: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Log = s.Log.With().Str("host", host.Hostname).Str("run_id", s.RunID).Logger()
	s.report = &Report{Host: host.Hostname, RunID: s.RunID, Outcomes: make([]Outcome, 0)}
	return s
}

// Install installs a single resource by name within this pass.
func (s *Session) Install(ctx context.Context, name string) (bool, error) {
	return s.registry.Install(ctx, s, name)
}

// InstallDependencies installs every dependency of res, in order, stopping at
// the first failure. It reports whether any dependency changed.
func (s *Session) InstallDependencies(ctx context.Context, res Resource) (bool, error) {
	changed := false
	for _, dep := range res.Dependencies() {
		c, err := s.Install(ctx, dep)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// Params returns the host-derived placeholder values.
func (s *Session) Params() Params {
	return s.Host.Params()
}

// Converge installs the host's resolved resource list.
func (s *Session) Converge(ctx context.Context) (*Report, error) {
	return s.InstallAll(ctx, s.Host.Packages)
}

// InstallAll installs names in order and aborts on the first failure. The
// returned report covers every resource converged before the failure.
func (s *Session) InstallAll(ctx context.Context, names []string) (*Report, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "host.converge",
		trace.WithAttributes(
			attribute.String("target.host", s.Host.Hostname),
			attribute.String("run.id", s.RunID),
			attribute.Int("resources.requested", len(names)),
		))
	defer span.End()

	s.report.StartedAt = time.Now()
	defer func() { s.report.FinishedAt = time.Now() }()

	s.Log.Info().Strs("resources", names).Msg("converging host")
	for _, name := range names {
		if _, err := s.Install(ctx, name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.report, err
		}
	}
	span.SetStatus(codes.Ok, "")
	s.Log.Info().
		Int("converged", len(s.report.Outcomes)).
		Int("changed", s.report.Changed()).
		Msg("host converged")
	return s.report, nil
}

// Report returns the outcomes recorded so far.
func (s *Session) Report() *Report {
	return s.report
}

func (s *Session) stackIndex(name string) int {
	for i, n := range s.stack {
		if n == name {
			return i
		}
	}
	return -1
}

func (s *Session) push(name string) {
	s.stack = append(s.stack, name)
}

func (s *Session) pop() {
	s.stack = s.stack[:len(s.stack)-1]
}

// Outcome is the transient result of installing one resource.
type Outcome struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Changed  bool          `json:"changed"`
	Duration time.Duration `json:"duration"`
}

// Report lists outcomes of one pass in completion order: dependencies
// appear before their dependents.
type Report struct {
	Host       string    `json:"host"`
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Changed counts outcomes that changed the host.
func (r *Report) Changed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Changed {
			n++
		}
	}
	return n
}

// Names returns the converged resource names in completion order.
func (r *Report) Names() []string {
	out := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Name
	}
	return out
}
