package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/resources"
	"github.com/openfroyo/converge/pkg/secrets"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// Dir is the directory relative sources resolve against.
func (c *Catalog) Dir() string {
	if c.Path == "" {
		return "."
	}
	return filepath.Dir(c.Path)
}

// resolve makes a relative local path absolute against the catalog.
func (c *Catalog) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

// Registry builds every declared resource and checks the dependency graph.
func (c *Catalog) Registry() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	var errs []error
	for _, spec := range c.Resources {
		res, err := c.buildResource(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := reg.Register(res); err != nil {
			errs = append(errs, err)
		}
	}
	if err := reg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

func (c *Catalog) buildResource(spec ResourceSpec) (engine.Resource, error) {
	base := resources.Base{ResourceName: spec.Name, Deps: spec.DependsOn, PostApply: spec.PostApply}

	switch spec.Kind {
	case resources.KindPackage:
		return resources.NewPackage(spec.Name, spec.DependsOn, spec.PostApply), nil

	case resources.KindUpgrade:
		u := resources.NewUpgrade(spec.Name)
		u.Deps = spec.DependsOn
		return u, nil

	case resources.KindArchive:
		return &resources.Archive{
			Base:        base,
			URL:         spec.URL,
			Destination: spec.Destination,
			Test:        engine.TestOperator(spec.Test),
		}, nil

	case resources.KindGit:
		return &resources.GitCheckout{
			Base:        base,
			URL:         spec.URL,
			Destination: spec.Destination,
			Branch:      spec.Branch,
			Force:       spec.Force,
		}, nil

	case resources.KindConfigFile:
		return &resources.ConfigFile{
			Base:        base,
			Source:      c.resolve(spec.Source),
			Destination: spec.Destination,
			Owner:       spec.Owner,
			Group:       spec.Group,
			Mode:        spec.Mode,
		}, nil

	case resources.KindDownload:
		return &resources.Download{Base: base, URL: spec.URL, Destination: spec.Destination}, nil

	case resources.KindService:
		if spec.Unit == nil {
			return nil, missing(spec, "unit")
		}
		return &resources.Service{Base: base, Unit: c.unit(*spec.Unit)}, nil

	case resources.KindMount:
		if spec.Mount == nil {
			return nil, missing(spec, "mount")
		}
		return &resources.Mount{Base: base, Mount: c.mount(*spec.Mount)}, nil

	case resources.KindBundle:
		b := &resources.Bundle{Base: base}
		for _, p := range spec.Preconditions {
			b.Preconditions = append(b.Preconditions, resources.Precondition{Path: c.resolve(p.Path), Hint: p.Hint})
		}
		for _, a := range spec.Artifacts {
			b.Artifacts = append(b.Artifacts, resources.Artifact{
				Source:       c.resolve(a.Source),
				Destination:  a.Destination,
				Owner:        a.Owner,
				Group:        a.Group,
				Mode:         a.Mode,
				Sudo:         a.Sudo,
				Encrypted:    a.Encrypted,
				Template:     a.Template,
				ChangeMarker: a.ChangeMarker,
			})
		}
		for _, m := range spec.Mounts {
			b.Mounts = append(b.Mounts, c.mount(m))
		}
		for _, u := range spec.Services {
			b.Services = append(b.Services, c.unit(u))
		}
		return b, nil
	}

	return nil, engine.NewConfigurationError(fmt.Sprintf("resource '%s' has unknown kind '%s'", spec.Name, spec.Kind), nil).
		WithResource(spec.Name)
}

func missing(spec ResourceSpec, field string) error {
	return engine.NewConfigurationError(fmt.Sprintf("%s resource '%s' needs a %s section", spec.Kind, spec.Name, field), nil).
		WithResource(spec.Name)
}

func (c *Catalog) unit(u UnitSpec) resources.Unit {
	out := resources.Unit{
		Name:        u.Name,
		Source:      c.resolve(u.Source),
		Scope:       resources.Scope(u.Scope),
		User:        u.User,
		SkipRestart: u.SkipRestart,
		SkipEnable:  u.SkipEnable,
	}
	if u.Template || len(u.Params) > 0 {
		out.Params = engine.Params{}
		for k, v := range u.Params {
			out.Params[engine.Placeholder(k)] = v
		}
	}
	return out
}

func (c *Catalog) mount(m MountSpec) resources.MountUnit {
	return resources.MountUnit{
		Name:     m.Name,
		Source:   c.resolve(m.Source),
		PeerRole: m.PeerRole,
		Comment:  m.Comment,
	}
}

// Inventory builds the host inventory with each host's resource list
// resolved from the catalog roles.
func (c *Catalog) Inventory() (*engine.Inventory, error) {
	hosts := make([]*engine.Host, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		hosts = append(hosts, &engine.Host{
			Hostname: h.Hostname,
			Address:  h.Address,
			Port:     h.Port,
			User:     h.User,
			Roles:    append([]string(nil), h.Roles...),
			Location: h.Location,
			Props:    h.Properties,
		})
	}
	return engine.NewInventory(engine.RoleMap(c.Roles), hosts...)
}

// SSHConfig returns the connection template for every host. Host-level port
// and user override it at dial time.
func (c *Catalog) SSHConfig() *ssh.Config {
	s := c.SSH
	cfg := ssh.DefaultConfig("", s.User)

	if s.Port > 0 {
		cfg.Port = s.Port
	}
	password := s.Password
	if password == "" && s.PasswordEnv != "" {
		password = os.Getenv(s.PasswordEnv)
	}
	switch {
	case s.Auth != "":
		cfg.AuthMethod = ssh.AuthMethod(s.Auth)
	case password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
	case s.PrivateKey != "":
		cfg.AuthMethod = ssh.AuthMethodKey
	}
	cfg.Password = password
	if s.PrivateKey != "" {
		cfg.PrivateKeyPath = expandHome(s.PrivateKey)
	}
	if s.KnownHosts != "" {
		cfg.KnownHostsPath = expandHome(s.KnownHosts)
	}
	if s.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *s.StrictHostKeyChecking
	}
	if s.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = s.ConnectTimeout.Std()
	}
	if s.CommandTimeout > 0 {
		cfg.CommandTimeout = s.CommandTimeout.Std()
	}
	if s.KeepAlive > 0 {
		cfg.KeepAliveInterval = s.KeepAlive.Std()
	}
	if s.JumpHost != "" {
		cfg.ProxyHost = s.JumpHost
		cfg.ProxyUser = s.JumpUser
		if cfg.ProxyUser == "" {
			cfg.ProxyUser = cfg.User
		}
		if s.JumpPort > 0 {
			cfg.ProxyPort = s.JumpPort
		}
	}
	return cfg
}

// SudoPassword reads the sudo password from the configured variable.
func (c *Catalog) SudoPassword() string {
	if c.SSH.SudoPasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.SSH.SudoPasswordEnv)
}

// SecretsConfig returns the secrets section with the keyring path resolved.
func (c *Catalog) SecretsConfig() secrets.Config {
	out := c.Secrets
	if out.Keyring != "" {
		out.Keyring = c.resolve(expandHome(out.Keyring))
	}
	return out
}

// Telemetry overlays the catalog sections on the telemetry defaults.
func (c *Catalog) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}

	l := c.Logging
	if l.Level != "" {
		cfg.Logging.Level = l.Level
	}
	if l.Format != "" {
		cfg.Logging.Format = l.Format
	}
	if l.Output != "" {
		cfg.Logging.Output = l.Output
	}
	if l.TimeFormat != "" {
		cfg.Logging.TimeFormat = l.TimeFormat
	}
	cfg.Logging.EnableCaller = l.Caller
	cfg.Logging.NoColor = l.NoColor

	t := c.Tracing
	cfg.Tracing.Enabled = t.Enabled
	if t.Exporter != "" {
		cfg.Tracing.Exporter = t.Exporter
	} else if t.Enabled {
		cfg.Tracing.Exporter = "stdout"
	}
	cfg.Tracing.Endpoint = t.Endpoint
	if t.SamplingRate != nil {
		cfg.Tracing.SamplingRate = *t.SamplingRate
	}
	if t.Insecure != nil {
		cfg.Tracing.Insecure = *t.Insecure
	}
	for k, v := range t.Headers {
		cfg.Tracing.Headers[k] = v
	}

	m := c.Metrics
	if m.Enabled != nil {
		cfg.Metrics.Enabled = *m.Enabled
	}
	if m.Namespace != "" {
		cfg.Metrics.Namespace = m.Namespace
	}
	cfg.Metrics.Textfile = m.Textfile
	return cfg
}

// PolicyPaths returns the policy section paths resolved against the catalog.
func (c *Catalog) PolicyPaths() []string {
	out := make([]string, 0, len(c.Policy.Paths))
	for _, p := range c.Policy.Paths {
		out = append(out, c.resolve(expandHome(p)))
	}
	return out
}

// Policies builds a policy engine with the built-in policies, minus the
// disabled ones, and the catalog's own policies.
func (c *Catalog) Policies(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	for _, name := range c.Policy.Disable {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("cannot disable policy '%s'", name), err)
		}
	}
	if paths := c.PolicyPaths(); len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, engine.NewConfigurationError("cannot load catalog policies", err)
		}
	}
	return eng, nil
}

// CheckPolicies evaluates eng against the catalog. Warnings are logged;
// error-severity violations are returned joined.
func (c *Catalog) CheckPolicies(ctx context.Context, eng *policy.Engine, logger zerolog.Logger) error {
	result, err := eng.Evaluate(ctx, c)
	if err != nil {
		return engine.NewConfigurationError("policy evaluation failed", err)
	}
	for _, v := range result.Violations {
		if v.Severity == policy.SeverityError {
			continue
		}
		ev := logger.Warn()
		if v.Severity == policy.SeverityInfo {
			ev = logger.Info()
		}
		ev.Str("policy", v.Policy).
			Str("resource", v.Resource).
			Str("host", v.Host).
			Msg(v.Message)
	}
	return result.Err()
}

// HistoryEnabled reports whether runs are journaled. It defaults to true.
func (c *Catalog) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// HistoryPath returns the journal database path, defaulting to
// converge/history.db under the XDG state directory.
func (c *Catalog) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.resolve(expandHome(c.History.Path)), nil
	}
	p, err := xdg.StateFile(filepath.Join("converge", "history.db"))
	if err != nil {
		return "", fmt.Errorf("cannot locate history database: %w", err)
	}
	return p, nil
}

func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
