package resources

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// Scope selects the systemd instance a unit belongs to.
type Scope string

const (
	// ScopeSystem installs into /etc/systemd/system and uses sudo.
	ScopeSystem Scope = "system"

	// ScopeUser installs into the user's ~/.config/systemd/user and runs
	// systemctl --user as that user. A user other than the login user is
	// handled with sudo and needs a running user manager (lingering).
	ScopeUser Scope = "user"
)

// Unit describes one systemd unit to converge.
type Unit struct {
	// Name is the unit name passed to systemctl.
	Name string

	// Source is the local unit file. The remote file keeps its base name.
	Source string

	// Scope defaults to ScopeSystem.
	Scope Scope

	// User owns user-scope units. Defaults to the host's login user.
	User string

	// Params, when non-nil, are expanded into the unit file before upload,
	// on top of the host's own placeholders.
	Params engine.Params

	// SkipRestart leaves a changed unit stopped after the reload.
	SkipRestart bool

	// SkipEnable skips the enable step entirely.
	SkipEnable bool
}

// unitTarget is a unit resolved against a host.
type unitTarget struct {
	Unit
	user        string
	asUser      string
	destination string
	owner       string
	group       string
	mode        string
	sudo        bool
}

func (u unitTarget) systemctl(args string) string {
	switch {
	case u.Scope != ScopeUser:
		return "systemctl " + args
	case u.asUser != "":
		return fmt.Sprintf("sudo -u %s XDG_RUNTIME_DIR=/run/user/$(id -u %s) systemctl --user %s", u.asUser, u.asUser, args)
	}
	return "systemctl --user " + args
}

func resolveUnit(s *engine.Session, u Unit) (unitTarget, error) {
	if u.Name == "" || u.Source == "" {
		return unitTarget{}, engine.NewConfigurationError("unit needs a name and a source", nil)
	}
	t := unitTarget{Unit: u}
	base := filepath.Base(u.Source)

	switch u.Scope {
	case "", ScopeSystem:
		t.Scope = ScopeSystem
		t.destination = path.Join("/etc/systemd/system", base)
		t.owner, t.group, t.mode = "root", "root", "644"
		t.sudo = true
	case ScopeUser:
		t.user = u.User
		if t.user == "" {
			t.user = s.Host.User
		}
		if t.user == "" {
			return unitTarget{}, engine.NewConfigurationError(fmt.Sprintf("user unit %s has no user", u.Name), nil)
		}
		t.destination = path.Join("/home", t.user, ".config/systemd/user", base)
		t.owner, t.group, t.mode = t.user, t.user, "444"
		if s.Host.User != "" && t.user != s.Host.User {
			t.asUser = t.user
			t.sudo = true
		}
	default:
		return unitTarget{}, engine.NewConfigurationError(fmt.Sprintf("unit %s has invalid scope '%s'", u.Name, u.Scope), nil)
	}
	return t, nil
}

// ConvergeUnit uploads a unit, reloads and restarts it when the file
// changed, and enables it if it is not enabled yet. It never disables or
// removes a unit. The result reports whether anything changed.
func ConvergeUnit(ctx context.Context, s *engine.Session, u Unit) (bool, error) {
	t, err := resolveUnit(s, u)
	if err != nil {
		return false, err
	}
	changed, err := syncUnit(ctx, s, t)
	if err != nil {
		return false, err
	}
	enabled, err := enableUnit(ctx, s, t)
	if err != nil {
		return false, err
	}
	return changed || enabled, nil
}

// syncUnit runs the upload, daemon-reload and restart states.
func syncUnit(ctx context.Context, s *engine.Session, t unitTarget) (bool, error) {
	content, err := readLocal(t.Source)
	if err != nil {
		return false, err
	}
	if t.Params != nil {
		params := s.Params()
		for k, v := range t.Params {
			params[k] = v
		}
		content = []byte(params.Expand(string(content)))
	}

	changed, err := s.Sync(ctx, engine.FileSpec{
		Content:     content,
		Destination: t.destination,
		Owner:       t.owner,
		Group:       t.group,
		Mode:        t.mode,
		Sudo:        t.sudo,
	})
	if err != nil || !changed {
		return false, err
	}

	if err := s.Remote.Execute(ctx, t.systemctl("daemon-reload"), t.sudo); err != nil {
		return true, err
	}
	if t.SkipRestart {
		s.Log.Info().Str("unit", t.Name).Msg("unit changed, restart skipped")
		return true, nil
	}
	if err := s.Remote.Execute(ctx, t.systemctl("restart "+t.Name), t.sudo); err != nil {
		return true, err
	}
	return true, nil
}

// enableUnit runs the enable check and enables the unit when needed.
func enableUnit(ctx context.Context, s *engine.Session, t unitTarget) (bool, error) {
	if t.SkipEnable {
		return false, nil
	}
	out, err := s.Remote.Capture(ctx, t.systemctl("is-enabled "+t.Name), t.asUser != "", false)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) == "enabled" {
		s.Log.Info().Str("unit", t.Name).Msg("unit is already enabled")
		return false, nil
	}
	if err := s.Remote.Execute(ctx, t.systemctl("enable "+t.Name), t.sudo); err != nil {
		return false, err
	}
	return true, nil
}

// Service converges a single systemd unit.
type Service struct {
	Base
	Unit Unit
}

// Kind implements engine.Resource.
func (sv *Service) Kind() string {
	return KindService
}

// Apply implements engine.Resource.
func (sv *Service) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, sv); err != nil {
		return false, err
	}
	return ConvergeUnit(ctx, s, sv.Unit)
}
