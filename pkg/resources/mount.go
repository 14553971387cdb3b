package resources

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
)

// MountUnit is a system-scope systemd mount unit served by a peer host.
type MountUnit struct {
	// Name is the mount unit name, e.g. home-pi-Slideshow.mount.
	Name string

	// Source is the local unit template. {name} and {server} are expanded.
	Source string

	// PeerRole selects the serving host in the same location.
	PeerRole string

	// Comment is shown to the operator for steps that cannot be automated,
	// such as provisioning credentials. {hostname} is expanded.
	Comment string
}

// ConvergeMount selects the peer for m and converges the unit.
func ConvergeMount(ctx context.Context, s *engine.Session, m MountUnit) (bool, error) {
	peer, err := selectPeer(s, m.PeerRole)
	if err != nil {
		return false, err
	}

	params := s.Params().
		With(engine.PlaceholderName, m.Name).
		With(engine.PlaceholderServer, peer.Hostname)
	t, err := resolveUnit(s, Unit{Name: m.Name, Source: m.Source, Scope: ScopeSystem, Params: params})
	if err != nil {
		return false, err
	}

	changed, err := syncUnit(ctx, s, t)
	if err != nil {
		return false, err
	}
	if m.Comment != "" {
		s.Log.Warn().Str("unit", m.Name).Msg(params.Expand(m.Comment))
	}
	enabled, err := enableUnit(ctx, s, t)
	if err != nil {
		return false, err
	}
	return changed || enabled, nil
}

func selectPeer(s *engine.Session, role string) (*engine.Host, error) {
	if s.Inventory == nil {
		return nil, engine.NewPreconditionError("no inventory to select a '" + role + "' peer from")
	}
	peer, ok := s.Inventory.Peer(role, s.Host.Location)
	if !ok {
		return nil, engine.NewPreconditionError(fmt.Sprintf("no host with role '%s' in location '%s'", role, s.Host.Location))
	}
	return peer, nil
}

// Mount converges a mount unit as a standalone resource.
type Mount struct {
	Base
	Mount MountUnit
}

// Kind implements engine.Resource.
func (m *Mount) Kind() string {
	return KindMount
}

// Apply implements engine.Resource.
func (m *Mount) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, m); err != nil {
		return false, err
	}
	return ConvergeMount(ctx, s, m.Mount)
}
