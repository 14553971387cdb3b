package resources

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
)

// Package converges a Debian package to the "install" selection state.
type Package struct {
	Base
}

// NewPackage creates a package resource. PostApply commands run with sudo
// after a fresh install and are not expanded.
func NewPackage(name string, deps []string, postApply []string) *Package {
	return &Package{Base: Base{ResourceName: name, Deps: deps, PostApply: postApply}}
}

// Kind implements engine.Resource.
func (p *Package) Kind() string {
	return KindPackage
}

// Apply implements engine.Resource.
func (p *Package) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, p); err != nil {
		return false, err
	}

	installed, err := s.Remote.Test(ctx, fmt.Sprintf("dpkg --get-selections %s | grep -q '[[:space:]]install$'", p.ResourceName))
	if err != nil {
		return false, err
	}
	if installed {
		s.Log.Info().Str("package", p.ResourceName).Msg("package is already installed")
		return false, nil
	}

	if err := s.Remote.Execute(ctx, "DEBIAN_FRONTEND=noninteractive apt-get --yes install "+p.ResourceName, true); err != nil {
		return false, err
	}
	if err := runAll(ctx, s, p.PostApply, true); err != nil {
		return false, err
	}
	return true, nil
}

// Upgrade runs a full apt update/dist-upgrade/autoremove cycle on every
// install. It has no check and always reports a change.
type Upgrade struct {
	Base
}

// DefaultUpgradeName is the conventional name of the upgrade resource.
const DefaultUpgradeName = "apt-dist-upgrade"

// NewUpgrade creates an upgrade resource. An empty name selects
// DefaultUpgradeName.
func NewUpgrade(name string) *Upgrade {
	if name == "" {
		name = DefaultUpgradeName
	}
	return &Upgrade{Base: Base{ResourceName: name}}
}

// Kind implements engine.Resource.
func (u *Upgrade) Kind() string {
	return KindUpgrade
}

// Apply implements engine.Resource.
func (u *Upgrade) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, u); err != nil {
		return false, err
	}

	s.Log.Info().Msg("upgrading host")
	steps := []string{
		"DEBIAN_FRONTEND=noninteractive apt-get --yes update",
		"DEBIAN_FRONTEND=noninteractive apt-get --yes dist-upgrade",
		"DEBIAN_FRONTEND=noninteractive apt-get --yes autoremove",
	}
	if err := runAll(ctx, s, steps, true); err != nil {
		return false, err
	}
	return true, nil
}
