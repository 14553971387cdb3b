package resources

import (
	"context"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
)

// DefaultBranch is rebased onto when GitCheckout.Branch is empty.
const DefaultBranch = "master"

// GitCheckout clones a repository into a directory named after the resource
// and rebases it onto the remote branch. PostApply commands usually build
// and install from the checkout; {file} expands to the checkout directory.
type GitCheckout struct {
	Base

	// URL is the clone URL.
	URL string

	// Destination is the file whose presence means the checkout is installed.
	Destination string

	// Branch is the remote branch to rebase onto.
	Branch string

	// Force skips the destination test and always updates.
	Force bool
}

// Kind implements engine.Resource.
func (g *GitCheckout) Kind() string {
	return KindGit
}

// Apply implements engine.Resource.
func (g *GitCheckout) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, g); err != nil {
		return false, err
	}

	if !g.Force {
		present, err := s.Exists(ctx, engine.IsFile, g.Destination)
		if err != nil {
			return false, err
		}
		if present {
			s.Log.Info().Str("destination", g.Destination).Msg("checkout is already installed")
			return false, nil
		}
	}

	branch := g.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	steps := []string{
		fmt.Sprintf("git clone %s %s || true", g.URL, g.ResourceName),
		fmt.Sprintf("cd %s && git fetch origin && git rebase origin/%s", g.ResourceName, branch),
	}
	params := s.Params().With(engine.PlaceholderFile, g.ResourceName)
	steps = append(steps, params.ExpandAll(g.PostApply)...)

	if err := runAll(ctx, s, steps, false); err != nil {
		return false, err
	}
	return true, nil
}
