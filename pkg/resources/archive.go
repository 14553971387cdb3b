package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// Archive fetches a URL to a temporary file in the login user's home and
// hands it to PostApply commands, which typically unpack it. The destination
// existence test gates the whole apply.
type Archive struct {
	Base

	// URL is fetched with curl on the host.
	URL string

	// Destination is the path whose presence means the archive is installed.
	Destination string

	// Test is the operator for the existence test. Defaults to engine.IsFile.
	Test engine.TestOperator
}

// Kind implements engine.Resource.
func (a *Archive) Kind() string {
	return KindArchive
}

// TempName returns the remote temporary file name for a pass.
func (a *Archive) TempName(runID string) string {
	id := runID
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	return fmt.Sprintf("%s.%s.download", a.ResourceName, id)
}

// Apply implements engine.Resource.
func (a *Archive) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, a); err != nil {
		return false, err
	}

	present, err := s.Exists(ctx, a.Test, a.Destination)
	if err != nil {
		return false, err
	}
	if present {
		s.Log.Info().Str("destination", a.Destination).Msg("archive is already installed")
		return false, nil
	}

	tmp := a.TempName(s.RunID)
	if err := s.Remote.Execute(ctx, fmt.Sprintf("curl --silent --show-error %s > %s", a.URL, tmp), false); err != nil {
		return false, err
	}

	params := s.Params().With(engine.PlaceholderFile, tmp)
	if err := runAll(ctx, s, params.ExpandAll(a.PostApply), false); err != nil {
		return false, err
	}

	if err := s.Remote.Execute(ctx, "rm "+tmp, false); err != nil {
		return false, err
	}
	return true, nil
}
