package resources

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// Precondition is a local path that must exist before a bundle touches the
// host, usually a linked project folder or a build output.
type Precondition struct {
	Path string

	// Hint tells the operator how to satisfy the precondition.
	Hint string
}

// Artifact is a local file, or a glob of files, uploaded by a bundle.
type Artifact struct {
	// Source is a local path or glob. {hostname} and {location} are expanded.
	Source string

	// Destination is the remote path. For a glob it is the directory the
	// matches are placed in.
	Destination string

	Owner string
	Group string
	Mode  string
	Sudo  bool

	// Encrypted sources are decrypted before upload.
	Encrypted bool

	// Template expands host placeholders in the content before upload.
	Template bool

	// ChangeMarker is touched on the host whenever this artifact changed.
	// Other tooling on the host may watch it; nothing here reads it back.
	ChangeMarker string
}

func isGlob(source string) bool {
	return strings.ContainsAny(source, "*?[")
}

// Bundle installs an application made of uploaded artifacts, mount units
// and services, after checking that its local build outputs exist.
type Bundle struct {
	Base

	Preconditions []Precondition
	Artifacts     []Artifact
	Mounts        []MountUnit
	Services      []Unit
}

// Kind implements engine.Resource.
func (b *Bundle) Kind() string {
	return KindBundle
}

// Apply implements engine.Resource.
func (b *Bundle) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, b); err != nil {
		return false, err
	}
	if err := b.checkPreconditions(); err != nil {
		return false, err
	}

	changed := false
	for _, a := range b.Artifacts {
		c, err := b.uploadArtifact(ctx, s, a)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}

	for _, m := range b.Mounts {
		c, err := ConvergeMount(ctx, s, m)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}

	for _, u := range b.Services {
		c, err := ConvergeUnit(ctx, s, u)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (b *Bundle) checkPreconditions() error {
	for _, p := range b.Preconditions {
		if _, err := os.Stat(p.Path); err == nil {
			continue
		}
		msg := "missing local artifact '" + p.Path + "'"
		if p.Hint != "" {
			msg += ": " + p.Hint
		}
		return engine.NewPreconditionError(msg).WithResource(b.ResourceName)
	}
	return nil
}

func (b *Bundle) uploadArtifact(ctx context.Context, s *engine.Session, a Artifact) (bool, error) {
	params := s.Params()
	source := params.Expand(a.Source)
	destination := params.Expand(a.Destination)

	type placement struct{ local, remote string }
	placements := make([]placement, 0, 1)

	if isGlob(source) {
		matches, err := filepath.Glob(source)
		if err != nil {
			return false, engine.NewConfigurationError("invalid artifact glob '"+source+"'", err)
		}
		if len(matches) == 0 {
			return false, engine.NewPreconditionError("no local files match '" + source + "'")
		}
		sort.Strings(matches)
		for _, m := range matches {
			placements = append(placements, placement{local: m, remote: path.Join(destination, filepath.Base(m))})
		}
	} else {
		placements = append(placements, placement{local: source, remote: destination})
	}

	changed := false
	for _, p := range placements {
		var content []byte
		var err error
		if a.Encrypted {
			content, err = decrypt(ctx, s, p.local)
		} else {
			content, err = readLocal(p.local)
		}
		if err != nil {
			return changed, err
		}
		if a.Template {
			content = []byte(params.Expand(string(content)))
		}

		c, err := s.Sync(ctx, engine.FileSpec{
			Content:     content,
			Destination: p.remote,
			Owner:       a.Owner,
			Group:       a.Group,
			Mode:        a.Mode,
			Sudo:        a.Sudo,
		})
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}

	if changed && a.ChangeMarker != "" {
		if err := s.Remote.Execute(ctx, "touch "+params.Expand(a.ChangeMarker), a.Sudo); err != nil {
			return changed, err
		}
	}
	return changed, nil
}
