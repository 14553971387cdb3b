package resources

import (
	"context"
	"errors"
	"os"

	"github.com/openfroyo/converge/pkg/engine"
)

// Resource kinds.
const (
	KindPackage    = "package"
	KindUpgrade    = "upgrade"
	KindArchive    = "archive"
	KindGit        = "git"
	KindConfigFile = "config_file"
	KindDownload   = "download"
	KindService    = "service"
	KindMount      = "mount"
	KindBundle     = "bundle"
)

// Kinds lists every resource kind in catalog order.
var Kinds = []string{
	KindPackage,
	KindUpgrade,
	KindArchive,
	KindGit,
	KindConfigFile,
	KindDownload,
	KindService,
	KindMount,
	KindBundle,
}

// Base carries the attributes shared by every resource kind.
type Base struct {
	// ResourceName is the unique registry name.
	ResourceName string

	// Deps are installed, in order, before the resource's own check.
	Deps []string

	// PostApply commands run after a successful apply. They may use the
	// placeholders the kind documents.
	PostApply []string
}

// Name implements engine.Resource.
func (b Base) Name() string {
	return b.ResourceName
}

// Dependencies implements engine.Resource.
func (b Base) Dependencies() []string {
	return b.Deps
}

// runAll executes commands in order, stopping at the first failure.
func runAll(ctx context.Context, s *engine.Session, cmds []string, sudo bool) error {
	for _, cmd := range cmds {
		if err := s.Remote.Execute(ctx, cmd, sudo); err != nil {
			return err
		}
	}
	return nil
}

// readLocal reads a local artifact, classifying a missing file as a
// precondition failure.
func readLocal(p string) ([]byte, error) {
	content, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engine.NewPreconditionError("missing local file '" + p + "'")
		}
		return nil, engine.NewConfigurationError("cannot read '"+p+"'", err)
	}
	return content, nil
}

// decrypt decrypts a local secret through the session's decrypter.
func decrypt(ctx context.Context, s *engine.Session, p string) ([]byte, error) {
	if s.Secrets == nil {
		return nil, engine.NewDecryptionError(p, errNoDecrypter)
	}
	content, err := s.Secrets.Decrypt(ctx, p)
	if err != nil {
		if engine.IsKind(err, engine.KindDecryption) {
			return nil, err
		}
		return nil, engine.NewDecryptionError(p, err)
	}
	return content, nil
}

var errNoDecrypter = errors.New("no secrets backend configured")
