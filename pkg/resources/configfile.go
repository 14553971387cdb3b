package resources

import (
	"context"

	"github.com/openfroyo/converge/pkg/engine"
)

// Defaults for config files.
const (
	DefaultConfigOwner = "root"
	DefaultConfigGroup = "root"
	DefaultConfigMode  = "0400"
)

// ConfigFile places the decrypted content of a local encrypted file on the
// host. Only plaintext is ever uploaded and the transfer is skipped when the
// remote digest already matches.
type ConfigFile struct {
	Base

	// Source is the local encrypted file. It may contain {location} and
	// {hostname}.
	Source string

	// Destination is the remote path.
	Destination string

	Owner string
	Group string
	Mode  string
}

// Kind implements engine.Resource.
func (c *ConfigFile) Kind() string {
	return KindConfigFile
}

// Apply implements engine.Resource.
func (c *ConfigFile) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, c); err != nil {
		return false, err
	}

	source := s.Params().Expand(c.Source)
	plaintext, err := decrypt(ctx, s, source)
	if err != nil {
		return false, err
	}

	return s.Sync(ctx, engine.FileSpec{
		Content:     plaintext,
		Destination: c.Destination,
		Owner:       orDefault(c.Owner, DefaultConfigOwner),
		Group:       orDefault(c.Group, DefaultConfigGroup),
		Mode:        orDefault(c.Mode, DefaultConfigMode),
		Sudo:        true,
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
