// Package secrets decrypts locally stored encrypted files for config file
// resources. Plaintext never touches the local disk.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
)

// Backend names a decryption implementation.
type Backend string

const (
	// BackendGPG shells out to the gpg binary and its agent.
	BackendGPG Backend = "gpg"

	// BackendKeyring decrypts in process with an exported OpenPGP keyring.
	BackendKeyring Backend = "keyring"

	// BackendNone disables decryption. Encrypted resources then fail.
	BackendNone Backend = "none"
)

// Config selects and configures the decryption backend.
type Config struct {
	Backend Backend `yaml:"backend" json:"backend" toml:"backend" validate:"omitempty,oneof=gpg keyring none"`

	// Binary is the gpg executable for the gpg backend.
	Binary string `yaml:"binary" json:"binary" toml:"binary"`

	// Keyring is the armored or binary secret keyring for the keyring backend.
	Keyring string `yaml:"keyring" json:"keyring" toml:"keyring"`

	// PassphraseEnv names the variable holding the keyring passphrase.
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env" toml:"passphrase_env"`
}

// DefaultPassphraseEnv is read when Config.PassphraseEnv is empty.
const DefaultPassphraseEnv = "CONVERGE_PASSPHRASE"

// New builds the configured backend wrapped in a per-run cache. It returns a
// nil Decrypter for BackendNone.
func New(cfg Config) (engine.Decrypter, error) {
	switch cfg.Backend {
	case "", BackendGPG:
		return NewCache(&GPG{Binary: cfg.Binary}), nil
	case BackendKeyring:
		env := cfg.PassphraseEnv
		if env == "" {
			env = DefaultPassphraseEnv
		}
		kr, err := LoadKeyring(cfg.Keyring, EnvOrPrompt(env))
		if err != nil {
			return nil, err
		}
		return NewCache(kr), nil
	case BackendNone:
		return nil, nil
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown secrets backend '%s'", cfg.Backend), nil)
	}
}

// Cache memoizes plaintext by path for the lifetime of one run, so parallel
// host passes decrypt each file once.
type Cache struct {
	inner engine.Decrypter

	mu      sync.Mutex
	entries map[string][]byte
}

// NewCache wraps inner.
func NewCache(inner engine.Decrypter) *Cache {
	return &Cache{inner: inner, entries: make(map[string][]byte)}
}

// Decrypt implements engine.Decrypter. Failures are not cached.
func (c *Cache) Decrypt(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.entries[path]; ok {
		return b, nil
	}
	b, err := c.inner.Decrypt(ctx, path)
	if err != nil {
		return nil, err
	}
	c.entries[path] = b
	return b, nil
}
