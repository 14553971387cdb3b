package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"golang.org/x/term"

	"github.com/openfroyo/converge/pkg/engine"
)

// PassphraseFunc supplies the passphrase for encrypted keys or symmetric
// messages. It is called at most once per Keyring.
type PassphraseFunc func() ([]byte, error)

var errNoPassphrase = errors.New("no passphrase available")

// EnvOrPrompt reads the passphrase from env, or asks on the terminal when
// stdin is one.
func EnvOrPrompt(env string) PassphraseFunc {
	return func() ([]byte, error) {
		if v, ok := os.LookupEnv(env); ok {
			return []byte(v), nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, fmt.Errorf("%w: set %s", errNoPassphrase, env)
		}
		fmt.Fprint(os.Stderr, "Keyring passphrase: ")
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return pass, err
	}
}

// Keyring decrypts OpenPGP messages in process.
type Keyring struct {
	keys openpgp.EntityList

	passOnce   sync.Once
	passphrase PassphraseFunc
	pass       []byte
	passErr    error

	mu sync.Mutex
}

// NewKeyring wraps an already parsed key list.
func NewKeyring(keys openpgp.EntityList, passphrase PassphraseFunc) *Keyring {
	if passphrase == nil {
		passphrase = func() ([]byte, error) { return nil, errNoPassphrase }
	}
	return &Keyring{keys: keys, passphrase: passphrase}
}

// LoadKeyring reads an armored or binary keyring file.
func LoadKeyring(path string, passphrase PassphraseFunc) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot read keyring '%s'", path), err)
	}

	var keys openpgp.EntityList
	if isArmored(raw) {
		keys, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	} else {
		keys, err = openpgp.ReadKeyRing(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot parse keyring '%s'", path), err)
	}
	if len(keys.DecryptionKeys()) == 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("keyring '%s' holds no secret keys", path), nil)
	}
	return NewKeyring(keys, passphrase), nil
}

// Decrypt implements engine.Decrypter.
func (k *Keyring) Decrypt(_ context.Context, path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewDecryptionError(path, err)
	}

	var r io.Reader = bytes.NewReader(raw)
	if isArmored(raw) {
		block, err := armor.Decode(r)
		if err != nil {
			return nil, engine.NewDecryptionError(path, err)
		}
		r = block.Body
	}

	// Unlocking keys mutates the shared entities.
	k.mu.Lock()
	defer k.mu.Unlock()

	md, err := openpgp.ReadMessage(r, k.keys, k.prompt(), nil)
	if err != nil {
		return nil, engine.NewDecryptionError(path, err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, engine.NewDecryptionError(path, err)
	}
	return plain, nil
}

// prompt returns an openpgp prompt that tries the passphrase once, so a wrong
// passphrase fails instead of looping.
func (k *Keyring) prompt() openpgp.PromptFunction {
	tried := false
	return func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if tried {
			return nil, errors.New("wrong passphrase")
		}
		tried = true

		pass, err := k.getPassphrase()
		if err != nil {
			return nil, err
		}
		if symmetric {
			return pass, nil
		}
		for _, key := range keys {
			if key.PrivateKey == nil || !key.PrivateKey.Encrypted {
				continue
			}
			if err := key.PrivateKey.Decrypt(pass); err == nil {
				return nil, nil
			}
		}
		return nil, errors.New("no private key could be unlocked")
	}
}

func (k *Keyring) getPassphrase() ([]byte, error) {
	k.passOnce.Do(func() {
		k.pass, k.passErr = k.passphrase()
	})
	return k.pass, k.passErr
}

func isArmored(b []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(b)), "-----BEGIN PGP")
}
