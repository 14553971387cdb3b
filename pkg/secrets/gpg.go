package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/engine"
)

// DefaultGPGBinary is used when GPG.Binary is empty.
const DefaultGPGBinary = "gpg"

// GPG decrypts with the gpg command line tool, so the user's agent handles
// keys and passphrases.
type GPG struct {
	Binary string
}

// Decrypt implements engine.Decrypter.
func (g *GPG) Decrypt(ctx context.Context, path string) ([]byte, error) {
	bin := g.Binary
	if bin == "" {
		bin = DefaultGPGBinary
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--batch", "--quiet", "--decrypt", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("path", path).Str("binary", bin).Msg("decrypting")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, engine.NewDecryptionError(path, err)
		}
		return nil, engine.NewDecryptionError(path, fmt.Errorf("%w: %s", err, msg))
	}
	return stdout.Bytes(), nil
}
