package engine

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// TestOperator is a shell test(1) file operator.
type TestOperator string

const (
	// IsFile tests for a regular file.
	IsFile TestOperator = "-f"

	// IsSymlink tests for a symbolic link.
	IsSymlink TestOperator = "-L"

	// IsDir tests for a directory.
	IsDir TestOperator = "-d"

	// IsPresent tests for any existing path.
	IsPresent TestOperator = "-e"
)

// Valid reports whether op is a supported operator.
func (op TestOperator) Valid() bool {
	switch op {
	case IsFile, IsSymlink, IsDir, IsPresent:
		return true
	}
	return false
}

// StagingDir is the remote directory, relative to the login user's home,
// that uploads land in before being moved into place.
const StagingDir = "tmp"

// Exists runs "[ op path ]" on the host. An empty operator means IsFile.
func (s *Session) Exists(ctx context.Context, op TestOperator, p string) (bool, error) {
	if op == "" {
		op = IsFile
	}
	return s.Remote.Test(ctx, fmt.Sprintf("[ %s %s ]", op, p))
}

// Digest returns the hex SHA-512 digest of content, matching sha512sum output.
func Digest(content []byte) string {
	sum := sha512.Sum512(content)
	return hex.EncodeToString(sum[:])
}

// RemoteDigest returns the SHA-512 digest of a remote regular file. The
// second result is false when the file does not exist.
func (s *Session) RemoteDigest(ctx context.Context, p string, sudo bool) (string, bool, error) {
	exists, err := s.Exists(ctx, IsFile, p)
	if err != nil || !exists {
		return "", false, err
	}
	out, err := s.Remote.Capture(ctx, "sha512sum "+p, sudo, true)
	if err != nil {
		return "", true, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", true, NewApplyError("sha512sum "+p, fmt.Errorf("empty checksum output"))
	}
	return fields[0], true, nil
}

// FileSpec describes a file to place on the host.
type FileSpec struct {
	// Content is the exact bytes the destination must hold.
	Content []byte

	// Destination is the absolute (or home-relative) remote path.
	Destination string

	// Owner and Group are passed to chown.
	Owner string
	Group string

	// Mode is an octal permission string such as "644" or "0400".
	Mode string

	// Sudo runs the checksum, move, chown and chmod with elevated privilege.
	Sudo bool
}

// Validate checks the spec for obviously broken values.
func (f FileSpec) Validate() error {
	if f.Destination == "" {
		return NewConfigurationError("file destination is empty", nil)
	}
	if f.Owner == "" || f.Group == "" {
		return NewConfigurationError(fmt.Sprintf("%s: owner and group are required", f.Destination), nil)
	}
	if !ValidMode(f.Mode) {
		return NewConfigurationError(fmt.Sprintf("%s: invalid mode '%s'", f.Destination, f.Mode), nil)
	}
	return nil
}

// ValidMode reports whether mode is a 3 or 4 digit octal permission string.
func ValidMode(mode string) bool {
	if len(mode) < 3 || len(mode) > 4 {
		return false
	}
	for _, c := range mode {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// Sync places spec.Content at spec.Destination unless the remote file already
// has the same SHA-512 digest. On transfer it sets ownership and mode and
// reports true.
func (s *Session) Sync(ctx context.Context, spec FileSpec) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}

	remoteDigest, exists, err := s.RemoteDigest(ctx, spec.Destination, spec.Sudo)
	if err != nil {
		return false, err
	}
	if exists && remoteDigest == Digest(spec.Content) {
		s.Log.Info().Str("destination", spec.Destination).Msg("already up to date")
		return false, nil
	}

	staged := path.Join(StagingDir, path.Base(spec.Destination))
	if err := s.Remote.Execute(ctx, "mkdir -p "+StagingDir, false); err != nil {
		return false, err
	}
	if err := s.Remote.Upload(ctx, spec.Content, staged); err != nil {
		return false, err
	}

	steps := []string{
		"mkdir -p " + path.Dir(spec.Destination),
		fmt.Sprintf("mv %s %s", staged, spec.Destination),
		fmt.Sprintf("chown %s:%s %s", spec.Owner, spec.Group, spec.Destination),
		fmt.Sprintf("chmod %s %s", spec.Mode, spec.Destination),
	}
	for _, cmd := range steps {
		if err := s.Remote.Execute(ctx, cmd, spec.Sudo); err != nil {
			return false, err
		}
	}

	s.Log.Info().
		Str("destination", spec.Destination).
		Int("bytes", len(spec.Content)).
		Msg("file updated")
	return true, nil
}
