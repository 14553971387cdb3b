package engine

import (
	"context"
	"time"
)

// Resource is a named, idempotently convergeable unit of desired state.
//
// Apply converges the session's host and reports whether anything changed.
// A resource is responsible for installing its own dependencies first through
// Session.InstallDependencies, which lets a resource decide when (and whether)
// a dependency is needed. Apply must be safe to call any number of times.
type Resource interface {
	// Name returns the unique registry key.
	Name() string

	// Kind returns the resource variant (package, archive, service, ...).
	Kind() string

	// Dependencies returns the names that must be installed before this
	// resource's own check runs.
	Dependencies() []string

	// Apply converges the host.
	Apply(ctx context.Context, s *Session) (changed bool, err error)
}

// Remote runs commands and transfers files on one target host.
type Remote interface {
	// Hostname returns the host this remote is bound to.
	Hostname() string

	// Execute runs cmd and fails on a non-zero exit status.
	Execute(ctx context.Context, cmd string, sudo bool) error

	// Test runs a conditional expression and reports its truth. A false
	// condition is not an error; only transport failures are.
	Test(ctx context.Context, expr string) (bool, error)

	// Capture runs cmd and returns its trimmed stdout. A non-zero exit is an
	// error only when raiseOnNonZero is set.
	Capture(ctx context.Context, cmd string, sudo bool, raiseOnNonZero bool) (string, error)

	// Upload writes content to remotePath with the connecting user's rights.
	Upload(ctx context.Context, content []byte, remotePath string) error
}

// Decrypter turns a locally encrypted file into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, path string) ([]byte, error)
}

// Observer receives one notification per resource install attempt.
// Implementations must be safe for concurrent use across host passes.
type Observer interface {
	ResourceInstalled(host, name, kind string, changed bool, duration time.Duration, err error)
}
