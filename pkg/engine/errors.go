package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies convergence failures. Every kind is fatal: the core
// never retries and never rolls back.
type ErrorKind string

const (
	// KindUnknownResource indicates a requested name is not registered.
	KindUnknownResource ErrorKind = "unknown_resource"

	// KindDuplicateName indicates two resources were registered under one name.
	KindDuplicateName ErrorKind = "duplicate_name"

	// KindPrecondition indicates a local artifact a resource needs is missing.
	KindPrecondition ErrorKind = "precondition"

	// KindApply indicates a remote command exited non-zero where success was required.
	KindApply ErrorKind = "apply"

	// KindDecryption indicates a local secret could not be decrypted.
	KindDecryption ErrorKind = "decryption"

	// KindCyclicDependency indicates the dependency walk re-entered a resource
	// that is still being installed.
	KindCyclicDependency ErrorKind = "cyclic_dependency"

	// KindConfiguration indicates an invalid catalog or resource definition.
	KindConfiguration ErrorKind = "configuration"
)

// Error is a classified convergence error carrying enough context for an
// operator to diagnose the failure by hand.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource being installed, if any.
	Resource string `json:"resource,omitempty"`

	// Host is the target hostname, if any.
	Host string `json:"host,omitempty"`

	// Command is the failing remote command, if any.
	Command string `json:"command,omitempty"`

	// Cycle is the dependency path for cyclic dependency errors.
	Cycle []string `json:"cycle,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Sentinels for errors.Is. Matching compares the kind only.
var (
	ErrUnknownResource  = &Error{Kind: KindUnknownResource}
	ErrDuplicateName    = &Error{Kind: KindDuplicateName}
	ErrPrecondition     = &Error{Kind: KindPrecondition}
	ErrApply            = &Error{Kind: KindApply}
	ErrDecryption       = &Error{Kind: KindDecryption}
	ErrCyclicDependency = &Error{Kind: KindCyclicDependency}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	ctx := make([]string, 0, 3)
	if e.Host != "" {
		ctx = append(ctx, "host="+e.Host)
	}
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Command != "" {
		ctx = append(ctx, fmt.Sprintf("command=%q", e.Command))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithResource adds resource context unless it is already set. The innermost
// resource wins so a failing dependency is reported by its own name.
func (e *Error) WithResource(name string) *Error {
	if e.Resource == "" {
		e.Resource = name
	}
	return e
}

// WithHost adds host context unless it is already set.
func (e *Error) WithHost(hostname string) *Error {
	if e.Host == "" {
		e.Host = hostname
	}
	return e
}

// WithCommand adds the failing command.
func (e *Error) WithCommand(cmd string) *Error {
	e.Command = cmd
	return e
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewUnknownResourceError reports a name missing from the registry.
func NewUnknownResourceError(name string) *Error {
	return newError(KindUnknownResource, fmt.Sprintf("cannot find resource '%s'", name), nil).WithResource(name)
}

// NewDuplicateNameError reports a registration collision.
func NewDuplicateNameError(name string) *Error {
	return newError(KindDuplicateName, fmt.Sprintf("resource '%s' already registered", name), nil).WithResource(name)
}

// NewPreconditionError reports a missing local prerequisite.
func NewPreconditionError(message string) *Error {
	return newError(KindPrecondition, message, nil)
}

// NewApplyError reports a failed remote command.
func NewApplyError(cmd string, err error) *Error {
	return newError(KindApply, "remote command failed", err).WithCommand(cmd)
}

// NewDecryptionError reports a failed local decryption of path.
func NewDecryptionError(path string, err error) *Error {
	return newError(KindDecryption, fmt.Sprintf("cannot decrypt '%s'", path), err)
}

// NewCyclicDependencyError reports a dependency cycle. The path ends with the
// resource that closed the cycle.
func NewCyclicDependencyError(path []string) *Error {
	e := newError(KindCyclicDependency, "circular dependency detected: "+strings.Join(path, " -> "), nil)
	e.Cycle = path
	return e
}

// NewConfigurationError reports an invalid definition.
func NewConfigurationError(message string, err error) *Error {
	return newError(KindConfiguration, message, err)
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
