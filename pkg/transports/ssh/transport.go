package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport is the connection to one target host. The converge remote layer
// runs every check and mutation through it.
type Transport interface {
	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected reports whether the connection is up.
	IsConnected() bool

	// HealthCheck runs a trivial command to verify the connection.
	HealthCheck(ctx context.Context) error

	// Run executes cmd and returns its buffered output. A non-zero exit is
	// reported as a *TransportError carrying the exit status, alongside the
	// result so callers can inspect stderr.
	Run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error)

	// UploadContent writes content to remotePath over SFTP with mode.
	UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) (*FileTransferResult, error)

	// GetConnectionInfo returns information about the connection.
	GetConnectionInfo() *ConnectionInfo
}

// RunOptions controls a single command execution.
type RunOptions struct {
	// Sudo prefixes the command with sudo.
	Sudo bool

	// SudoPassword is fed to sudo -S on stdin when set.
	SudoPassword string

	// Timeout bounds the command. Zero uses the config's CommandTimeout.
	Timeout time.Duration

	// OnStdout and OnStderr receive each output line as it arrives.
	OnStdout func(line string)
	OnStderr func(line string)
}

// ConnectionInfo contains information about an SSH connection.
type ConnectionInfo struct {
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	User          string    `json:"user"`
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	ProxyUsed     bool      `json:"proxy_used"`
	ProxyHost     string    `json:"proxy_host,omitempty"`
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// FileTransferResult is the outcome of a file transfer.
type FileTransferResult struct {
	RemotePath       string        `json:"remote_path"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Duration         time.Duration `json:"duration"`
	Mode             uint32        `json:"mode"`
}

// TransportError is a transport-level error.
type TransportError struct {
	Op          string
	Err         error
	ExitStatus  int
	IsTemporary bool
	IsAuthError bool
}

// NoExitStatus marks errors that did not come from a finished remote command.
const NoExitStatus = -1

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ssh transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ssh transport %s failed", e.Op)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// NewTransportError creates a transport error without an exit status.
func NewTransportError(op string, err error, temporary, authError bool) *TransportError {
	return &TransportError{
		Op:          op,
		Err:         err,
		ExitStatus:  NoExitStatus,
		IsTemporary: temporary,
		IsAuthError: authError,
	}
}

// newExitError reports a remote command that ran and exited non-zero.
func newExitError(status int, stderr string) *TransportError {
	return &TransportError{
		Op:         "exec",
		Err:        fmt.Errorf("command exited with code %d: %s", status, stderr),
		ExitStatus: status,
	}
}

// ExitStatus returns the remote exit status carried by err. The boolean is
// false when err did not come from a command that ran to completion.
func ExitStatus(err error) (int, bool) {
	var te *TransportError
	if errors.As(err, &te) && te.ExitStatus > 0 {
		return te.ExitStatus, true
	}
	return 0, false
}
