package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// executor handles command execution over SSH.
type executor struct {
	client *SSHClient
	config *Config
}

// SudoCommand wraps cmd so it runs as root through a shell, which keeps
// redirections and environment assignments inside the privileged part.
// With a password, sudo reads it from stdin and prints no prompt.
func SudoCommand(cmd string, withPassword bool) string {
	if withPassword {
		return "sudo -S -p '' sh -c " + ShellQuote(cmd)
	}
	return "sudo sh -c " + ShellQuote(cmd)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run is the internal implementation of command execution.
func (e *executor) run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error) {
	start := time.Now()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.CommandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sshClient, err := e.client.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, NewTransportError("exec", fmt.Errorf("failed to create session: %w", err), true, false)
	}
	defer session.Close()

	stdout := &lineWriter{onLine: opts.OnStdout}
	stderr := &lineWriter{onLine: opts.OnStderr}
	session.Stdout = stdout
	session.Stderr = stderr

	finalCmd := cmd
	if opts.Sudo {
		finalCmd = SudoCommand(cmd, opts.SudoPassword != "")
		if opts.SudoPassword != "" {
			session.Stdin = strings.NewReader(opts.SudoPassword + "\n")
		}
	}

	log.Debug().Str("host", e.config.Host).Str("command", cmd).Bool("sudo", opts.Sudo).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}
	stdout.flush()
	stderr.flush()

	result := &ExecResult{
		Command:  cmd,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("host", e.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, newExitError(result.ExitCode, result.Stderr)
	}

	result.ExitCode = NoExitStatus
	return result, NewTransportError("exec", execErr, true, false)
}

// lineWriter buffers output and hands every complete line to onLine.
type lineWriter struct {
	mu      sync.Mutex
	all     bytes.Buffer
	partial []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.all.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.partial) > 0 {
		w.onLine(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.all.String()
}
