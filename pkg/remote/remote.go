// Package remote binds the engine's Remote contract to an SSH transport.
package remote

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// uploadMode keeps staged files private until they are moved into place.
const uploadMode = 0600

// Options controls how commands run on the host.
type Options struct {
	// StreamOutput logs remote output line by line while commands run.
	StreamOutput bool

	// SudoPassword is passed to sudo on stdin. Empty assumes NOPASSWD.
	SudoPassword string

	// CommandTimeout overrides the transport's per-command timeout.
	CommandTimeout time.Duration

	// Logger receives command and output logs.
	Logger zerolog.Logger
}

// Remote runs engine commands on one host over SSH.
type Remote struct {
	hostname  string
	transport ssh.Transport
	opts      Options
	log       zerolog.Logger
}

// New wraps a connected transport.
func New(hostname string, transport ssh.Transport, opts Options) *Remote {
	return &Remote{
		hostname:  hostname,
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With().Str("host", hostname).Logger(),
	}
}

// Dial connects to host using base as the connection template.
func Dial(ctx context.Context, host *engine.Host, base *ssh.Config, opts Options) (*Remote, error) {
	cfg := base.ForHost(host.DialAddress(), host.Port, host.User)
	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, engine.NewApplyError("connect "+cfg.Address(), err).WithHost(host.Hostname)
	}
	return New(host.Hostname, client, opts), nil
}

// Close disconnects the transport.
func (r *Remote) Close() error {
	return r.transport.Disconnect()
}

// Hostname implements engine.Remote.
func (r *Remote) Hostname() string {
	return r.hostname
}

// Execute implements engine.Remote.
func (r *Remote) Execute(ctx context.Context, cmd string, sudo bool) error {
	_, err := r.run(ctx, cmd, sudo)
	if err != nil {
		return r.applyError(cmd, err)
	}
	return nil
}

// Test implements engine.Remote. A non-zero exit means false.
func (r *Remote) Test(ctx context.Context, expr string) (bool, error) {
	_, err := r.run(ctx, expr, false)
	if err == nil {
		return true, nil
	}
	if _, ok := ssh.ExitStatus(err); ok {
		return false, nil
	}
	return false, r.applyError(expr, err)
}

// Capture implements engine.Remote.
func (r *Remote) Capture(ctx context.Context, cmd string, sudo bool, raiseOnNonZero bool) (string, error) {
	res, err := r.run(ctx, cmd, sudo)
	if err != nil {
		if _, ok := ssh.ExitStatus(err); !ok || raiseOnNonZero {
			return "", r.applyError(cmd, err)
		}
	}
	if res == nil {
		return "", nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Upload implements engine.Remote.
func (r *Remote) Upload(ctx context.Context, content []byte, remotePath string) error {
	res, err := r.transport.UploadContent(ctx, content, remotePath, uploadMode)
	if err != nil {
		return r.applyError("upload "+remotePath, err)
	}
	r.log.Debug().Str("path", remotePath).Int64("bytes", res.BytesTransferred).Msg("uploaded")
	return nil
}

func (r *Remote) run(ctx context.Context, cmd string, sudo bool) (*ssh.ExecResult, error) {
	opts := ssh.RunOptions{
		Sudo:         sudo,
		SudoPassword: r.opts.SudoPassword,
		Timeout:      r.opts.CommandTimeout,
	}
	if r.opts.StreamOutput {
		opts.OnStdout = func(line string) { r.log.Info().Str("stream", "stdout").Msg(line) }
		opts.OnStderr = func(line string) { r.log.Warn().Str("stream", "stderr").Msg(line) }
	}

	r.log.Debug().Str("command", cmd).Bool("sudo", sudo).Msg("run")
	return r.transport.Run(ctx, cmd, opts)
}

func (r *Remote) applyError(cmd string, err error) error {
	return engine.NewApplyError(cmd, err).WithHost(r.hostname)
}

var _ engine.Remote = (*Remote)(nil)
