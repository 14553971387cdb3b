package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single connection that
// is reused by every command of a converge pass.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	proxy       *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}

	executor     *executor
	fileTransfer *fileTransfer
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &SSHClient{config: config}
	c.executor = &executor{client: c, config: config}
	c.fileTransfer = &fileTransfer{client: c, config: config}
	return c, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*SSHClient, error) {
	c, err := NewSSHClient(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return NewTransportError("connect", err, false, true)
	}

	var client *ssh.Client
	if c.config.IsProxyEnabled() {
		client, err = c.dialViaProxy(ctx, clientConfig)
	} else {
		client, err = dialContext(ctx, c.config.Address(), clientConfig)
	}
	if err != nil {
		return err
	}

	c.client = client
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}

	log.Debug().Str("address", c.config.Address()).Bool("proxy", c.proxy != nil).Msg("SSH connection established")
	return nil
}

// dialContext dials addr and abandons the attempt when ctx ends first.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		done <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, NewTransportError("connect", ctx.Err(), true, false)
	case r := <-done:
		if r.err != nil {
			return nil, NewTransportError("connect", r.err, true, false)
		}
		return r.client, nil
	}
}

// dialViaProxy connects to the target through the configured jump host.
func (c *SSHClient) dialViaProxy(ctx context.Context, target *ssh.ClientConfig) (*ssh.Client, error) {
	pc := c.config.proxyConfig()
	proxyClientConfig, err := pc.BuildSSHClientConfig()
	if err != nil {
		return nil, NewTransportError("connect-proxy", err, false, true)
	}

	log.Debug().Str("proxy", pc.Address()).Msg("connecting to jump host")
	proxy, err := dialContext(ctx, pc.Address(), proxyClientConfig)
	if err != nil {
		return nil, err
	}

	targetAddress := c.config.Address()
	conn, err := proxy.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxy.Close()
		return nil, NewTransportError("connect-via-proxy", err, true, false)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, targetAddress, target)
	if err != nil {
		_ = conn.Close()
		_ = proxy.Close()
		return nil, NewTransportError("connect-via-proxy", err, true, true)
	}

	c.proxy = proxy
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return NewTransportError("disconnect", err, false, false)
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return NewTransportError("healthcheck", fmt.Errorf("not connected"), false, false)
	}
	return c.healthCheckInternal()
}

// healthCheckInternal must be called with the lock held.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return NewTransportError("healthcheck", err, true, false)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return NewTransportError("healthcheck", err, true, false)
	}
	return nil
}

// keepAlive sends keep-alive requests on client until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Str("host", c.config.Host).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// Run executes cmd on the remote host.
func (c *SSHClient) Run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error) {
	return c.executor.run(ctx, cmd, opts)
}

// UploadContent writes content to remotePath.
func (c *SSHClient) UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) (*FileTransferResult, error) {
	return c.fileTransfer.uploadContent(ctx, content, remotePath, mode)
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() *ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	info := &ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Connected:    c.isConnected,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ProxyUsed:    c.proxy != nil,
		ProxyHost:    c.config.ProxyHost,
	}
	if c.client != nil {
		info.ServerVersion = string(c.client.ServerVersion())
		info.ClientVersion = string(c.client.ClientVersion())
	}
	return info
}

// getClient returns the underlying SSH client for the executor and file transfer.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, NewTransportError("get-client", fmt.Errorf("not connected"), false, false)
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}

var _ Transport = (*SSHClient)(nil)
