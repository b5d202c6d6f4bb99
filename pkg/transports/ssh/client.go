package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client implements Transport over one SSH connection. The SFTP session is
// opened on first use and shared.
type Client struct {
	config *Config

	mu          sync.RWMutex
	conn        *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing SSH connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, cleanup, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	defer cleanup()

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// Bound the handshake; ssh.NewClientConn does not take a context.
	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = netConn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return classifyHandshake(err)
	}
	_ = netConn.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stop = make(chan struct{})
		go c.keepAlive(c.conn, c.stop)
	}

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// classifyHandshake separates rejected credentials and host keys from
// network failures.
func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	msg := err.Error()
	switch {
	case errors.As(err, &keyErr),
		strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "knownhosts:"):
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	default:
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
}

// Close closes the SSH connection and releases all resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected returns true if the transport has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.ping()
}

// ping sends a global request; servers answer it even when they reject
// the request type.
func (c *Client) ping() error {
	if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Str("host", c.config.Host).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, closing connection")
				_ = conn.Close()
				return
			}
			continue
		}
		failures = 0
	}
}

// Run executes cmd in a new session.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	conn, err := c.client()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	result := &ExecResult{StartedAt: time.Now()}
	log.Debug().Str("command", cmd).Str("host", c.config.Host).Msg("executing command")

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		return result, nil
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command exited with status %d: %s", result.ExitCode, result.Stderr),
		}
	default:
		result.ExitCode = -1
		return result, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
}

// Info returns information about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Connected:    c.conn != nil,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// client returns the live connection.
func (c *Client) client() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}

	c.lastUsedAt = time.Now()
	return c.conn, nil
}

// sftpClient returns the shared SFTP session, opening it on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()

	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start sftp subsystem: %w", err), IsTemporary: true}
	}
	c.sftp = client
	return client, nil
}
