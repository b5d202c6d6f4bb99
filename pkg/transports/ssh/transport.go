// Package ssh provides the SSH and SFTP transport used to manage files and
// run commands on bring-your-own hosts.
package ssh

import (
	"context"
	"errors"
	"os"
	"time"
)

// Transport is the remote surface the ssh provider drives.
type Transport interface {
	// Connect establishes the connection. Calling it on a live connection
	// is a no-op.
	Connect(ctx context.Context) error

	// Close releases the connection and any SFTP session.
	Close() error

	// HealthCheck verifies the connection still answers requests.
	HealthCheck(ctx context.Context) error

	// Run executes a command. A non-zero exit status is an error; the
	// result is still returned.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile atomically replaces path with data and sets its mode,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// ReadFile returns the content and permission bits of path. A missing
	// file yields an error matching os.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error)

	// Remove deletes path. A missing file yields an error matching
	// os.ErrNotExist.
	Remove(ctx context.Context, path string) error

	// Info describes the connection.
	Info() ConnectionInfo
}

// ConnectionInfo contains details about an SSH connection.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	// Connected reports whether the connection is currently open.
	Connected bool

	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	StartedAt time.Time
	Duration  time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (connect, exec, write, ...).
	Op string

	// Path is the remote path for file operations.
	Path string

	Err error

	// IsTemporary indicates the operation may succeed if retried.
	IsTemporary bool

	// IsAuthError indicates rejected credentials or host keys.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is retryable.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}

// IsTemporary reports whether err is a retryable transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
