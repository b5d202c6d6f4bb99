package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// MaxReadSize caps ReadFile so a misdeclared path cannot pull a huge file
// into memory.
const MaxReadSize = 16 << 20

// copyChunk is the unit copyWithContext checks cancellation between.
const copyChunk = 32 << 10

// WriteFile writes data to a temporary sibling and renames it over path.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fileError("mkdir", path.Dir(remotePath), err)
	}

	tmp := remotePath + ".stagecraft-tmp"
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fileError("write", remotePath, err)
	}

	written, err := copyWithContext(ctx, f, bytes.NewReader(data))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = client.Remove(tmp)
		return fileError("write", remotePath, err)
	}

	if err := client.Chmod(tmp, mode.Perm()); err != nil {
		_ = client.Remove(tmp)
		return fileError("chmod", remotePath, err)
	}

	if err := client.PosixRename(tmp, remotePath); err != nil {
		// Servers without posix-rename refuse to rename over an existing file.
		_ = client.Remove(remotePath)
		if err := client.Rename(tmp, remotePath); err != nil {
			_ = client.Remove(tmp)
			return fileError("rename", remotePath, err)
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("path", remotePath).
		Int64("bytes", written).
		Msg("remote file written")

	return nil
}

// ReadFile returns the content and permission bits of a remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, os.FileMode, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	info, err := client.Stat(remotePath)
	if err != nil {
		return nil, 0, fileError("stat", remotePath, err)
	}
	if info.IsDir() {
		return nil, 0, fileError("read", remotePath, fmt.Errorf("is a directory"))
	}
	if info.Size() > MaxReadSize {
		return nil, 0, fileError("read", remotePath, fmt.Errorf("file is %d bytes, larger than %d", info.Size(), MaxReadSize))
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, 0, fileError("read", remotePath, err)
	}
	defer f.Close()

	var buf limitedBuffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, 0, fileError("read", remotePath, err)
	}

	return buf.data, info.Mode().Perm(), nil
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := client.Remove(remotePath); err != nil {
		return fileError("remove", remotePath, err)
	}
	return nil
}

// Checksum returns the hex SHA-256 of a remote file.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	data, _, err := c.ReadFile(ctx, remotePath)
	if err != nil {
		return "", err
	}
	return Checksum(data), nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fileError wraps an SFTP failure. Missing files keep matching
// os.ErrNotExist; connection drops are temporary.
func fileError(op, remotePath string, err error) error {
	te := &TransportError{Op: op, Path: remotePath, Err: err}
	var status *sftp.StatusError
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
	case errors.As(err, &status):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		te.IsTemporary = true
	}
	return te
}

// copyWithContext copies in chunks and stops when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

type limitedBuffer struct {
	data []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > MaxReadSize {
		return 0, fmt.Errorf("file exceeds %d bytes", MaxReadSize)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}
