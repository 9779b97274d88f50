package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
)

const runnerMode = 0o755

// Upload copies a local file to remotePath and makes it executable. The copy
// is skipped when the remote file already has the same SHA-256.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	return c.upload(ctx, client, localPath, remotePath)
}

func (c *Client) upload(ctx context.Context, client *sftp.Client, localPath, remotePath string) error {
	localSum, err := localChecksum(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to hash local file: %w", err)}
	}

	remoteSum, err := remoteChecksum(ctx, client, remotePath)
	if err == nil {
		if remoteSum == localSum {
			c.logger.Debug().Str("path", remotePath).Msg("Remote file is up to date, skipping upload")
			return nil
		}
		// A running binary cannot be rewritten in place.
		if err := client.Remove(remotePath); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to replace remote file: %w", err)}
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer src.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	written, err := copyWithContext(ctx, dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := client.Chmod(remotePath, runnerMode); err != nil {
		c.logger.Warn().Err(err).Str("path", remotePath).Msg("Failed to set file permissions")
	}

	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Msg("File uploaded")
	return nil
}

// Cleanup removes remotePath. A missing file is not an error.
func (c *Client) Cleanup(_ context.Context, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "cleanup", Err: err}
	}
	return nil
}

// Checksum returns the hex SHA-256 of a remote file.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	client, err := c.sftpClient()
	if err != nil {
		return "", err
	}
	return remoteChecksum(ctx, client, remotePath)
}

func remoteChecksum(ctx context.Context, client *sftp.Client, remotePath string) (string, error) {
	f, err := client.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func localChecksum(localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
