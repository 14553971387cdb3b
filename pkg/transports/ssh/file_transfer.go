package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// fileTransfer handles file transfer operations via SFTP.
type fileTransfer struct {
	client *SSHClient
	config *Config
}

// createSFTPClient creates a new SFTP client.
func (f *fileTransfer) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := f.client.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, NewTransportError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true, false)
	}
	return sftpClient, nil
}

// uploadContent writes content to remotePath. Relative paths resolve against
// the login directory, like the commands run by the executor.
func (f *fileTransfer) uploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) (*FileTransferResult, error) {
	start := time.Now()

	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return nil, NewTransportError("upload", fmt.Errorf("failed to create remote directory: %w", err), false, false)
		}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, NewTransportError("upload", fmt.Errorf("failed to create remote file: %w", err), true, false)
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	if err != nil {
		return nil, NewTransportError("upload", fmt.Errorf("failed to copy content: %w", err), true, false)
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	result := &FileTransferResult{
		RemotePath:       remotePath,
		BytesTransferred: written,
		Duration:         time.Since(start),
		Mode:             mode,
	}

	log.Debug().
		Str("host", f.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("content uploaded")

	return result, nil
}

// copyWithContext copies src to dst and stops between chunks once ctx ends.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
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
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
