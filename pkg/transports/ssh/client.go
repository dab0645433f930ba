package ssh

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "download")
	Op string

	// Err is the underlying error
	Err error

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is a single SSH connection.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	connectedAt time.Time
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection. Calling it on a connected client
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		// A dial finishing after cancellation must not leak.
		go func() {
			if client := <-connChan; client != nil {
				client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err()}
	case err := <-errChan:
		return &TransportError{Op: "connect", Err: err, IsAuthError: isAuthFailure(err)}
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

func (c *Client) getClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Download streams remotePath into dst over SFTP and returns the number of
// bytes copied. Cancelling ctx stops the copy between chunks.
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return 0, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return 0, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err)}
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	start := time.Now()
	n, err := copyWithContext(ctx, dst, remoteFile)
	if err != nil {
		return n, &TransportError{Op: "download", Err: fmt.Errorf("failed to copy file: %w", err)}
	}

	log.Info().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file downloaded")
	return n, nil
}

// copyWithContext copies src to dst, checking ctx between 32KB chunks.
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
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
