package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Session is what deployers need from a remote host.
type Session interface {
	Run(ctx context.Context, cmd string) (*ExecResult, error)
	Upload(ctx context.Context, local io.Reader, remotePath string, mode os.FileMode) (int64, error)
	Close() error
}

// Dialer opens sessions to deploy hosts.
type Dialer interface {
	Dial(ctx context.Context, cfg *Config) (Session, error)
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError is a failure talking to the remote host.
type TransportError struct {
	// Op is the operation that failed, e.g. "connect" or "upload".
	Op  string
	Err error

	// IsTemporary marks errors worth retrying.
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed when retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is a connected SSH session to one host.
type Client struct {
	config *Config
	mu     sync.Mutex
	conn   *ssh.Client
	logger zerolog.Logger
}

// NetDialer dials real SSH servers.
type NetDialer struct {
	Logger zerolog.Logger
}

// Dial implements Dialer.
func (d NetDialer) Dial(ctx context.Context, cfg *Config) (Session, error) {
	return Connect(ctx, cfg, d.Logger)
}

// Connect validates cfg and opens a connection.
func Connect(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	logger = logger.With().Str("component", "ssh").Str("host", cfg.Address()).Logger()
	logger.Debug().Msg("Establishing SSH connection")

	dial := func() (*ssh.Client, error) {
		conn, err := dialContext(ctx, cfg.Address(), clientConfig)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			if isAuthFailure(err) {
				return nil, backoff.Permanent(&TransportError{Op: "connect", Err: err, IsAuthError: true})
			}
			logger.Debug().Err(err).Msg("SSH dial failed")
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectAttempts),
	)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	logger.Info().Msg("SSH connection established")
	return &Client{config: cfg, conn: conn, logger: logger}, nil
}

// connectAttempts bounds dial attempts per Connect.
const connectAttempts = 3

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// dialContext dials addr, abandoning the attempt when ctx is done.
func dialContext(ctx context.Context, addr string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := ssh.Dial("tcp", addr, clientConfig)
		done <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.conn, r.err
	}
}

// Close implements Session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) client() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.conn, nil
}

// Run implements Session. A nonzero exit status is reported in the result.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	conn, err := c.client()
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	c.logger.Debug().Str("command", cmd).Dur("duration", result.Duration).Err(runErr).Msg("Remote command finished")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// Upload implements Session. It creates missing parent directories.
func (c *Client) Upload(ctx context.Context, local io.Reader, remotePath string, mode os.FileMode) (int64, error) {
	conn, err := c.client()
	if err != nil {
		return 0, err
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return 0, &TransportError{Op: "sftp-init", Err: err, IsTemporary: true}
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	f, err := sc.Create(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer f.Close()

	n, err := copyWithContext(ctx, f, local)
	if err != nil {
		return n, &TransportError{Op: "upload", Err: err, IsTemporary: ctx.Err() == nil}
	}
	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("path", remotePath).Msg("Failed to set file permissions")
		}
	}

	c.logger.Info().Str("remote", remotePath).Int64("bytes", n).Msg("File uploaded")
	return n, nil
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
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
