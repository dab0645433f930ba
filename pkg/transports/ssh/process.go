package ssh

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Process is a command running in a remote session. Stdin and Stdout are
// connected to the command's standard streams.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	session *ssh.Session
	stop    func() bool
}

// Wait blocks until the remote command exits.
func (p *Process) Wait() error {
	defer p.stop()
	return p.session.Wait()
}

// Close terminates the session.
func (p *Process) Close() error {
	p.stop()
	err := p.session.Close()
	if err == io.EOF {
		return nil
	}
	return err
}

// StartProcess runs argv on the remote host. Remote stderr goes to stderr
// when it is non-nil. Cancelling ctx closes the session.
func (c *Client) StartProcess(ctx context.Context, argv []string, stderr io.Writer) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err)}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if stderr != nil {
		session.Stderr = stderr
	}

	cmd := ShellJoin(argv)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start %q: %w", cmd, err)}
	}
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("remote process started")

	stop := context.AfterFunc(ctx, func() { session.Close() })
	return &Process{Stdin: stdin, Stdout: stdout, session: session, stop: stop}, nil
}

// ShellJoin quotes argv for a POSIX shell.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
