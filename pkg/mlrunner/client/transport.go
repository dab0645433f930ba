package client

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/transports/ssh"
)

// Transport starts the worker process and connects its standard streams.
type Transport interface {
	Start(ctx context.Context, argv []string) (Process, error)
}

// Process is a running worker.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process exits. Stdout must be drained first.
	Wait() error
	// Kill stops the process without waiting for it.
	Kill() error
}

// NewTransport selects the transport named by the runner configuration.
func NewTransport(rc config.RunnerConfig) (Transport, error) {
	switch rc.Transport {
	case "", "local":
		return &LocalTransport{}, nil
	case "ssh":
		return NewSSHTransport(rc.SSH)
	default:
		return nil, fmt.Errorf("unknown runner transport %q", rc.Transport)
	}
}

// LocalTransport runs the worker as a child process.
type LocalTransport struct {
	// Dir is the working directory; empty means the current one.
	Dir string

	// Env is appended to the inherited environment.
	Env []string

	// Stderr receives the worker's stderr. Nil logs it.
	Stderr io.Writer
}

// Start launches argv.
func (t *LocalTransport) Start(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(cmd.Environ(), t.Env...)
	}
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = log.Logger.With().Str("component", "worker").Logger()
	}
	// Give the worker a chance to flush after stdin closes.
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	log.Debug().Strs("argv", argv).Int("pid", cmd.Process.Pid).Msg("worker started")

	return &localProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Wait() error           { return p.cmd.Wait() }
func (p *localProcess) Kill() error           { return p.cmd.Process.Kill() }

// SSHTransport runs the worker on a remote host over an SSH session. The
// connection is opened on first Start and reused.
type SSHTransport struct {
	config *ssh.Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport builds a transport from the runner's ssh section. A
// known_hosts file enables strict host key checking.
func NewSSHTransport(sc config.SSHConfig) (*SSHTransport, error) {
	cfg := ssh.DefaultConfig(sc.Host, sc.User)
	if sc.Port > 0 {
		cfg.Port = sc.Port
	}
	cfg.PrivateKeyPath = ssh.ExpandHome(sc.KeyFile)
	cfg.KnownHostsPath = ssh.ExpandHome(sc.KnownHostsFile)
	cfg.StrictHostKeyChecking = sc.KnownHostsFile != ""
	return NewSSHTransportWithConfig(cfg)
}

// NewSSHTransportWithConfig builds a transport from a complete ssh config.
func NewSSHTransportWithConfig(cfg *ssh.Config) (*SSHTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &SSHTransport{config: cfg}, nil
}

// Start launches argv on the remote host.
func (t *SSHTransport) Start(ctx context.Context, argv []string) (Process, error) {
	t.mu.Lock()
	if t.client == nil {
		client, err := ssh.NewClient(t.config)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.client = client
	}
	client := t.client
	t.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	stderr := log.Logger.With().Str("component", "worker").Str("host", t.config.Host).Logger()
	proc, err := client.StartProcess(ctx, argv, stderr)
	if err != nil {
		return nil, err
	}
	return &sshProcess{proc: proc}, nil
}

// Close drops the SSH connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

type sshProcess struct {
	proc *ssh.Process
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.proc.Stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.proc.Stdout }
func (p *sshProcess) Wait() error           { return p.proc.Wait() }
func (p *sshProcess) Kill() error           { return p.proc.Close() }
