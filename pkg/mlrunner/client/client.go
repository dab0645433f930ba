// Package client drives an out-of-process model worker over the protocol
// in pkg/mlrunner/protocol. Client implements ml.TrainingEngine and
// ml.InferenceEngine, so stages use a worker exactly like any other engine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/protocol"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("worker client is closed")

// Config contains client configuration options.
type Config struct {
	Transport Transport

	// Command is the worker argv.
	Command []string

	// StartupTimeout bounds the wait for READY. Default 30s.
	StartupTimeout time.Duration

	// CommandTimeout is sent with every command for the worker to
	// enforce. Default 6h.
	CommandTimeout time.Duration

	// ModelPath is the model used by Predict.
	ModelPath string
}

// Client manages communication with a worker instance. Commands are
// serialized: one exchange is in flight at a time.
type Client struct {
	cfg Config

	mu      sync.Mutex
	proc    Process
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	ready   *protocol.ReadyMessage
	closed  bool
}

// NewClient creates a new worker client. Start must be called before use.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 6 * time.Hour
	}
	return &Client{cfg: cfg}, nil
}

// Start launches the worker and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.proc != nil {
		return fmt.Errorf("worker already started")
	}

	proc, err := c.cfg.Transport.Start(ctx, c.cfg.Command)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	c.proc = proc
	c.encoder = protocol.NewEncoder(proc.Stdin())
	c.decoder = protocol.NewDecoder(proc.Stdout())

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		c.abort()
		return fmt.Errorf("timeout waiting for READY message after %s", c.cfg.StartupTimeout)
	case err := <-errCh:
		c.abort()
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		telemetry.FromContext(ctx).NewComponentLogger("mlrunner").
			WithFields(map[string]interface{}{"version": ready.Version, "backend": ready.Backend, "pid": ready.PID}).
			Info("worker ready")
		return nil
	}
}

// abort kills the worker and marks the client closed. Callers hold mu.
func (c *Client) abort() {
	c.closed = true
	if c.proc != nil {
		c.proc.Kill()
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// execute sends one command and decodes its DONE result into result, which
// may be nil. Cancelling ctx kills the worker.
func (c *Client) execute(ctx context.Context, ct protocol.CommandType, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.proc == nil {
		return fmt.Errorf("worker not started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", ct, err)
	}
	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    ct,
		Timeout: int(c.cfg.CommandTimeout / time.Second),
		Params:  raw,
	}

	logger := telemetry.FromContext(ctx).NewComponentLogger("mlrunner").WithField("command", string(ct))
	start := time.Now()

	stop := context.AfterFunc(ctx, func() { c.proc.Kill() })
	defer func() {
		if !stop() {
			// The worker was killed; nothing more can be sent.
			c.closed = true
		}
	}()

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return c.cancelled(ctx, fmt.Errorf("failed to send command: %w", err))
	}

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("worker closed its output")
			}
			return c.cancelled(ctx, fmt.Errorf("failed to read response to %s: %w", ct, err))
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}
			logEvent(logger, &event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			logger.Debugf("completed in %s", time.Since(start))
			if result == nil || len(done.Result) == 0 {
				return nil
			}
			if err := protocol.ParseParams(done.Result, result); err != nil {
				return fmt.Errorf("failed to parse %s result: %w", ct, err)
			}
			return nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return fmt.Errorf("%s failed: %w", ct, &errMsg)

		case protocol.MessageTypeExit:
			c.closed = true
			return fmt.Errorf("worker exited unexpectedly during %s", ct)

		default:
			return fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func (c *Client) cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func logEvent(logger *telemetry.Logger, event *protocol.EventMessage) {
	if p := event.Progress; p != nil {
		logger = logger.WithFields(map[string]interface{}{"current": p.Current, "total": p.Total, "unit": p.Unit})
	}
	switch event.Level {
	case "warn":
		logger.Warn(event.Message)
	case "debug":
		logger.Debug(event.Message)
	default:
		logger.Info(event.Message)
	}
}

// Close closes the worker's stdin, drains its output and waits for it to
// exit. Cancelling ctx kills the worker instead.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		c.closed = true
		return nil
	}
	proc := c.proc
	c.proc = nil
	c.closed = true

	if err := proc.Stdin().Close(); err != nil {
		proc.Kill()
		return fmt.Errorf("failed to close worker stdin: %w", err)
	}

	logger := telemetry.FromContext(ctx).NewComponentLogger("mlrunner")
	done := make(chan error, 1)
	go func() {
		for {
			msg, err := c.decoder.Decode()
			if err != nil {
				break
			}
			if msg.Type == protocol.MessageTypeExit {
				var exit protocol.ExitMessage
				if protocol.ParseParams(msg.Data, &exit) == nil {
					logger.Infof("worker exited: %s after %d commands", exit.Reason, exit.CommandsTotal)
				}
			}
		}
		done <- proc.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		proc.Kill()
		<-done
		return ctx.Err()
	}
}
