// Package worker serves a model engine over the JSON-over-stdio worker
// protocol. It is the Go side of the protocol the client in
// pkg/mlrunner/client speaks, so any ml.TrainingEngine can run out of
// process, locally or behind an SSH transport.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/protocol"
)

// Error codes sent in ERROR messages.
const (
	CodeInvalidParams = "INVALID_PARAMS"
	CodeUnknownHandle = "UNKNOWN_HANDLE"
	CodeUnsupported   = "UNSUPPORTED"
	CodeExecFailed    = "EXEC_FAILED"
)

// Exit reasons sent in the EXIT message.
const (
	ExitStdinClosed = "stdin_closed"
	ExitCancelled   = "cancelled"
	ExitIdle        = "idle_timeout"
	ExitError       = "error"
)

// Options configures a Server.
type Options struct {
	// Version and Backend are advertised in the READY message.
	Version string
	Backend string
	Devices []string

	Metadata map[string]string

	// IdleTimeout ends the session when no command arrives in time.
	// Zero disables it.
	IdleTimeout time.Duration

	Logger zerolog.Logger
}

// Server runs one protocol session against an engine. A Server is not safe
// for concurrent sessions.
type Server struct {
	engine ml.TrainingEngine
	opts   Options

	models   map[string]ml.Model
	loaded   map[string]ml.Model
	next     int
	commands int
}

// NewServer creates a server for engine. Prediction is offered when the
// engine also implements ml.InferenceEngine.
func NewServer(engine ml.TrainingEngine, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Backend == "" {
		opts.Backend = fmt.Sprintf("%T", engine)
	}
	return &Server{
		engine: engine,
		opts:   opts,
		models: make(map[string]ml.Model),
		loaded: make(map[string]ml.Model),
	}
}

// commandError carries the protocol error code of a failed command.
type commandError struct {
	code string
	err  error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func failf(code, format string, args ...interface{}) error {
	return &commandError{code: code, err: fmt.Errorf(format, args...)}
}

// Serve sends READY, then executes commands read from r until r ends, the
// context is cancelled or the idle timeout expires. It always tries to
// send an EXIT message before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if err := enc.EncodeReady(s.ready()); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}
	s.opts.Logger.Info().Str("backend", s.opts.Backend).Msg("Worker ready")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type decoded struct {
		cmd *protocol.CommandMessage
		err error
	}
	cmds := make(chan decoded)
	go func() {
		defer close(cmds)
		for {
			cmd, err := dec.DecodeCommand()
			select {
			case cmds <- decoded{cmd, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		idle  <-chan time.Time
		timer *time.Timer
	)
	if s.opts.IdleTimeout > 0 {
		timer = time.NewTimer(s.opts.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return s.exit(enc, ExitCancelled, 0, nil)
		case <-idle:
			return s.exit(enc, ExitIdle, 0, nil)
		case d, ok := <-cmds:
			if !ok {
				return s.exit(enc, ExitCancelled, 0, nil)
			}
			if errors.Is(d.err, io.EOF) {
				return s.exit(enc, ExitStdinClosed, 0, nil)
			}
			if d.err != nil {
				if err := enc.EncodeError(&protocol.ErrorMessage{Code: CodeInvalidParams, Message: d.err.Error()}); err != nil {
					return err
				}
				return s.exit(enc, ExitError, 1, d.err)
			}
			if err := s.process(ctx, enc, d.cmd); err != nil {
				return s.exit(enc, ExitError, 1, err)
			}
			if timer != nil {
				timer.Reset(s.opts.IdleTimeout)
			}
		}
	}
}

func (s *Server) ready() *protocol.ReadyMessage {
	caps := map[string]bool{}
	for _, ct := range []protocol.CommandType{
		protocol.CommandTypeLoadArchitecture, protocol.CommandTypeAddHead,
		protocol.CommandTypeCompile, protocol.CommandTypeFit,
		protocol.CommandTypeEvaluate, protocol.CommandTypeSave,
		protocol.CommandTypeLoad,
	} {
		caps[string(ct)] = true
	}
	if _, ok := s.engine.(ml.InferenceEngine); ok {
		caps[string(protocol.CommandTypePredict)] = true
	}
	return &protocol.ReadyMessage{
		Version:  s.opts.Version,
		Backend:  s.opts.Backend,
		Devices:  s.opts.Devices,
		PID:      os.Getpid(),
		Caps:     caps,
		Metadata: s.opts.Metadata,
	}
}

// process executes one command and reports DONE or ERROR. The returned
// error is a write failure that ends the session.
func (s *Server) process(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) error {
	s.commands++
	logger := s.opts.Logger.With().Str("command", string(cmd.Type)).Str("id", cmd.ID).Logger()

	cmdCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result, err := s.handle(cmdCtx, enc, cmd)
	duration := time.Since(start)

	if err != nil {
		code := CodeExecFailed
		var ce *commandError
		if errors.As(err, &ce) {
			code = ce.code
		}
		logger.Warn().Err(err).Str("code", code).Dur("duration", duration).Msg("Command failed")
		return enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: code, Message: err.Error()})
	}

	var raw json.RawMessage
	if result != nil {
		raw, err = json.Marshal(result)
		if err != nil {
			return enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: CodeExecFailed, Message: err.Error()})
		}
	}
	logger.Debug().Dur("duration", duration).Msg("Command completed")
	return enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: raw, Duration: duration.Seconds()})
}

func (s *Server) handle(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) (interface{}, error) {
	switch cmd.Type {
	case protocol.CommandTypeLoadArchitecture:
		var p protocol.LoadArchitectureParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		m, err := s.engine.LoadArchitecture(ctx, p.Spec)
		if err != nil {
			return nil, err
		}
		return s.register(m), nil

	case protocol.CommandTypeAddHead:
		var p protocol.AddHeadParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		base, err := s.model(p.Handle)
		if err != nil {
			return nil, err
		}
		if err := applyTrainable(base, p.Trainable); err != nil {
			return nil, err
		}
		m, err := s.engine.AddClassifierHead(ctx, base, p.NumClasses)
		if err != nil {
			return nil, err
		}
		return s.register(m), nil

	case protocol.CommandTypeCompile:
		var p protocol.CompileParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		m, err := s.model(p.Handle)
		if err != nil {
			return nil, err
		}
		if err := applyTrainable(m, p.Trainable); err != nil {
			return nil, err
		}
		return nil, s.engine.Compile(ctx, m, p.Options)

	case protocol.CommandTypeFit:
		var p protocol.FitParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		return s.fit(ctx, enc, cmd.ID, p)

	case protocol.CommandTypeEvaluate:
		var p protocol.EvaluateParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		m, err := s.model(p.Handle)
		if err != nil {
			return nil, err
		}
		return s.engine.Evaluate(ctx, m, p.Request)

	case protocol.CommandTypeSave:
		var p protocol.SaveParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		m, err := s.model(p.Handle)
		if err != nil {
			return nil, err
		}
		if err := applyTrainable(m, p.Trainable); err != nil {
			return nil, err
		}
		if err := s.engine.Save(ctx, m, p.Path); err != nil {
			return nil, err
		}
		delete(s.loaded, p.Path)
		return struct{}{}, nil

	case protocol.CommandTypeLoad:
		var p protocol.LoadParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		m, err := s.engine.Load(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		return s.register(m), nil

	case protocol.CommandTypePredict:
		var p protocol.PredictParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		return s.predict(ctx, p)

	default:
		return nil, failf(CodeUnsupported, "unsupported command type: %s", cmd.Type)
	}
}

// fit runs the epochs (InitialEpoch, Epochs] and returns the metrics of the
// last one. Callbacks stay with the client.
func (s *Server) fit(ctx context.Context, enc *protocol.Encoder, id string, p protocol.FitParams) (interface{}, error) {
	m, err := s.model(p.Handle)
	if err != nil {
		return nil, err
	}
	if p.Epochs <= p.InitialEpoch {
		return nil, failf(CodeInvalidParams, "epochs %d must exceed initial epoch %d", p.Epochs, p.InitialEpoch)
	}

	total := p.Request.Epochs
	req := p.Request
	req.InitialEpoch = p.InitialEpoch
	req.Epochs = p.Epochs - p.InitialEpoch
	req.Callbacks = nil

	if err := enc.EncodeEvent(&protocol.EventMessage{
		CommandID: id,
		Level:     "info",
		Message:   fmt.Sprintf("training epoch %d", p.Epochs),
		Progress:  &protocol.ProgressInfo{Current: p.Epochs, Total: total, Unit: "epoch"},
	}); err != nil {
		return nil, err
	}

	hist, err := s.engine.Fit(ctx, m, req)
	if err != nil {
		return nil, err
	}
	last, ok := hist.Last()
	if !ok {
		return nil, failf(CodeExecFailed, "engine returned no epochs")
	}
	return protocol.FitResult{Metrics: last}, nil
}

func (s *Server) predict(ctx context.Context, p protocol.PredictParams) (interface{}, error) {
	infer, ok := s.engine.(ml.InferenceEngine)
	if !ok {
		return nil, failf(CodeUnsupported, "engine %T cannot predict", s.engine)
	}
	if p.ModelPath == "" || p.ImagePath == "" {
		return nil, failf(CodeInvalidParams, "model_path and image_path are required")
	}
	if _, ok := s.loaded[p.ModelPath]; !ok {
		m, err := s.engine.Load(ctx, p.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", p.ModelPath, err)
		}
		s.loaded[p.ModelPath] = m
	}
	pred, err := infer.Predict(ctx, p.ImagePath)
	if err != nil {
		return nil, err
	}
	return protocol.PredictResult{Probabilities: pred.Probabilities}, nil
}

func (s *Server) register(m ml.Model) protocol.ModelResult {
	s.next++
	handle := fmt.Sprintf("m-%d", s.next)
	s.models[handle] = m

	res := protocol.ModelResult{Handle: handle, Name: m.Name()}
	for _, l := range m.Layers() {
		res.Layers = append(res.Layers, protocol.LayerInfo{Name: l.Name(), Trainable: l.Trainable()})
	}
	return res
}

func (s *Server) model(handle string) (ml.Model, error) {
	m, ok := s.models[handle]
	if !ok {
		return nil, failf(CodeUnknownHandle, "unknown model handle %q", handle)
	}
	return m, nil
}

// applyTrainable copies the client's freeze flags onto the model. An empty
// list leaves the model unchanged.
func applyTrainable(m ml.Model, flags []bool) error {
	if len(flags) == 0 {
		return nil
	}
	layers := m.Layers()
	if len(flags) != len(layers) {
		return failf(CodeInvalidParams, "got %d trainable flags for %d layers", len(flags), len(layers))
	}
	for i, l := range layers {
		l.SetTrainable(flags[i])
	}
	return nil
}

func parse(cmd *protocol.CommandMessage, target interface{}) error {
	if err := protocol.ParseParams(cmd.Params, target); err != nil {
		return &commandError{code: CodeInvalidParams, err: err}
	}
	return nil
}

func (s *Server) exit(enc *protocol.Encoder, reason string, code int, cause error) error {
	s.opts.Logger.Info().Str("reason", reason).Int("commands", s.commands).Msg("Worker exiting")
	if err := enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code, CommandsTotal: s.commands}); err != nil && cause == nil {
		return err
	}
	return cause
}
