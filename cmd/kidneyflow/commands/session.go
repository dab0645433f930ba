package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/client"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/pipeline"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/stores"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// loadConfig reads both documents from the project found from --project
// or the working directory.
func loadConfig() (*config.RawConfig, error) {
	if projectDir == "" {
		return config.Load(configPath, paramsPath)
	}
	root, err := config.FindProjectRoot(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to find project root from %s: %w", projectDir, err)
	}
	return config.LoadFrom(root, configPath, paramsPath)
}

// worker is a started worker client with the transport it runs on.
type worker struct {
	client    *client.Client
	transport client.Transport
}

// startWorker launches the worker described by the runner section. It
// returns nil when the configuration has none.
func startWorker(ctx context.Context, b *config.Builder, modelPath string) (*worker, error) {
	rc, ok, err := b.Runner()
	if err != nil || !ok {
		return nil, err
	}

	tr, err := client.NewTransport(rc)
	if err != nil {
		return nil, err
	}
	c, err := client.NewClient(client.Config{
		Transport:      tr,
		Command:        rc.Command,
		StartupTimeout: rc.StartupTimeout,
		ModelPath:      modelPath,
	})
	if err != nil {
		return nil, err
	}

	w := &worker{client: c, transport: tr}
	if err := c.Start(ctx); err != nil {
		w.close(ctx)
		return nil, fmt.Errorf("failed to start worker %v: %w", rc.Command, err)
	}
	if ready := c.Ready(); ready != nil {
		telemetry.FromContext(ctx).WithFields(map[string]interface{}{
			"transport": rc.Transport,
			"backend":   ready.Backend,
			"pid":       ready.PID,
		}).Infof("worker %s ready", ready.Version)
	}
	return w, nil
}

func (w *worker) close(ctx context.Context) error {
	err := w.client.Close(ctx)
	if closer, ok := w.transport.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// session holds what a pipeline command needs for its lifetime.
type session struct {
	raw      *config.RawConfig
	pipeline *pipeline.Pipeline
	history  *stores.SQLiteStore
	worker   *worker
}

// openSession loads the configuration and assembles the pipeline. The
// worker is started only when withEngine is set.
func openSession(ctx context.Context, withEngine bool) (*session, error) {
	raw, err := loadConfig()
	if err != nil {
		return nil, err
	}
	b := config.NewBuilder(raw)
	s := &session{raw: raw}

	deps := pipeline.Deps{Logger: telemetry.FromContext(ctx).NewComponentLogger("orchestrator")}

	if withEngine {
		w, err := startWorker(ctx, b, "")
		if err != nil {
			return nil, err
		}
		if w != nil {
			s.worker = w
			deps.Engine = w.client
		}
	}

	history, err := pipeline.OpenHistory(ctx, b)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	if history != nil {
		s.history = history
		deps.Recorder = history
	}

	p, err := pipeline.New(raw, deps)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

// Close stops the worker and closes the history store.
func (s *session) Close(ctx context.Context) error {
	var errs []error
	if s.worker != nil {
		errs = append(errs, s.worker.close(ctx))
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	return errors.Join(errs...)
}
