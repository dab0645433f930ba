package stages

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// Callbacks are the hooks of one training run.
type Callbacks struct {
	TraceLogger *ml.TraceLogger
	Checkpoint  *ml.Checkpoint
}

// List returns the hooks in invocation order.
func (c *Callbacks) List() []ml.Callback {
	return []ml.Callback{c.TraceLogger, c.Checkpoint}
}

// Close releases the trace log if training stopped early.
func (c *Callbacks) Close() error {
	return c.TraceLogger.Close()
}

// MarshalJSON describes the hooks by their output locations.
func (c *Callbacks) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TraceLogDir    string `json:"trace_log_dir"`
		CheckpointPath string `json:"checkpoint_path"`
		Monitor        string `json:"monitor"`
	}{c.TraceLogger.Dir, c.Checkpoint.Path, c.Checkpoint.Monitor})
}

// CallbackPreparation builds the training hooks.
type CallbackPreparation struct {
	cfg   config.CallbackConfig
	saver ml.Saver
}

// NewCallbackPreparation creates the callback preparation stage. saver
// writes checkpoints.
func NewCallbackPreparation(cfg config.CallbackConfig, saver ml.Saver) *CallbackPreparation {
	return &CallbackPreparation{cfg: cfg, saver: saver}
}

// Prepare returns fresh hooks for a training run started at now.
func (s *CallbackPreparation) Prepare(now time.Time) *Callbacks {
	return &Callbacks{
		TraceLogger: ml.NewTraceLogger(s.cfg.TensorboardLogRootDir, now),
		Checkpoint:  ml.NewCheckpoint(s.cfg.CheckpointModelPath, s.saver),
	}
}

// Run provisions the hook output directories and prepares the hooks for
// a run starting now.
func (s *CallbackPreparation) Run(ctx context.Context) (*Callbacks, error) {
	dirs := []string{s.cfg.TensorboardLogRootDir, filepath.Dir(s.cfg.CheckpointModelPath)}
	if err := artifacts.Ensure(dirs...); err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "failed to provision callback directories").
			WithStage(engine.StageCallbacks).WithOp("ensure_dir")
	}

	cb := s.Prepare(time.Now())
	telemetry.FromContext(ctx).NewComponentLogger("callbacks").
		WithField("checkpoint", cb.Checkpoint.Path).
		Infof("trace log at %s", cb.TraceLogger.Dir)
	return cb, nil
}
