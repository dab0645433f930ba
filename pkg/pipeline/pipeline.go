// Package pipeline wires the stages into orchestrator steps. It is the
// only package that knows both the configuration layer and the
// orchestration core.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/policy"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/stages"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/stores"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// Deps are the collaborators shared by the stages.
type Deps struct {
	// Engine builds, trains and evaluates models. Stages that need it
	// fail with a config error when it is nil.
	Engine ml.TrainingEngine

	// HTTPClient downloads the dataset. Nil uses a default client.
	HTTPClient *http.Client

	// Fetcher overrides scheme-based source selection.
	Fetcher stages.Fetcher

	// Policies overrides the evaluation policy engine.
	Policies *policy.Engine

	// OpenTracker overrides tracking.Open.
	OpenTracker stages.TrackerOpener

	// Recorder persists run history.
	Recorder engine.RunRecorder

	// Logger is the orchestrator's logger.
	Logger *telemetry.Logger

	// Clock stamps runs and callback log directories. Nil uses time.Now.
	Clock func() time.Time
}

const missingModelField = "prepare_base_model.updated_base_model_path"

// Pipeline runs the five stages over one loaded configuration.
type Pipeline struct {
	builder *config.Builder
	deps    Deps
	orch    *engine.Orchestrator
}

// New builds the pipeline steps over raw, which the caller has already
// loaded.
func New(raw *config.RawConfig, deps Deps) (*Pipeline, error) {
	if raw == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	p := &Pipeline{builder: config.NewBuilder(raw), deps: deps}

	opts := []engine.Option{engine.WithClock(deps.Clock)}
	if deps.Recorder != nil {
		opts = append(opts, engine.WithRecorder(deps.Recorder))
	}
	if deps.Logger != nil {
		opts = append(opts, engine.WithLogger(deps.Logger))
	}

	orch, err := engine.NewOrchestrator(p.Steps(), opts...)
	if err != nil {
		return nil, err
	}
	p.orch = orch
	return p, nil
}

// Builder returns the stage configuration builder.
func (p *Pipeline) Builder() *config.Builder {
	return p.builder
}

// Orchestrator returns the underlying orchestrator.
func (p *Pipeline) Orchestrator() *engine.Orchestrator {
	return p.orch
}

// Run executes every stage in order.
func (p *Pipeline) Run(ctx context.Context) (*engine.Run, error) {
	return p.orch.Run(ctx)
}

// RunStages executes the named stages, which must be contiguous in the
// pipeline order. Artifacts of earlier stages must already exist.
func (p *Pipeline) RunStages(ctx context.Context, names ...engine.StageName) (*engine.Run, error) {
	return p.orch.RunOnly(ctx, names...)
}

// Steps returns the pipeline steps in declaration order.
func (p *Pipeline) Steps() []engine.Step {
	return []engine.Step{
		{Name: engine.StageIngestion, Execute: p.ingest},
		{Name: engine.StageBaseModel, DependsOn: []engine.StageName{engine.StageIngestion}, Execute: p.prepareBaseModel},
		{Name: engine.StageCallbacks, DependsOn: []engine.StageName{engine.StageBaseModel}, Execute: p.prepareCallbacks},
		{Name: engine.StageTraining, DependsOn: []engine.StageName{engine.StageCallbacks}, Execute: p.train},
		{Name: engine.StageEvaluation, DependsOn: []engine.StageName{engine.StageTraining}, Execute: p.evaluate},
	}
}

// Validate builds every stage configuration without running anything.
// Training's configuration needs the updated base model, so a missing
// model is reported but not treated as invalid configuration.
func (p *Pipeline) Validate(ctx context.Context) error {
	logger := telemetry.FromContext(ctx).NewComponentLogger("validate")

	ing, err := p.builder.Ingestion()
	if err != nil {
		return err
	}
	if _, err := p.builder.BaseModel(); err != nil {
		return err
	}
	if _, err := p.builder.Callbacks(); err != nil {
		return err
	}
	if _, err := p.builder.Training(ing); err != nil {
		if !isMissingArtifact(err) {
			return err
		}
		logger.WithError(err).Warn("training configuration needs the prepared base model")
	}
	if _, err := p.builder.Evaluation(ing); err != nil {
		return err
	}
	if _, _, err := p.builder.Runner(); err != nil {
		return err
	}
	return nil
}

func isMissingArtifact(err error) bool {
	var perr *engine.PipelineError
	return errors.As(err, &perr) && perr.Field == missingModelField
}

func (p *Pipeline) modelEngine(stage engine.StageName) (ml.TrainingEngine, error) {
	if p.deps.Engine == nil {
		return nil, engine.New(engine.KindConfig, "%s needs a model engine; configure the runner section", stage).
			WithStage(stage).WithField("runner")
	}
	return p.deps.Engine, nil
}

func (p *Pipeline) ingest(ctx context.Context, _ *engine.RunState) (interface{}, []string, error) {
	cfg, err := p.builder.Ingestion()
	if err != nil {
		return nil, nil, err
	}

	var opts []stages.IngestionOption
	if p.deps.HTTPClient != nil {
		opts = append(opts, stages.WithHTTPClient(p.deps.HTTPClient))
	}
	if p.deps.Fetcher != nil {
		opts = append(opts, stages.WithFetcher(p.deps.Fetcher))
	}

	res, err := stages.NewIngestion(cfg, opts...).Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	return res, []string{res.ArchivePath, res.DatasetDir}, nil
}

func (p *Pipeline) prepareBaseModel(ctx context.Context, _ *engine.RunState) (interface{}, []string, error) {
	eng, err := p.modelEngine(engine.StageBaseModel)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := p.builder.BaseModel()
	if err != nil {
		return nil, nil, err
	}
	res, err := stages.NewBaseModel(cfg, eng).Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	return res, []string{res.BaseModelPath, res.UpdatedModelPath}, nil
}

func (p *Pipeline) callbackStage(stage engine.StageName) (*stages.CallbackPreparation, error) {
	eng, err := p.modelEngine(stage)
	if err != nil {
		return nil, err
	}
	cfg, err := p.builder.Callbacks()
	if err != nil {
		return nil, err
	}
	return stages.NewCallbackPreparation(cfg, eng), nil
}

func (p *Pipeline) prepareCallbacks(ctx context.Context, _ *engine.RunState) (interface{}, []string, error) {
	s, err := p.callbackStage(engine.StageCallbacks)
	if err != nil {
		return nil, nil, err
	}
	cb, err := s.Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cb, []string{cb.TraceLogger.Dir, filepath.Dir(cb.Checkpoint.Path)}, nil
}

// callbacks returns the hooks prepared earlier in this run, or fresh ones
// when training runs on its own.
func (p *Pipeline) callbacks(ctx context.Context, state *engine.RunState) (*stages.Callbacks, error) {
	if out, ok := state.Output(engine.StageCallbacks); ok {
		if cb, ok := out.(*stages.Callbacks); ok {
			return cb, nil
		}
	}
	s, err := p.callbackStage(engine.StageTraining)
	if err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx).Debug("preparing callbacks for a standalone training run")
	return s.Prepare(p.deps.Clock()), nil
}

func (p *Pipeline) train(ctx context.Context, state *engine.RunState) (interface{}, []string, error) {
	eng, err := p.modelEngine(engine.StageTraining)
	if err != nil {
		return nil, nil, err
	}
	ing, err := p.builder.Ingestion()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := p.builder.Training(ing)
	if err != nil {
		return nil, nil, err
	}
	cb, err := p.callbacks(ctx, state)
	if err != nil {
		return nil, nil, err
	}

	res, err := stages.NewTraining(cfg, eng, cb).Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	out := []string{res.TrainedModelPath, cb.TraceLogger.Dir}
	if artifacts.Exists(cb.Checkpoint.Path) {
		out = append(out, cb.Checkpoint.Path)
	}
	return res, out, nil
}

func (p *Pipeline) evaluate(ctx context.Context, _ *engine.RunState) (interface{}, []string, error) {
	eng, err := p.modelEngine(engine.StageEvaluation)
	if err != nil {
		return nil, nil, err
	}
	ing, err := p.builder.Ingestion()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := p.builder.Evaluation(ing)
	if err != nil {
		return nil, nil, err
	}

	var opts []stages.EvaluationOption
	if p.deps.Policies != nil {
		opts = append(opts, stages.WithPolicyEngine(p.deps.Policies))
	}
	if p.deps.OpenTracker != nil {
		opts = append(opts, stages.WithTrackerOpener(p.deps.OpenTracker))
	}

	res, err := stages.NewEvaluation(cfg, eng, opts...).Run(ctx)
	if err != nil {
		return nil, nil, err
	}
	return res, []string{res.ReportPath, res.ReportYAMLPath, res.ScorePath}, nil
}

// OpenHistory opens the run history store named by the configuration. It
// returns nil when history is not configured.
func OpenHistory(ctx context.Context, b *config.Builder) (*stores.SQLiteStore, error) {
	path := b.HistoryDatabase()
	if path == "" {
		return nil, nil
	}
	if err := artifacts.Ensure(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return stores.Open(ctx, path)
}
