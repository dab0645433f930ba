package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// Orchestrator runs pipeline steps strictly sequentially in dependency
// order, advancing the run's state after each successful step and stopping
// at the first failure.
type Orchestrator struct {
	steps    map[StageName]Step
	graph    *StageGraph
	recorder RunRecorder
	logger   *telemetry.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists run and stage progress.
func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the orchestrator's logger. Without it the logger from
// the run context is used.
func WithLogger(l *telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator validates the steps and builds their execution order.
func NewOrchestrator(steps []Step, opts ...Option) (*Orchestrator, error) {
	if len(steps) == 0 {
		return nil, New(KindConfig, "no steps to orchestrate").WithOp("build_graph")
	}
	graph, err := NewGraphBuilder().BuildGraph(steps)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		steps: make(map[StageName]Step, len(steps)),
		graph: graph,
		now:   time.Now,
	}
	for _, s := range steps {
		o.steps[s.Name] = s
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Graph returns the step dependency graph.
func (o *Orchestrator) Graph() *StageGraph {
	return o.graph
}

// Run executes every step. The returned run is populated even on failure.
func (o *Orchestrator) Run(ctx context.Context) (*Run, error) {
	return o.execute(ctx, o.graph.Order)
}

// RunOnly executes the named steps, which must be contiguous in the
// execution order. Earlier steps are assumed to have produced their
// artifacts in a previous run.
func (o *Orchestrator) RunOnly(ctx context.Context, names ...StageName) (*Run, error) {
	order, err := o.graph.Subgraph(names)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, order)
}

func (o *Orchestrator) execute(ctx context.Context, order []StageName) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		State:     stateBefore(order[0]),
		Stages:    append([]StageName{}, order...),
		StartedAt: o.now(),
		Results:   make([]StageResult, 0, len(order)),
	}

	names := make([]string, len(order))
	for i, n := range order {
		names[i] = string(n)
	}
	ctx = telemetry.WithRunContext(ctx, run.ID, names)
	logger := o.logger
	if logger == nil {
		logger = telemetry.FromContext(ctx)
	}
	logger = logger.WithRunID(run.ID)

	logger.Infof("pipeline run started with %d stages", len(order))
	o.save(ctx, logger, run)

	state := NewRunState(run.ID)
	var runErr error

	for i, name := range order {
		if err := ctx.Err(); err != nil {
			runErr = Wrap(kindFor(name), err, "run cancelled before stage").WithStage(name)
			o.fail(ctx, logger, run, name, runErr)
			o.skipRemaining(ctx, logger, run, order[i:], "run cancelled")
			break
		}

		result, err := o.executeStep(ctx, logger, run, state, o.steps[name])
		run.Results = append(run.Results, *result)
		o.saveResult(ctx, logger, run.ID, result)

		if err != nil {
			runErr = err
			o.fail(ctx, logger, run, name, err)
			o.skipRemaining(ctx, logger, run, order[i+1:], "previous stage failed: "+string(name))
			break
		}

		o.advance(logger, run, stateAfter(name))
		o.save(ctx, logger, run)
	}

	if runErr == nil && run.State == StateEvaluated {
		o.advance(logger, run, StateDone)
	}

	completed := o.now()
	run.CompletedAt = &completed
	run.Duration = completed.Sub(run.StartedAt)
	o.save(ctx, logger, run)

	telemetry.EndRunContext(ctx, run.ID, string(run.State), string(run.FailedStage), run.Duration, runErr)

	if runErr != nil {
		logger.WithError(runErr).Errorf("pipeline run failed at %s", run.FailedStage)
		return run, runErr
	}
	logger.Infof("pipeline run finished in state %s after %s", run.State, run.Duration)
	return run, nil
}

func (o *Orchestrator) executeStep(
	ctx context.Context,
	logger *telemetry.Logger,
	run *Run,
	state *RunState,
	step Step,
) (*StageResult, error) {
	stageLogger := logger.WithStage(string(step.Name))
	stageCtx := telemetry.WithStageContext(stageLogger.WithContext(ctx), run.ID, string(step.Name))

	if step.Name == StageIngestion {
		o.advance(logger, run, StateIngesting)
	}

	result := &StageResult{
		Stage:     step.Name,
		Status:    StageStatusRunning,
		StartedAt: o.now(),
	}
	o.saveResult(ctx, logger, run.ID, result)

	stageLogger.Info(">>>>>> stage started <<<<<<")

	output, artifacts, err := step.Execute(stageCtx, state)
	result.Duration = o.now().Sub(result.StartedAt)
	result.Artifacts = artifacts
	result.Output = output

	if err != nil {
		perr := Wrap(kindFor(step.Name), err, "stage %s failed", step.Name).WithStage(step.Name)
		result.Status = StageStatusFailed
		result.Error = perr.Error()
		telemetry.EndStageContext(stageCtx, run.ID, string(step.Name), string(result.Status),
			string(perr.Kind), result.Duration, artifacts, perr)
		stageLogger.WithError(perr).Error("stage failed")
		return result, perr
	}

	state.record(step.Name, output)
	result.Status = StageStatusSucceeded
	telemetry.EndStageContext(stageCtx, run.ID, string(step.Name), string(result.Status),
		"", result.Duration, artifacts, nil)
	stageLogger.Infof(">>>>>> stage completed in %s <<<<<<", result.Duration)
	return result, nil
}

func (o *Orchestrator) advance(logger *telemetry.Logger, run *Run, next PipelineState) {
	if next == "" || next == run.State {
		return
	}
	if !CanTransition(run.State, next) {
		logger.Warnf("ignoring state transition %s -> %s", run.State, next)
		return
	}
	run.State = next
}

func (o *Orchestrator) fail(ctx context.Context, logger *telemetry.Logger, run *Run, stage StageName, err error) {
	run.State = StateFailed
	run.FailedStage = stage
	run.Failure = err.Error()
	o.save(ctx, logger, run)
}

func (o *Orchestrator) skipRemaining(ctx context.Context, logger *telemetry.Logger, run *Run, rest []StageName, reason string) {
	tel := telemetry.FromTelemetryContext(ctx)
	for _, name := range rest {
		result := StageResult{
			Stage:     name,
			Status:    StageStatusSkipped,
			StartedAt: o.now(),
			Error:     reason,
		}
		run.Results = append(run.Results, result)
		o.saveResult(ctx, logger, run.ID, &result)
		if tel != nil {
			tel.Metrics.RecordStage(string(name), string(StageStatusSkipped), 0)
			_ = tel.Events.PublishStageSkipped(run.ID, string(name), reason)
		}
	}
}

func (o *Orchestrator) save(ctx context.Context, logger *telemetry.Logger, run *Run) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		logger.WithError(err).Warn("failed to record run")
	}
}

func (o *Orchestrator) saveResult(ctx context.Context, logger *telemetry.Logger, runID string, result *StageResult) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveStageResult(context.WithoutCancel(ctx), runID, result); err != nil {
		logger.WithError(err).Warn("failed to record stage result")
	}
}

// stateBefore returns the state a run is in before the stage starts,
// assuming every earlier stage succeeded.
func stateBefore(stage StageName) PipelineState {
	switch stage {
	case StageBaseModel:
		return StateIngesting
	case StageCallbacks:
		return StateModelPrepared
	case StageTraining:
		return StateCallbacksReady
	case StageEvaluation:
		return StateTrained
	default:
		return StateNotStarted
	}
}

// kindFor returns the error kind reported for untyped failures of a stage.
func kindFor(stage StageName) ErrorKind {
	switch stage {
	case StageIngestion:
		return KindIngestion
	case StageBaseModel:
		return KindModelPreparation
	case StageCallbacks, StageTraining:
		return KindTraining
	case StageEvaluation:
		return KindEvaluation
	default:
		return KindConfig
	}
}

// IsCancelled reports whether the run stopped because its context ended.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
