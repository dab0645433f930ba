package engine

import (
	"context"
)

// StepFunc performs one stage. It builds the stage's configuration, runs
// the stage and returns its structured output together with the artifact
// paths it wrote.
type StepFunc func(ctx context.Context, state *RunState) (output interface{}, artifacts []string, err error)

// Step is a named unit of work with its dependencies.
type Step struct {
	// Name identifies the step.
	Name StageName

	// DependsOn lists the steps that must complete first.
	DependsOn []StageName

	// Execute runs the step.
	Execute StepFunc
}

// RunRecorder persists run and stage progress. Implementations must be
// safe to call from the orchestrator goroutine only.
type RunRecorder interface {
	// SaveRun creates or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// SaveStageResult records the outcome of one stage.
	SaveStageResult(ctx context.Context, runID string, result *StageResult) error
}
