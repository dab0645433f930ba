package engine

import (
	"sync"
	"time"
)

// StageResult is the outcome of one stage execution.
type StageResult struct {
	// Stage is the stage that produced the result.
	Stage StageName `json:"stage"`

	// Status is the final status of the stage.
	Status StageStatus `json:"status"`

	// Artifacts lists the paths the stage wrote.
	Artifacts []string `json:"artifacts,omitempty"`

	// Output is the stage-specific structured result.
	Output interface{} `json:"output,omitempty"`

	// StartedAt is when the stage started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the stage ran.
	Duration time.Duration `json:"duration"`

	// Error is the error message for failed stages.
	Error string `json:"error,omitempty"`
}

// Run represents one execution of the pipeline.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// State is the current pipeline state.
	State PipelineState `json:"state"`

	// Stages lists the stages scheduled in this run, in execution order.
	Stages []StageName `json:"stages"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// FailedStage is the stage that failed, for runs in StateFailed.
	FailedStage StageName `json:"failed_stage,omitempty"`

	// Failure is the cause of the failure, for runs in StateFailed.
	Failure string `json:"failure,omitempty"`

	// Results holds per-stage results in execution order.
	Results []StageResult `json:"results"`
}

// Summary returns counts of stages by status.
func (r *Run) Summary() RunSummary {
	s := RunSummary{Total: len(r.Stages)}
	for _, res := range r.Results {
		switch res.Status {
		case StageStatusSucceeded:
			s.Succeeded++
		case StageStatusFailed:
			s.Failed++
		case StageStatusSkipped:
			s.Skipped++
		}
	}
	s.Pending = s.Total - s.Succeeded - s.Failed - s.Skipped
	return s
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// RunState carries the results of completed stages to later stages within
// one run. It is written only by the orchestrator.
type RunState struct {
	RunID string

	mu      sync.RWMutex
	outputs map[StageName]interface{}
}

// NewRunState creates an empty run state.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:   runID,
		outputs: make(map[StageName]interface{}),
	}
}

// Output returns the output recorded for a completed stage.
func (s *RunState) Output(stage StageName) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[stage]
	return out, ok
}

func (s *RunState) record(stage StageName, output interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[stage] = output
}
