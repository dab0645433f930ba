package engine

import (
	"encoding/json"
	"fmt"
)

// StageName identifies one unit of pipeline work.
type StageName string

const (
	// StageIngestion downloads and extracts the dataset archive.
	StageIngestion StageName = "ingestion"

	// StageBaseModel prepares the pretrained base model and its trainable variant.
	StageBaseModel StageName = "prepare_base_model"

	// StageCallbacks prepares the training-time observation hooks.
	StageCallbacks StageName = "prepare_callbacks"

	// StageTraining fits the updated base model.
	StageTraining StageName = "training"

	// StageEvaluation scores the trained model and records the experiment.
	StageEvaluation StageName = "evaluation"
)

// Stages lists the pipeline stages in their fixed execution order.
var Stages = []StageName{
	StageIngestion,
	StageBaseModel,
	StageCallbacks,
	StageTraining,
	StageEvaluation,
}

// Validate checks if the stage name is known.
func (s StageName) Validate() error {
	for _, known := range Stages {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid stage: %s", s)
}

// PipelineState is the position of a run in the stage sequence.
type PipelineState string

const (
	// StateNotStarted indicates no stage has run yet.
	StateNotStarted PipelineState = "NotStarted"

	// StateIngesting indicates ingestion is running.
	StateIngesting PipelineState = "Ingesting"

	// StateModelPrepared indicates the updated base model exists.
	StateModelPrepared PipelineState = "ModelPrepared"

	// StateCallbacksReady indicates training hooks are prepared.
	StateCallbacksReady PipelineState = "CallbacksReady"

	// StateTrained indicates the trained model exists.
	StateTrained PipelineState = "Trained"

	// StateEvaluated indicates evaluation artifacts are written.
	StateEvaluated PipelineState = "Evaluated"

	// StateDone indicates the full sequence completed.
	StateDone PipelineState = "Done"

	// StateFailed indicates a stage failed; see the run's failure record.
	StateFailed PipelineState = "Failed"
)

// transitions maps each state to the states reachable from it, not counting Failed.
var transitions = map[PipelineState][]PipelineState{
	StateNotStarted:     {StateIngesting},
	StateIngesting:      {StateModelPrepared},
	StateModelPrepared:  {StateCallbacksReady},
	StateCallbacksReady: {StateTrained},
	StateTrained:        {StateEvaluated},
	StateEvaluated:      {StateDone},
}

// IsTerminal returns true if the state is final.
func (s PipelineState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Validate checks if the pipeline state is valid.
func (s PipelineState) Validate() error {
	switch s {
	case StateNotStarted, StateIngesting, StateModelPrepared, StateCallbacksReady,
		StateTrained, StateEvaluated, StateDone, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid pipeline state: %s", s)
	}
}

// CanTransition reports whether a run may move from one state to another.
// Failed is reachable from every non-terminal state.
func CanTransition(from, to PipelineState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PipelineState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PipelineState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PipelineState(str)
	return s.Validate()
}

// StageStatus is the status of one step within a run.
type StageStatus string

const (
	// StageStatusPending indicates the stage has not started.
	StageStatusPending StageStatus = "pending"

	// StageStatusRunning indicates the stage is executing.
	StageStatusRunning StageStatus = "running"

	// StageStatusSucceeded indicates the stage wrote its artifacts.
	StageStatusSucceeded StageStatus = "succeeded"

	// StageStatusFailed indicates the stage returned an error.
	StageStatusFailed StageStatus = "failed"

	// StageStatusSkipped indicates the stage did not run because an earlier one failed.
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal returns true if the stage status is final.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusSucceeded || s == StageStatusFailed || s == StageStatusSkipped
}

// Validate checks if the stage status is valid.
func (s StageStatus) Validate() error {
	switch s {
	case StageStatusPending, StageStatusRunning, StageStatusSucceeded,
		StageStatusFailed, StageStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid stage status: %s", s)
	}
}

// EventType represents the type of event in a run's timeline.
type EventType string

const (
	EventTypeRunStarted     EventType = "run_started"
	EventTypeRunCompleted   EventType = "run_completed"
	EventTypeRunFailed      EventType = "run_failed"
	EventTypeStageStarted   EventType = "stage_started"
	EventTypeStageCompleted EventType = "stage_completed"
	EventTypeStageFailed    EventType = "stage_failed"
	EventTypeStageSkipped   EventType = "stage_skipped"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeStageFailed:
		return "error"
	case EventTypeStageSkipped:
		return "warning"
	default:
		return "info"
	}
}

// stateAfter returns the state a run enters once the stage succeeds.
func stateAfter(stage StageName) PipelineState {
	switch stage {
	case StageIngestion:
		return StateIngesting
	case StageBaseModel:
		return StateModelPrepared
	case StageCallbacks:
		return StateCallbacksReady
	case StageTraining:
		return StateTrained
	case StageEvaluation:
		return StateEvaluated
	default:
		return ""
	}
}
