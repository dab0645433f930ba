// Package protocol defines the JSON-over-stdio protocol spoken between the
// pipeline and an out-of-process model worker.
//
// Every frame is one JSON object per line. The worker announces itself with
// READY, then answers each CMD with zero or more EVENTs followed by exactly
// one DONE or ERROR. Closing the worker's stdin asks it to send EXIT and
// terminate.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the pipeline
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the worker
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	CommandTypeLoadArchitecture CommandType = "model.load_architecture"
	CommandTypeAddHead          CommandType = "model.add_head"
	CommandTypeCompile          CommandType = "model.compile"
	CommandTypeFit              CommandType = "model.fit"
	CommandTypeEvaluate         CommandType = "model.evaluate"
	CommandTypeSave             CommandType = "model.save"
	CommandTypeLoad             CommandType = "model.load"
	CommandTypePredict          CommandType = "model.predict"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the worker is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Backend  string            `json:"backend"` // e.g. tensorflow-2.16
	Devices  []string          `json:"devices,omitempty"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the worker advertised the command type.
func (r *ReadyMessage) Supports(ct CommandType) bool {
	return r.Caps[string(ct)]
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string        `json:"command_id"`
	Level     string        `json:"level"` // info, warn, debug
	Message   string        `json:"message"`
	Progress  *ProgressInfo `json:"progress,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"` // batch, epoch
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameter structures for each command type

// LayerInfo describes one layer of a worker-side model.
type LayerInfo struct {
	Name      string `json:"name"`
	Trainable bool   `json:"trainable"`
}

// ModelResult identifies a worker-side model. Handle is opaque to the
// pipeline and valid for the lifetime of the worker process.
type ModelResult struct {
	Handle string      `json:"handle"`
	Name   string      `json:"name"`
	Layers []LayerInfo `json:"layers"`
}

// LoadArchitectureParams asks the worker to build a pretrained backbone.
type LoadArchitectureParams struct {
	Spec ml.ArchitectureSpec `json:"spec"`
}

// AddHeadParams asks the worker to stack a flatten and softmax head on a
// model, producing a new handle.
type AddHeadParams struct {
	Handle     string `json:"handle"`
	NumClasses int    `json:"num_classes"`
	Trainable  []bool `json:"trainable,omitempty"`
}

// CompileParams compiles a model. Trainable carries the pipeline's layer
// flags in layer order and is applied before compiling.
type CompileParams struct {
	Handle    string            `json:"handle"`
	Trainable []bool            `json:"trainable"`
	Options   ml.CompileOptions `json:"options"`
}

// FitParams trains a model over epochs (InitialEpoch, Epochs]. The
// pipeline sends one epoch per command.
type FitParams struct {
	Handle       string        `json:"handle"`
	Request      ml.FitRequest `json:"request"`
	InitialEpoch int           `json:"initial_epoch"`
	Epochs       int           `json:"epochs"`
}

// FitResult carries the metrics of the last trained epoch.
type FitResult struct {
	Metrics ml.EpochMetrics `json:"metrics"`
}

// EvaluateParams evaluates a model on a held-out partition.
type EvaluateParams struct {
	Handle  string         `json:"handle"`
	Request ml.EvalRequest `json:"request"`
}

// SaveParams persists a model at Path on the worker's filesystem.
type SaveParams struct {
	Handle    string `json:"handle"`
	Path      string `json:"path"`
	Trainable []bool `json:"trainable"`
}

// LoadParams loads a persisted model.
type LoadParams struct {
	Path string `json:"path"`
}

// PredictParams classifies one image with the model at ModelPath.
type PredictParams struct {
	ModelPath string `json:"model_path"`
	ImagePath string `json:"image_path"`
}

// PredictResult carries per-class probabilities.
type PredictResult struct {
	Probabilities []float64 `json:"probabilities"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeLoadArchitecture, CommandTypeAddHead, CommandTypeCompile,
		CommandTypeFit, CommandTypeEvaluate, CommandTypeSave,
		CommandTypeLoad, CommandTypePredict:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// Error makes a worker ERROR frame usable as a Go error.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("worker error %s: %s", e.Code, e.Message)
}
