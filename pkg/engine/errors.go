package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrorKind classifies where in the pipeline a failure was detected.
type ErrorKind string

const (
	// KindConfig covers missing or invalid configuration and schema violations.
	KindConfig ErrorKind = "ConfigError"

	// KindFilesystem covers provisioning and path failures other than
	// "already exists".
	KindFilesystem ErrorKind = "FilesystemError"

	// KindIngestion covers download and extraction failures.
	KindIngestion ErrorKind = "IngestionError"

	// KindModelPreparation covers base model loading, freezing and head replacement.
	KindModelPreparation ErrorKind = "ModelPreparationError"

	// KindTraining covers training preconditions and engine fit failures.
	KindTraining ErrorKind = "TrainingError"

	// KindEvaluation covers evaluation, report writing and tracking failures.
	KindEvaluation ErrorKind = "EvaluationError"
)

// Validate checks if the error kind is known.
func (k ErrorKind) Validate() error {
	switch k {
	case KindConfig, KindFilesystem, KindIngestion,
		KindModelPreparation, KindTraining, KindEvaluation:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// Origin is the source location that detected a failure.
type Origin struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// String renders the origin as file:line (function).
func (o Origin) String() string {
	if o.File == "" {
		return "unknown"
	}
	if o.Function == "" {
		return fmt.Sprintf("%s:%d", o.File, o.Line)
	}
	return fmt.Sprintf("%s:%d (%s)", o.File, o.Line, o.Function)
}

// PipelineError is the single error type surfaced across stage boundaries.
// nolint:revive // PipelineError is intentionally named to distinguish from standard errors
type PipelineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Stage is the pipeline stage that failed, if known.
	Stage StageName `json:"stage,omitempty"`

	// Field is the configuration field at fault, if applicable.
	Field string `json:"field,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Origin is where the failure was wrapped.
	Origin Origin `json:"origin"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " op=%s", e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	fmt.Fprintf(&b, " (at %s)", e.Origin)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a PipelineError of the same kind. A target
// with a stage set must also match the stage.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	if t.Stage != "" && t.Stage != e.Stage {
		return false
	}
	return e.Kind == t.Kind
}

// Wrap wraps err as a PipelineError of the given kind, recording the
// caller as the origin. If err is a PipelineError it is returned as is and
// only empty context fields are filled in by the With* builders. If a
// PipelineError sits deeper in the chain, the new error adopts its kind,
// origin and context while keeping every outer message.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *PipelineError {
	if existing, ok := err.(*PipelineError); ok {
		return existing
	}
	e := &PipelineError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Origin:  callerOrigin(2),
		Err:     err,
	}
	var inner *PipelineError
	if errors.As(err, &inner) {
		e.Kind = inner.Kind
		e.Origin = inner.Origin
		e.Stage = inner.Stage
		e.Field = inner.Field
		e.Op = inner.Op
	}
	return e
}

// Reclassify wraps err in a new PipelineError of the given kind even when
// err already is one. The inner error stays reachable through Unwrap.
func Reclassify(kind ErrorKind, err error, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Origin:  callerOrigin(2),
		Err:     err,
	}
}

// New creates a PipelineError without an underlying cause.
func New(kind ErrorKind, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Origin:  callerOrigin(2),
	}
}

// WithStage sets the stage if it is not set yet.
func (e *PipelineError) WithStage(stage StageName) *PipelineError {
	if e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// WithField sets the configuration field if it is not set yet.
func (e *PipelineError) WithField(field string) *PipelineError {
	if e.Field == "" {
		e.Field = field
	}
	return e
}

// WithOp sets the operation if it is not set yet.
func (e *PipelineError) WithOp(op string) *PipelineError {
	if e.Op == "" {
		e.Op = op
	}
	return e
}

// KindOf returns the kind of the first PipelineError in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind returns true if err carries a PipelineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// StageOf returns the failing stage recorded on err, if any.
func StageOf(err error) StageName {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

func callerOrigin(skip int) Origin {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Origin{}
	}
	o := Origin{
		File: filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file),
		Line: line,
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		name := fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		o.Function = name
	}
	return o
}
