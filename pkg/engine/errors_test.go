package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestWrap_RecordsKindAndOrigin(t *testing.T) {
	cause := fmt.Errorf("open config/config.yaml: %w", fs.ErrNotExist)

	err := Wrap(KindConfig, cause, "failed to read %s", "config/config.yaml").
		WithField("artifacts_root")

	if err.Kind != KindConfig {
		t.Errorf("Expected kind %s, got %s", KindConfig, err.Kind)
	}
	if err.Origin.File != "engine/errors_test.go" {
		t.Errorf("Expected origin in engine/errors_test.go, got %s", err.Origin.File)
	}
	if err.Origin.Line == 0 {
		t.Error("Expected origin line to be set")
	}
	if !strings.Contains(err.Origin.Function, "TestWrap_RecordsKindAndOrigin") {
		t.Errorf("Expected origin function to name the test, got %s", err.Origin.Function)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("Expected wrapped error to match fs.ErrNotExist")
	}

	msg := err.Error()
	for _, want := range []string{"[ConfigError]", "field=artifacts_root", "failed to read config/config.yaml", "errors_test.go:"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in error message, got: %s", want, msg)
		}
	}
}

func TestWrap_KeepsExistingPipelineError(t *testing.T) {
	inner := New(KindFilesystem, "disk full").WithOp("write_json")
	outer := fmt.Errorf("saving scores: %w", inner)

	err := Wrap(KindEvaluation, outer, "evaluation failed").WithStage(StageEvaluation)

	if err.Kind != KindFilesystem {
		t.Errorf("Expected original kind to be kept, got %s", err.Kind)
	}
	if err.Stage != StageEvaluation {
		t.Errorf("Expected stage to be filled in, got %s", err.Stage)
	}
	if err.Op != "write_json" {
		t.Errorf("Expected op to be kept, got %s", err.Op)
	}
}

func TestWrap_KeepsOuterContext(t *testing.T) {
	inner := New(KindFilesystem, "mkdir failed")
	cause := fmt.Errorf("failed to open run history: %w", inner)

	err := Wrap(KindTraining, cause, "stage failed")

	if err == inner {
		t.Fatal("Expected a new error around the wrapped chain")
	}
	if err.Kind != KindFilesystem {
		t.Errorf("Expected inner kind %s, got %s", KindFilesystem, err.Kind)
	}
	if err.Origin != inner.Origin {
		t.Errorf("Expected inner origin %s, got %s", inner.Origin, err.Origin)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected inner error to stay reachable")
	}

	msg := err.Error()
	for _, want := range []string{"stage failed", "failed to open run history", "mkdir failed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in error message, got: %s", want, msg)
		}
	}
}

func TestWrap_ReturnsPipelineErrorUnchanged(t *testing.T) {
	inner := New(KindIngestion, "download failed")
	if err := Wrap(KindTraining, inner, "stage failed"); err != inner {
		t.Errorf("Expected the same error back, got %v", err)
	}
}

func TestPipelineError_WithersDoNotOverwrite(t *testing.T) {
	err := New(KindTraining, "boom").
		WithStage(StageTraining).
		WithStage(StageEvaluation).
		WithField("params_epochs").
		WithField("other")

	if err.Stage != StageTraining {
		t.Errorf("Expected first stage to win, got %s", err.Stage)
	}
	if err.Field != "params_epochs" {
		t.Errorf("Expected first field to win, got %s", err.Field)
	}
}

func TestPipelineError_Is(t *testing.T) {
	err := fmt.Errorf("context: %w", New(KindIngestion, "bad url").WithStage(StageIngestion))

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{"same kind", &PipelineError{Kind: KindIngestion}, true},
		{"same kind and stage", &PipelineError{Kind: KindIngestion, Stage: StageIngestion}, true},
		{"other stage", &PipelineError{Kind: KindIngestion, Stage: StageTraining}, false},
		{"other kind", &PipelineError{Kind: KindTraining}, false},
		{"not a pipeline error", fs.ErrNotExist, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOfAndStageOf(t *testing.T) {
	err := fmt.Errorf("run: %w", New(KindModelPreparation, "no weights").WithStage(StageBaseModel))

	kind, ok := KindOf(err)
	if !ok || kind != KindModelPreparation {
		t.Errorf("KindOf() = %s, %v; want %s, true", kind, ok, KindModelPreparation)
	}
	if !IsKind(err, KindModelPreparation) {
		t.Error("Expected IsKind to match")
	}
	if StageOf(err) != StageBaseModel {
		t.Errorf("StageOf() = %s, want %s", StageOf(err), StageBaseModel)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("Expected KindOf to report false for plain errors")
	}
	if StageOf(errors.New("plain")) != "" {
		t.Error("Expected StageOf to be empty for plain errors")
	}
}

func TestErrorKind_Validate(t *testing.T) {
	for _, k := range []ErrorKind{KindConfig, KindFilesystem, KindIngestion, KindModelPreparation, KindTraining, KindEvaluation} {
		if err := k.Validate(); err != nil {
			t.Errorf("Expected %s to be valid, got: %v", k, err)
		}
	}
	if err := ErrorKind("NetworkError").Validate(); err == nil {
		t.Error("Expected unknown kind to be invalid")
	}
}

func TestReclassify_AddsOuterKind(t *testing.T) {
	inner := New(KindFilesystem, "permission denied").WithOp("ensure_dir")

	err := Reclassify(KindConfig, inner, "failed to provision root_dir").
		WithStage(StageTraining).WithField("training.root_dir")

	if !IsKind(err, KindConfig) {
		t.Errorf("Expected outer kind ConfigError, got %v", err)
	}
	if !errors.Is(err, &PipelineError{Kind: KindFilesystem}) {
		t.Error("Expected inner FilesystemError to stay reachable")
	}
}
