// Package engine provides the orchestration core of the kidneyflow pipeline.
//
// # Overview
//
// A pipeline run moves through a fixed sequence of stages:
//
//  1. Ingestion - Download the dataset archive and extract it
//  2. Base model - Load the pretrained network and attach a new classification head
//  3. Callbacks - Prepare the TensorBoard and checkpoint hooks
//  4. Training - Fit the updated base model on the training partition
//  5. Evaluation - Score the trained model and record the experiment
//
// Each stage consumes only artifacts on disk and the configuration built
// for it, so any contiguous run of stages can be executed on its own.
//
// # State Machine
//
// The run's PipelineState advances as stages succeed:
//
//	NotStarted -> Ingesting -> ModelPrepared -> CallbacksReady -> Trained -> Evaluated -> Done
//
// Any non-terminal state may move to Failed. CanTransition encodes the
// allowed moves.
//
// # Orchestrator
//
// The Orchestrator executes Steps one at a time in the topological order
// of their declared dependencies. The first failure stops the run: the
// failing stage and its cause are recorded on the Run, the remaining stages
// are marked skipped and a PipelineError is returned.
//
//	orch, err := engine.NewOrchestrator(steps, engine.WithRecorder(store))
//	if err != nil {
//	    return err
//	}
//	run, err := orch.Run(ctx)
//
// Cancellation is honored between stages; a running stage is expected to
// watch its own context.
//
// # Errors
//
// PipelineError is the single error type that crosses stage boundaries. It
// carries an ErrorKind, the failing stage, the configuration field at
// fault and the source location that detected the failure:
//
//	return engine.Wrap(engine.KindIngestion, err, "download failed").
//	    WithStage(engine.StageIngestion).WithOp("download")
//
// Use errors.Is with a PipelineError target to match on kind and stage,
// or KindOf and StageOf to inspect an error chain.
//
// # Recording
//
// A RunRecorder persists the run and each stage result as the run
// progresses. Recorder failures are logged and never fail the run.
package engine
