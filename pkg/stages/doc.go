// Package stages implements the five pipeline stages.
//
// Every stage is built from its frozen configuration plus the
// collaborators it needs (a model engine, a fetcher, a tracker) and
// exposes Run, which checks preconditions, performs the stage's work,
// persists its artifacts and returns a structured result. Failures are
// returned as *engine.PipelineError of the stage's own kind:
//
//	Ingestion            IngestionError
//	BaseModel            ModelPreparationError
//	CallbackPreparation  TrainingError
//	Training             TrainingError
//	Evaluation           EvaluationError
//
// Stages hold no global state and may be invoked on their own, provided
// the artifacts of earlier stages exist on disk.
package stages
