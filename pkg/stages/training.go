package stages

import (
	"context"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/dataset"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// TrainingResult describes a completed training run.
type TrainingResult struct {
	TrainedModelPath string         `json:"trained_model_path"`
	History          ml.History     `json:"history"`
	Classes          []string       `json:"classes"`
	ClassCounts      map[string]int `json:"class_counts"`

	TrainSamples      int `json:"train_samples"`
	ValidationSamples int `json:"validation_samples"`
	StepsPerEpoch     int `json:"steps_per_epoch"`
	ValidationSteps   int `json:"validation_steps"`

	Augmented bool `json:"augmented"`

	// BestEpoch is the epoch of the last checkpoint write, zero if the
	// checkpoint was never written.
	BestEpoch       int `json:"best_epoch"`
	CheckpointSaves int `json:"checkpoint_saves"`
}

// Training fits the updated base model on the ingested dataset.
type Training struct {
	cfg       config.TrainingConfig
	engine    ml.TrainingEngine
	callbacks *Callbacks
}

// NewTraining creates the training stage. callbacks may be nil.
func NewTraining(cfg config.TrainingConfig, eng ml.TrainingEngine, callbacks *Callbacks) *Training {
	return &Training{cfg: cfg, engine: eng, callbacks: callbacks}
}

// Partition scans TrainingDataDir and splits it with the configured
// fraction and seed.
func (s *Training) Partition() (*dataset.Dataset, dataset.Partition, dataset.Partition, error) {
	ds, err := dataset.Scan(s.cfg.TrainingDataDir)
	if err != nil {
		return nil, dataset.Partition{}, dataset.Partition{}, err
	}
	train, val, err := ds.Split(s.cfg.ValidationSplit, s.cfg.Seed)
	if err != nil {
		return nil, dataset.Partition{}, dataset.Partition{}, err
	}
	return ds, train, val, nil
}

// Run trains the model and saves it to TrainedModelPath.
func (s *Training) Run(ctx context.Context) (*TrainingResult, error) {
	const stage = engine.StageTraining
	logger := telemetry.FromContext(ctx).NewComponentLogger("training")

	if err := artifacts.RequireFile(s.cfg.UpdatedModelPath); err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "updated base model is missing; run %s first", engine.StageBaseModel).
			WithStage(stage).WithField("prepare_base_model.updated_base_model_path").WithOp("precondition")
	}

	ds, train, val, err := s.Partition()
	if err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "cannot build training data from %s", s.cfg.TrainingDataDir).
			WithStage(stage).WithOp("partition")
	}
	logger.WithField("classes", ds.Classes).
		Infof("partitioned %d samples: %d train, %d validation", len(ds.Samples), train.Len(), val.Len())

	model, err := s.engine.Load(ctx, s.cfg.UpdatedModelPath)
	if err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "failed to load %s", s.cfg.UpdatedModelPath).
			WithStage(stage).WithOp("load")
	}
	if err := s.engine.Compile(ctx, model, ml.AdamOptions(s.cfg.LearningRate)); err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "failed to compile model").
			WithStage(stage).WithOp("compile")
	}

	req := ml.FitRequest{
		Train:           train,
		Validation:      val,
		Epochs:          s.cfg.Epochs,
		StepsPerEpoch:   ml.StepsFor(train.Len(), s.cfg.BatchSize),
		ValidationSteps: ml.StepsFor(val.Len(), s.cfg.BatchSize),
		ImageSize:       s.cfg.ImageSize,
		BatchSize:       s.cfg.BatchSize,
	}
	if s.cfg.AugmentationEnabled {
		req.Augmentation = ml.DefaultAugmentation()
	}
	if s.callbacks != nil {
		req.Callbacks = s.callbacks.List()
		defer s.callbacks.Close()
	}

	history, err := s.engine.Fit(ctx, model, req)
	if err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "training failed after %d epochs", history.Len()).
			WithStage(stage).WithOp("fit")
	}
	metrics := telemetry.MetricsFromContext(ctx)
	for range history.Epochs {
		metrics.RecordEpoch()
	}

	if err := s.engine.Save(ctx, model, s.cfg.TrainedModelPath); err != nil {
		return nil, engine.Reclassify(engine.KindTraining, err, "failed to save trained model to %s", s.cfg.TrainedModelPath).
			WithStage(stage).WithOp("save")
	}

	res := &TrainingResult{
		TrainedModelPath:  s.cfg.TrainedModelPath,
		History:           history,
		Classes:           ds.Classes,
		ClassCounts:       ds.ClassCounts(),
		TrainSamples:      train.Len(),
		ValidationSamples: val.Len(),
		StepsPerEpoch:     req.StepsPerEpoch,
		ValidationSteps:   req.ValidationSteps,
		Augmented:         req.Augmentation != nil,
	}
	if s.callbacks != nil {
		_, res.BestEpoch = s.callbacks.Checkpoint.Best()
		res.CheckpointSaves = s.callbacks.Checkpoint.Saves()
	}

	if last, ok := history.Last(); ok {
		logger.WithFields(map[string]interface{}{
			"epochs":       history.Len(),
			"val_loss":     last.ValLoss,
			"val_accuracy": last.ValAccuracy,
			"best_epoch":   res.BestEpoch,
		}).Info("training finished")
	}
	return res, nil
}
