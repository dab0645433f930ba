package stages

import (
	"context"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// BaseModelResult describes the prepared models.
type BaseModelResult struct {
	BaseModelPath    string `json:"base_model_path"`
	UpdatedModelPath string `json:"updated_model_path"`
	Architecture     string `json:"architecture"`
	FreezePolicy     string `json:"freeze_policy"`

	// BackboneLayers counts the pretrained layers, Layers the full model.
	BackboneLayers int `json:"backbone_layers"`
	FrozenLayers   int `json:"frozen_layers"`
	Layers         int `json:"layers"`
	Trainable      int `json:"trainable"`
}

// BaseModel loads the pretrained backbone, freezes it, attaches the
// classifier head and saves both models.
type BaseModel struct {
	cfg    config.BaseModelConfig
	engine ml.TrainingEngine
}

// NewBaseModel creates the base model preparation stage.
func NewBaseModel(cfg config.BaseModelConfig, eng ml.TrainingEngine) *BaseModel {
	return &BaseModel{cfg: cfg, engine: eng}
}

// FreezePolicy returns the policy selected by FreezeTill.
func (s *BaseModel) FreezePolicy() ml.FreezePolicy {
	if s.cfg.FreezeTill > 0 {
		return ml.FreezeAllButLast(s.cfg.FreezeTill)
	}
	return ml.FreezeAll()
}

// Run prepares the base and updated models.
func (s *BaseModel) Run(ctx context.Context) (*BaseModelResult, error) {
	const stage = engine.StageBaseModel
	logger := telemetry.FromContext(ctx).NewComponentLogger("base_model")

	spec := ml.ArchitectureSpec{
		Weights:    s.cfg.PretrainedWeights,
		ImageSize:  s.cfg.ImageSize,
		IncludeTop: s.cfg.IncludeClassifierHead,
		NumClasses: s.cfg.NumClasses,
	}
	base, err := s.engine.LoadArchitecture(ctx, spec)
	if err != nil {
		return nil, engine.Reclassify(engine.KindModelPreparation, err, "failed to load architecture").
			WithStage(stage).WithOp("load_architecture")
	}
	if err := s.engine.Save(ctx, base, s.cfg.BaseModelPath); err != nil {
		return nil, engine.Reclassify(engine.KindModelPreparation, err, "failed to save base model to %s", s.cfg.BaseModelPath).
			WithStage(stage).WithOp("save")
	}
	logger.Infof("saved %s base model with %d layers", base.Name(), len(base.Layers()))

	policy := s.FreezePolicy()
	frozen := policy.Apply(base)

	full, err := s.engine.AddClassifierHead(ctx, base, s.cfg.NumClasses)
	if err != nil {
		return nil, engine.Reclassify(engine.KindModelPreparation, err, "failed to add classifier head").
			WithStage(stage).WithOp("add_head")
	}
	if err := s.engine.Compile(ctx, full, ml.AdamOptions(s.cfg.LearningRate)); err != nil {
		return nil, engine.Reclassify(engine.KindModelPreparation, err, "failed to compile model").
			WithStage(stage).WithOp("compile")
	}
	if err := s.engine.Save(ctx, full, s.cfg.UpdatedModelPath); err != nil {
		return nil, engine.Reclassify(engine.KindModelPreparation, err, "failed to save updated model to %s", s.cfg.UpdatedModelPath).
			WithStage(stage).WithOp("save")
	}

	res := &BaseModelResult{
		BaseModelPath:    s.cfg.BaseModelPath,
		UpdatedModelPath: s.cfg.UpdatedModelPath,
		Architecture:     full.Name(),
		FreezePolicy:     policy.String(),
		BackboneLayers:   len(base.Layers()),
		FrozenLayers:     frozen,
		Layers:           len(full.Layers()),
		Trainable:        ml.CountTrainable(full),
	}
	logger.WithFields(map[string]interface{}{
		"freeze_policy": res.FreezePolicy,
		"layers":        res.Layers,
		"trainable":     res.Trainable,
	}).Info("updated model saved")
	return res, nil
}
