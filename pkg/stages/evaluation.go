package stages

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/dataset"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/policy"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/tracking"
)

// Tracking tag keys set on every evaluation run.
const (
	TagStage   = "kidneyflow.stage"
	TagVerdict = "kidneyflow.verdict"
	TagModel   = "kidneyflow.model"
)

// Report is the evaluation report, written as JSON and as YAML.
type Report struct {
	Loss              float64            `json:"loss" yaml:"loss"`
	Accuracy          float64            `json:"accuracy" yaml:"accuracy"`
	Threshold         float64            `json:"threshold" yaml:"threshold"`
	Passed            bool               `json:"passed" yaml:"passed"`
	Violations        []policy.Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Warnings          []policy.Violation `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Policies          []string           `json:"policies" yaml:"policies"`
	ModelPath         string             `json:"model_path" yaml:"model_path"`
	ValidationSamples int                `json:"validation_samples" yaml:"validation_samples"`
	EvaluatedAt       time.Time          `json:"evaluated_at" yaml:"evaluated_at"`
}

// EvaluationResult describes a completed evaluation. A failed verdict is
// a successful evaluation with Passed set to false.
type EvaluationResult struct {
	Score          ml.Score `json:"score"`
	Passed         bool     `json:"passed"`
	Violations     []string `json:"violations,omitempty"`
	ReportPath     string   `json:"report_path"`
	ReportYAMLPath string   `json:"report_yaml_path"`
	ScorePath      string   `json:"score_path"`

	TrackingBackend string `json:"tracking_backend,omitempty"`
	TrackingRunID   string `json:"tracking_run_id,omitempty"`
}

// TrackerOpener opens the tracker for a tracking URI.
type TrackerOpener func(ctx context.Context, uri string) (tracking.Tracker, error)

// Evaluation scores the trained model, judges it and records the result.
type Evaluation struct {
	cfg      config.EvaluationConfig
	engine   ml.TrainingEngine
	policies *policy.Engine
	open     TrackerOpener
	now      func() time.Time
}

// EvaluationOption configures an Evaluation.
type EvaluationOption func(*Evaluation)

// WithPolicyEngine uses p instead of an engine built from the builtin
// policies and PolicyPaths.
func WithPolicyEngine(p *policy.Engine) EvaluationOption {
	return func(s *Evaluation) { s.policies = p }
}

// WithTrackerOpener replaces tracking.Open.
func WithTrackerOpener(open TrackerOpener) EvaluationOption {
	return func(s *Evaluation) { s.open = open }
}

// NewEvaluation creates the evaluation stage.
func NewEvaluation(cfg config.EvaluationConfig, eng ml.TrainingEngine, opts ...EvaluationOption) *Evaluation {
	s := &Evaluation{
		cfg:    cfg,
		engine: eng,
		open:   tracking.Open,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReportYAMLPath returns the path of the report's YAML twin.
func (s *Evaluation) ReportYAMLPath() string {
	p := s.cfg.ReportPath
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".yaml"
}

// Run evaluates the model, writes the report and scores files and logs
// the run to the tracker.
func (s *Evaluation) Run(ctx context.Context) (*EvaluationResult, error) {
	const stage = engine.StageEvaluation
	logger := telemetry.FromContext(ctx).NewComponentLogger("evaluation")

	if err := artifacts.RequireFile(s.cfg.TrainedModelPath); err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "trained model is missing; run %s first", engine.StageTraining).
			WithStage(stage).WithField("trained_model_path").WithOp("precondition")
	}

	ds, err := dataset.Scan(s.cfg.ValidationDataDir)
	if err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "cannot read validation data from %s", s.cfg.ValidationDataDir).
			WithStage(stage).WithOp("partition")
	}
	_, val, err := ds.Split(s.cfg.ValidationSplit, s.cfg.Seed)
	if err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "cannot split validation data").
			WithStage(stage).WithOp("partition")
	}

	model, err := s.engine.Load(ctx, s.cfg.TrainedModelPath)
	if err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "failed to load %s", s.cfg.TrainedModelPath).
			WithStage(stage).WithOp("load")
	}
	score, err := s.engine.Evaluate(ctx, model, ml.EvalRequest{
		Data:      val,
		ImageSize: s.cfg.ImageSize,
		BatchSize: s.cfg.BatchSize,
		Steps:     ml.StepsFor(val.Len(), s.cfg.BatchSize),
	})
	if err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "evaluation failed").
			WithStage(stage).WithOp("evaluate")
	}
	logger.Infof("loss=%.4f accuracy=%.4f on %d samples", score.Loss, score.Accuracy, val.Len())
	if !finite(score.Loss) || !finite(score.Accuracy) {
		return nil, engine.New(engine.KindEvaluation, "engine returned a non-finite score (loss=%v accuracy=%v)", score.Loss, score.Accuracy).
			WithStage(stage).WithOp("evaluate")
	}

	verdict, err := s.judge(ctx, score)
	if err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "policy evaluation failed").
			WithStage(stage).WithOp("verdict")
	}
	telemetry.MetricsFromContext(ctx).RecordEvaluation(score.Loss, score.Accuracy, verdict.Passed)

	report := Report{
		Loss:              score.Loss,
		Accuracy:          score.Accuracy,
		Threshold:         s.cfg.AccuracyThreshold,
		Passed:            verdict.Passed,
		Violations:        verdict.Violations,
		Warnings:          verdict.Warnings,
		Policies:          verdict.EvaluatedPolicies,
		ModelPath:         s.cfg.TrainedModelPath,
		ValidationSamples: val.Len(),
		EvaluatedAt:       verdict.EvaluatedAt,
	}
	res := &EvaluationResult{
		Score:          score,
		Passed:         verdict.Passed,
		Violations:     verdict.Messages(),
		ReportPath:     s.cfg.ReportPath,
		ReportYAMLPath: s.ReportYAMLPath(),
		ScorePath:      s.cfg.ScorePath(),
	}

	if err := artifacts.WriteJSON(res.ReportPath, report); err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "failed to write report").
			WithStage(stage).WithOp("write_report")
	}
	if err := artifacts.WriteYAML(res.ReportYAMLPath, report); err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "failed to write YAML report").
			WithStage(stage).WithOp("write_report")
	}
	if err := artifacts.WriteJSON(res.ScorePath, score); err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "failed to write scores").
			WithStage(stage).WithOp("write_scores")
	}

	if verdict.Passed {
		logger.Infof("verdict: pass (threshold %v)", s.cfg.AccuracyThreshold)
	} else {
		logger.WithField("violations", res.Violations).Warnf("verdict: fail (threshold %v)", s.cfg.AccuracyThreshold)
	}

	if s.cfg.TrackingURI == "" {
		logger.Debug("no tracking URI configured")
		return res, nil
	}
	if err := s.track(ctx, res); err != nil {
		return nil, engine.Reclassify(engine.KindEvaluation, err, "failed to record experiment").
			WithStage(stage).WithOp("track")
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (s *Evaluation) judge(ctx context.Context, score ml.Score) (*policy.Verdict, error) {
	pe := s.policies
	if pe == nil {
		var err error
		if pe, err = policy.NewEngine(*telemetry.FromContext(ctx).Zerolog()); err != nil {
			return nil, err
		}
		if len(s.cfg.PolicyPaths) > 0 {
			if err := pe.LoadPolicies(ctx, s.cfg.PolicyPaths); err != nil {
				return nil, err
			}
		}
	}

	return pe.Evaluate(ctx, policy.Input{
		Score:     policy.Score{Loss: score.Loss, Accuracy: score.Accuracy},
		Threshold: s.cfg.AccuracyThreshold,
		Params:    s.cfg.AllHyperparameters,
		Model:     s.cfg.TrainedModelPath,
		Timestamp: s.now(),
	})
}

func (s *Evaluation) track(ctx context.Context, res *EvaluationResult) error {
	tr, err := s.open(ctx, s.cfg.TrackingURI)
	if err != nil {
		return err
	}
	defer tr.Close()

	verdict := "pass"
	if !res.Passed {
		verdict = "fail"
	}
	info, err := tracking.Log(ctx, tr, tracking.Record{
		Experiment: s.cfg.ExperimentName,
		Tags: map[string]string{
			TagStage:   string(engine.StageEvaluation),
			TagVerdict: verdict,
			TagModel:   filepath.Base(s.cfg.TrainedModelPath),
		},
		Params: s.cfg.AllHyperparameters,
		Metrics: map[string]float64{
			"val_loss":     res.Score.Loss,
			"val_accuracy": res.Score.Accuracy,
		},
		Artifacts: []string{s.cfg.TrainedModelPath},
	})
	if err != nil {
		return err
	}
	res.TrackingBackend = tr.Backend()
	res.TrackingRunID = info.RunID
	return nil
}
