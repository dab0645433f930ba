package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

// requireConfigError asserts err is a ConfigError for stage and field.
func requireConfigError(t *testing.T, err error, stage engine.StageName, field string) {
	t.Helper()
	require.Error(t, err)
	var pe *engine.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, engine.KindConfig, pe.Kind, "error: %v", err)
	assert.Equal(t, stage, pe.Stage)
	assert.Equal(t, field, pe.Field)
}

// touchUpdatedModel creates the updated base model artifact so Training can
// be built.
func touchUpdatedModel(t *testing.T, raw *RawConfig) {
	t.Helper()
	p := raw.Resolve("artifacts/prepare_base_model/base_model_updated.keras")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("model"), 0o644))
}

func TestBuilder_Ingestion(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	b := NewBuilder(raw)

	cfg, err := b.Ingestion()
	require.NoError(t, err)

	root := raw.Root()
	assert.Equal(t, filepath.Join(root, "artifacts/data_ingestion"), cfg.RootDir)
	assert.Equal(t, "https://drive.google.com/file/d/1AbCdEf/view?usp=sharing", cfg.SourceURL)
	assert.Equal(t, filepath.Join(root, "artifacts/data_ingestion/data.zip"), cfg.LocalArchivePath)
	assert.Equal(t, filepath.Join(root, "artifacts/data_ingestion/kidney-ct-scan-image"), cfg.DatasetDir())
	assert.DirExists(t, cfg.RootDir)
}

func TestBuilder_BaseModel(t *testing.T) {
	raw := loadProject(t, testStructural, testParams+"FREEZE_TILL: 4\n")

	cfg, err := NewBuilder(raw).BaseModel()
	require.NoError(t, err)

	assert.Equal(t, []int{224, 224, 3}, cfg.ImageSize)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 2, cfg.Epochs)
	assert.InDelta(t, 0.01, cfg.LearningRate, 1e-12)
	assert.Equal(t, 2, cfg.NumClasses)
	assert.Equal(t, "imagenet", cfg.PretrainedWeights)
	assert.False(t, cfg.IncludeClassifierHead)
	assert.Equal(t, 4, cfg.FreezeTill)
	assert.DirExists(t, cfg.RootDir)
}

func TestBuilder_BaseModelWeights(t *testing.T) {
	withoutWeights := strings.Replace(testParams, "WEIGHTS: imagenet\n", "", 1)

	t.Run("null selects random initialization", func(t *testing.T) {
		raw := loadProject(t, testStructural, withoutWeights+"WEIGHTS: null\n")
		cfg, err := NewBuilder(raw).BaseModel()
		require.NoError(t, err)
		assert.Empty(t, cfg.PretrainedWeights)
	})

	t.Run("absent key is an error", func(t *testing.T) {
		raw := loadProject(t, testStructural, withoutWeights)
		_, err := NewBuilder(raw).BaseModel()
		requireConfigError(t, err, engine.StageBaseModel, "WEIGHTS")
	})
}

func TestBuilder_Callbacks(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)

	cfg, err := NewBuilder(raw).Callbacks()
	require.NoError(t, err)

	assert.DirExists(t, filepath.Dir(cfg.CheckpointModelPath))
	assert.DirExists(t, cfg.TensorboardLogRootDir)
	assert.NoFileExists(t, cfg.CheckpointModelPath)
}

func TestBuilder_TrainingRequiresUpdatedBaseModel(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	b := NewBuilder(raw)
	ing, err := b.Ingestion()
	require.NoError(t, err)

	_, err = b.Training(ing)
	requireConfigError(t, err, engine.StageTraining, "prepare_base_model.updated_base_model_path")
	assert.NoDirExists(t, raw.Resolve("artifacts/training"))

	touchUpdatedModel(t, raw)
	cfg, err := b.Training(ing)
	require.NoError(t, err)
	assert.Equal(t, ing.DatasetDir(), cfg.TrainingDataDir)
	assert.Equal(t, raw.Resolve("artifacts/prepare_base_model/base_model_updated.keras"), cfg.UpdatedModelPath)
	assert.True(t, cfg.AugmentationEnabled)
	assert.DirExists(t, cfg.RootDir)
}

func TestBuilder_OptionalDefaults(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	touchUpdatedModel(t, raw)
	b := NewBuilder(raw)
	ing, err := b.Ingestion()
	require.NoError(t, err)

	tr, err := b.Training(ing)
	require.NoError(t, err)
	assert.Equal(t, DefaultValidationSplit, tr.ValidationSplit)
	assert.Equal(t, int64(DefaultSeed), tr.Seed)

	bm, err := b.BaseModel()
	require.NoError(t, err)
	assert.Zero(t, bm.FreezeTill)

	ev, err := b.Evaluation(ing)
	require.NoError(t, err)
	assert.Equal(t, DefaultValidationSplit, ev.ValidationSplit)
	assert.Equal(t, int64(DefaultSeed), ev.Seed)
	assert.Empty(t, ev.PolicyPaths)
}

func TestBuilder_Evaluation(t *testing.T) {
	structural := testStructural + "  policy_paths: [policies/gate.rego]\n"
	raw := loadProject(t, structural, testParams+"VALIDATION_SPLIT: 0.3\nSEED: 7\n")
	b := NewBuilder(raw)
	ing, err := b.Ingestion()
	require.NoError(t, err)

	cfg, err := b.Evaluation(ing)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.ReportDir, "report.json"), cfg.ReportPath)
	assert.Equal(t, filepath.Join(cfg.ScoreDir, "scores.json"), cfg.ScorePath())
	assert.Equal(t, "sqlite://"+raw.Resolve("artifacts/tracking.db"), cfg.TrackingURI)
	assert.Equal(t, "kidney-ct", cfg.ExperimentName)
	assert.Equal(t, raw.Resolve("artifacts/training/model.keras"), cfg.TrainedModelPath)
	assert.Equal(t, ing.DatasetDir(), cfg.ValidationDataDir)
	assert.InDelta(t, 0.8, cfg.AccuracyThreshold, 1e-12)
	assert.InDelta(t, 0.3, cfg.ValidationSplit, 1e-12)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, []string{raw.Resolve("policies/gate.rego")}, cfg.PolicyPaths)
	assert.Equal(t, raw.Hyperparameters(), cfg.AllHyperparameters)

	for _, dir := range []string{cfg.RootDir, cfg.ReportDir, cfg.ScoreDir} {
		assert.DirExists(t, dir)
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	touchUpdatedModel(t, raw)
	b := NewBuilder(raw)

	ing1, err := b.Ingestion()
	require.NoError(t, err)
	ing2, err := b.Ingestion()
	require.NoError(t, err)
	assert.Equal(t, ing1, ing2)

	bm1, err := b.BaseModel()
	require.NoError(t, err)
	bm2, err := NewBuilder(raw).BaseModel()
	require.NoError(t, err)
	assert.Equal(t, bm1, bm2)

	cb1, err := b.Callbacks()
	require.NoError(t, err)
	cb2, err := b.Callbacks()
	require.NoError(t, err)
	assert.Equal(t, cb1, cb2)

	tr1, err := b.Training(ing1)
	require.NoError(t, err)
	tr2, err := b.Training(ing2)
	require.NoError(t, err)
	assert.Equal(t, tr1, tr2)

	ev1, err := b.Evaluation(ing1)
	require.NoError(t, err)
	ev2, err := b.Evaluation(ing1)
	require.NoError(t, err)
	assert.Equal(t, ev1, ev2)

	// Returned configurations do not share state.
	bm1.ImageSize[0] = 1
	ev1.AllHyperparameters["EPOCHS"] = 100
	bm3, _ := b.BaseModel()
	ev3, _ := b.Evaluation(ing1)
	assert.Equal(t, 224, bm3.ImageSize[0])
	assert.Equal(t, 2, ev3.AllHyperparameters["EPOCHS"])
}

func TestBuilder_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		params string
		build  func(b *Builder) error
		stage  engine.StageName
		field  string
	}{
		{
			name:   "missing batch size",
			params: strings.Replace(testParams, "BATCH_SIZE: 16\n", "", 1),
			build:  func(b *Builder) error { _, err := b.BaseModel(); return err },
			stage:  engine.StageBaseModel,
			field:  "BATCH_SIZE",
		},
		{
			name:   "zero epochs",
			params: strings.Replace(testParams, "EPOCHS: 2\n", "EPOCHS: 0\n", 1),
			build:  func(b *Builder) error { _, err := b.BaseModel(); return err },
			stage:  engine.StageBaseModel,
			field:  "EPOCHS",
		},
		{
			name:   "image size with two dimensions",
			params: strings.Replace(testParams, "IMAGE_SIZE: [224, 224, 3]\n", "IMAGE_SIZE: [224, 224]\n", 1),
			build:  func(b *Builder) error { _, err := b.BaseModel(); return err },
			stage:  engine.StageBaseModel,
			field:  "IMAGE_SIZE",
		},
		{
			name:   "single class",
			params: strings.Replace(testParams, "CLASSES: 2\n", "CLASSES: 1\n", 1),
			build:  func(b *Builder) error { _, err := b.BaseModel(); return err },
			stage:  engine.StageBaseModel,
			field:  "CLASSES",
		},
		{
			name:   "threshold above one",
			params: strings.Replace(testParams, "ACCURACY_THRESHOLD: 0.8\n", "ACCURACY_THRESHOLD: 1.5\n", 1),
			build: func(b *Builder) error {
				ing, err := b.Ingestion()
				if err != nil {
					return err
				}
				_, err = b.Evaluation(ing)
				return err
			},
			stage: engine.StageEvaluation,
			field: "ACCURACY_THRESHOLD",
		},
		{
			name:   "missing augmentation flag",
			params: strings.Replace(testParams, "AUGMENTATION: true\n", "", 1),
			build: func(b *Builder) error {
				touchUpdatedModel(t, b.Raw())
				_, err := b.Training(IngestionConfig{})
				return err
			},
			stage: engine.StageTraining,
			field: "AUGMENTATION",
		},
		{
			name:   "validation split out of range",
			params: testParams + "VALIDATION_SPLIT: 1.0\n",
			build: func(b *Builder) error {
				touchUpdatedModel(t, b.Raw())
				_, err := b.Training(IngestionConfig{})
				return err
			},
			stage: engine.StageTraining,
			field: "VALIDATION_SPLIT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := loadProject(t, testStructural, tt.params)
			requireConfigError(t, tt.build(NewBuilder(raw)), tt.stage, tt.field)
		})
	}
}

func TestBuilder_InvalidSections(t *testing.T) {
	t.Run("missing section key", func(t *testing.T) {
		structural := strings.Replace(testStructural, "  source_url: https://drive.google.com/file/d/1AbCdEf/view?usp=sharing\n", "", 1)
		raw := loadProject(t, structural, testParams)
		_, err := NewBuilder(raw).Ingestion()
		requireConfigError(t, err, engine.StageIngestion, "data_ingestion.source_url")
	})

	t.Run("malformed source url", func(t *testing.T) {
		structural := strings.Replace(testStructural, "https://drive.google.com/file/d/1AbCdEf/view?usp=sharing", "not a url", 1)
		raw := loadProject(t, structural, testParams)
		_, err := NewBuilder(raw).Ingestion()
		requireConfigError(t, err, engine.StageIngestion, "data_ingestion.source_url")
	})

	t.Run("report file with separator", func(t *testing.T) {
		structural := strings.Replace(testStructural, "report_file: report.json", "report_file: sub/report.json", 1)
		raw := loadProject(t, structural, testParams)
		_, err := NewBuilder(raw).Evaluation(IngestionConfig{})
		requireConfigError(t, err, engine.StageEvaluation, "evaluation.report_file")
	})

	t.Run("missing section", func(t *testing.T) {
		structural := testStructural[:strings.Index(testStructural, "prepare_callbacks:")]
		raw := loadProject(t, structural, testParams)
		_, err := NewBuilder(raw).Callbacks()
		requireConfigError(t, err, engine.StageCallbacks, "prepare_callbacks.root_dir")
	})
}

func TestBuilder_ProvisioningFailure(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	blocker := raw.Resolve("artifacts/data_ingestion")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	_, err := NewBuilder(raw).Ingestion()
	requireConfigError(t, err, engine.StageIngestion, "data_ingestion.root_dir")
	assert.ErrorIs(t, err, &engine.PipelineError{Kind: engine.KindFilesystem})

	data, readErr := os.ReadFile(blocker)
	require.NoError(t, readErr)
	assert.Equal(t, "not a directory", string(data))
}

func TestBuilder_Runner(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		raw := loadProject(t, testStructural, testParams)
		_, ok, err := NewBuilder(raw).Runner()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("local defaults", func(t *testing.T) {
		raw := loadProject(t, testStructural+"runner:\n  command: [python, -m, worker]\n", testParams)
		cfg, ok, err := NewBuilder(raw).Runner()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"python", "-m", "worker"}, cfg.Command)
		assert.Equal(t, DefaultRunnerTransport, cfg.Transport)
		assert.Equal(t, DefaultRunnerStartupTimeout, cfg.StartupTimeout)
	})

	t.Run("ssh", func(t *testing.T) {
		structural := testStructural + `runner:
  command: [worker]
  transport: ssh
  startup_timeout: 1m
  ssh:
    host: gpu-1
    user: ml
`
		raw := loadProject(t, structural, testParams)
		cfg, ok, err := NewBuilder(raw).Runner()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Minute, cfg.StartupTimeout)
		assert.Equal(t, SSHConfig{Host: "gpu-1", Port: DefaultSSHPort, User: "ml"}, cfg.SSH)
	})

	t.Run("ssh without host section", func(t *testing.T) {
		structural := testStructural + "runner:\n  command: [worker]\n  transport: ssh\n"
		raw := loadProject(t, structural, testParams)
		_, _, err := NewBuilder(raw).Runner()
		requireConfigError(t, err, "", "runner.ssh")
	})

	t.Run("bad timeout", func(t *testing.T) {
		structural := testStructural + "runner:\n  command: [worker]\n  startup_timeout: soon\n"
		raw := loadProject(t, structural, testParams)
		_, _, err := NewBuilder(raw).Runner()
		requireConfigError(t, err, "", "runner.startup_timeout")
	})
}

func TestBuilder_ResolveTrackingURI(t *testing.T) {
	b := NewBuilder(&RawConfig{root: "/srv/project"})

	tests := []struct {
		uri  string
		want string
	}{
		{"artifacts/tracking.db", "/srv/project/artifacts/tracking.db"},
		{"sqlite://artifacts/tracking.db", "sqlite:///srv/project/artifacts/tracking.db"},
		{"sqlite:///var/lib/tracking.db", "sqlite:///var/lib/tracking.db"},
		{"redis://localhost:6379/0", "redis://localhost:6379/0"},
		{"https://mlflow.example.com", "https://mlflow.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, b.resolveTrackingURI(tt.uri))
		})
	}
}

func TestBuilder_HistoryDatabase(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	assert.Empty(t, NewBuilder(raw).HistoryDatabase())

	raw = loadProject(t, testStructural+"history:\n  database: artifacts/history.db\n", testParams)
	assert.Equal(t, raw.Resolve("artifacts/history.db"), NewBuilder(raw).HistoryDatabase())
}
