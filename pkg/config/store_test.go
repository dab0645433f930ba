package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

const testStructural = `artifacts_root: artifacts
data_ingestion:
  root_dir: artifacts/data_ingestion
  source_url: https://drive.google.com/file/d/1AbCdEf/view?usp=sharing
  local_data_file: artifacts/data_ingestion/data.zip
  unzip_dir: artifacts/data_ingestion
prepare_base_model:
  root_dir: artifacts/prepare_base_model
  base_model_path: artifacts/prepare_base_model/base_model.keras
  updated_base_model_path: artifacts/prepare_base_model/base_model_updated.keras
prepare_callbacks:
  root_dir: artifacts/prepare_callbacks
  tensorboard_root_log_dir: artifacts/prepare_callbacks/tensorboard_log_dir
  checkpoint_model_filepath: artifacts/prepare_callbacks/checkpoint_dir/model.keras
training:
  root_dir: artifacts/training
  trained_model_path: artifacts/training/model.keras
evaluation:
  root_dir: artifacts/evaluation
  report_file_dir: artifacts/evaluation/report
  report_file: report.json
  scores_file_dir: artifacts/evaluation/scores
  scores_file: scores.json
  mlflow_tracking_uri: sqlite://artifacts/tracking.db
  mlflow_experiment_name: kidney-ct
`

const testParams = `IMAGE_SIZE: [224, 224, 3]
BATCH_SIZE: 16
EPOCHS: 2
LEARNING_RATE: 0.01
CLASSES: 2
WEIGHTS: imagenet
INCLUDE_TOP: false
AUGMENTATION: true
ACCURACY_THRESHOLD: 0.8
`

// writeProject lays out a project root with both documents and returns it.
func writeProject(t *testing.T, structural, params string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "kidneyflow.yaml"), []byte("name: test\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "yamlfile"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultStructuralPath), []byte(structural), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultParamsPath), []byte(params), 0o644))
	return root
}

func loadProject(t *testing.T, structural, params string) *RawConfig {
	t.Helper()
	raw, err := LoadFrom(writeProject(t, structural, params), "", "")
	require.NoError(t, err)
	return raw
}

func TestLoadFrom_ValidDocuments(t *testing.T) {
	root := writeProject(t, testStructural, testParams)

	raw, err := LoadFrom(root, "", "")
	require.NoError(t, err)

	assert.Equal(t, root, raw.Root())
	assert.Equal(t, filepath.Join(root, DefaultStructuralPath), raw.StructuralPath())
	assert.Equal(t, filepath.Join(root, DefaultParamsPath), raw.ParamsPath())
	assert.DirExists(t, filepath.Join(root, "artifacts"))

	dir, ok := raw.Structural().Node("data_ingestion").String("root_dir")
	require.True(t, ok)
	assert.Equal(t, "artifacts/data_ingestion", dir)

	looked, ok := raw.Structural().Lookup("data_ingestion.root_dir")
	require.True(t, ok)
	assert.Equal(t, dir, looked)

	hp := raw.Hyperparameters()
	assert.Equal(t, 16, hp["BATCH_SIZE"])
	assert.Equal(t, "imagenet", hp["WEIGHTS"])
	assert.Len(t, hp, 9)
}

func TestLoadFrom_Failures(t *testing.T) {
	tests := []struct {
		name       string
		structural string
		params     string
		remove     string
		wantField  string
	}{
		{name: "missing structural document", structural: testStructural, params: testParams, remove: DefaultStructuralPath},
		{name: "missing params document", structural: testStructural, params: testParams, remove: DefaultParamsPath},
		{name: "empty document", structural: "", params: testParams},
		{name: "comment only document", structural: "# nothing here\n", params: testParams},
		{name: "empty mapping", structural: "{}\n", params: testParams},
		{name: "sequence document", structural: "- a\n- b\n", params: testParams},
		{name: "scalar document", structural: testStructural, params: "just a string\n"},
		{name: "syntax error", structural: "artifacts_root: [unterminated\n", params: testParams},
		{name: "duplicate key", structural: testStructural, params: testParams + "BATCH_SIZE: 32\n"},
		{name: "wrong type", structural: testStructural, params: "EPOCHS: ten\nBATCH_SIZE: 16\n"},
		{name: "missing artifacts root", structural: "data_ingestion:\n  root_dir: x\n", params: testParams, wantField: "artifacts_root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeProject(t, tt.structural, tt.params)
			if tt.remove != "" {
				require.NoError(t, os.Remove(filepath.Join(root, tt.remove)))
			}

			_, err := LoadFrom(root, "", "")
			require.Error(t, err)
			assert.True(t, engine.IsKind(err, engine.KindConfig), "got %v", err)
			if tt.wantField != "" {
				var pe *engine.PipelineError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.wantField, pe.Field)
			}
		})
	}
}

func TestLoadFrom_ArtifactsRootIsFile(t *testing.T) {
	root := writeProject(t, testStructural, testParams)
	require.NoError(t, os.WriteFile(filepath.Join(root, "artifacts"), []byte("x"), 0o644))

	_, err := LoadFrom(root, "", "")
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindConfig))
	assert.ErrorIs(t, err, &engine.PipelineError{Kind: engine.KindFilesystem})
}

func TestLoadFrom_ExplicitPaths(t *testing.T) {
	root := writeProject(t, testStructural, testParams)
	alt := filepath.Join(root, "alt")
	require.NoError(t, os.MkdirAll(alt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(alt, "params.yaml"), []byte(testParams+"SEED: 7\n"), 0o644))

	raw, err := LoadFrom(root, "", "alt/params.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(alt, "params.yaml"), raw.ParamsPath())
	assert.Equal(t, 7, raw.Hyperparameters()["SEED"])
}

func TestLoad_UsesProjectRoot(t *testing.T) {
	root := writeProject(t, testStructural, testParams)
	nested := filepath.Join(root, "notebooks", "scratch")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	raw, err := Load("", "")
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(raw.Root())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	got, err := FindProjectRoot(deep)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	// A marker directory does not count.
	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(other, "kidneyflow.yaml"), nil, 0o644))
	inner := filepath.Join(other, "inner")
	require.NoError(t, os.MkdirAll(filepath.Join(inner, "go.mod"), 0o755))

	got, err = FindProjectRoot(inner)
	require.NoError(t, err)
	assert.Equal(t, other, got)
}

func TestRawConfig_ReturnsCopies(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)

	hp := raw.Hyperparameters()
	hp["BATCH_SIZE"] = 999
	hp["IMAGE_SIZE"].([]interface{})[0] = 1

	again := raw.Hyperparameters()
	assert.Equal(t, 16, again["BATCH_SIZE"])
	assert.Equal(t, 224, again["IMAGE_SIZE"].([]interface{})[0])

	section := raw.Structural().Node("training").Map()
	section["root_dir"] = "elsewhere"
	dir, _ := raw.Structural().Node("training").String("root_dir")
	assert.Equal(t, "artifacts/training", dir)
}

func TestNode_Accessors(t *testing.T) {
	raw := loadProject(t, testStructural, testParams)
	s := raw.Structural()

	assert.True(t, s.Has("evaluation"))
	assert.False(t, s.Has("serving"))
	assert.Equal(t, "evaluation", s.Node("evaluation").Path())
	assert.Equal(t, []string{
		"mlflow_experiment_name", "mlflow_tracking_uri", "report_file",
		"report_file_dir", "root_dir", "scores_file", "scores_file_dir",
	}, s.Node("evaluation").Keys())

	_, ok := s.Lookup("evaluation.missing")
	assert.False(t, ok)
	_, ok = s.Lookup("artifacts_root.nested")
	assert.False(t, ok)

	empty := s.Node("serving")
	assert.Empty(t, empty.Keys())
	assert.NotNil(t, empty.Map())
}

func TestRawConfig_Resolve(t *testing.T) {
	raw := &RawConfig{root: "/srv/project"}

	assert.Equal(t, "/srv/project/artifacts/x", raw.Resolve("artifacts/x"))
	assert.Equal(t, "/data/x", raw.Resolve("/data/x"))
	assert.Equal(t, "", raw.Resolve(""))
}
