package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml/mltest"
)

var testClasses = []string{"Normal", "Tumor"}

// datasetZip returns a zip holding perClass images of each class under
// the dataset folder.
func datasetZip(t *testing.T, perClass int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, class := range testClasses {
		for i := 0; i < perClass; i++ {
			name := fmt.Sprintf("%s/%s/img_%03d.jpg", config.DatasetDirName, class, i)
			w, err := zw.Create(name)
			require.NoError(t, err)
			_, err = w.Write([]byte("\xff\xd8\xff" + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// writeDataset creates perClass images of each class below root.
func writeDataset(t *testing.T, root string, perClass int) {
	t.Helper()
	for _, class := range testClasses {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			p := filepath.Join(dir, fmt.Sprintf("img_%03d.jpg", i))
			require.NoError(t, os.WriteFile(p, []byte("\xff\xd8\xff"), 0o644))
		}
	}
}

func ingestionConfig(root string, source string) config.IngestionConfig {
	return config.IngestionConfig{
		RootDir:          filepath.Join(root, "data_ingestion"),
		SourceURL:        source,
		LocalArchivePath: filepath.Join(root, "data_ingestion", "data.zip"),
		ExtractDir:       filepath.Join(root, "data_ingestion"),
	}
}

func baseModelConfig(root string) config.BaseModelConfig {
	return config.BaseModelConfig{
		RootDir:          filepath.Join(root, "prepare_base_model"),
		BaseModelPath:    filepath.Join(root, "prepare_base_model", "base_model.h5"),
		UpdatedModelPath: filepath.Join(root, "prepare_base_model", "base_model_updated.h5"),
		ImageSize:        []int{224, 224, 3},
		BatchSize:        4,
		Epochs:           3,
		LearningRate:     0.01,
		NumClasses:       2,
	}
}

func callbackConfig(root string) config.CallbackConfig {
	return config.CallbackConfig{
		RootDir:               filepath.Join(root, "prepare_callbacks"),
		TensorboardLogRootDir: filepath.Join(root, "prepare_callbacks", "tensorboard_log_dir"),
		CheckpointModelPath:   filepath.Join(root, "prepare_callbacks", "checkpoint_dir", "model.h5"),
	}
}

func trainingConfig(root string) config.TrainingConfig {
	return config.TrainingConfig{
		RootDir:             filepath.Join(root, "training"),
		TrainedModelPath:    filepath.Join(root, "training", "model.h5"),
		UpdatedModelPath:    filepath.Join(root, "prepare_base_model", "base_model_updated.h5"),
		TrainingDataDir:     filepath.Join(root, "data_ingestion", config.DatasetDirName),
		ImageSize:           []int{224, 224, 3},
		BatchSize:           4,
		Epochs:              3,
		AugmentationEnabled: true,
		LearningRate:        0.01,
		ValidationSplit:     0.2,
		Seed:                42,
	}
}

func evaluationConfig(root string) config.EvaluationConfig {
	return config.EvaluationConfig{
		RootDir:           filepath.Join(root, "model_evaluation"),
		ReportDir:         filepath.Join(root, "model_evaluation"),
		ReportPath:        filepath.Join(root, "model_evaluation", "report.json"),
		ReportFileName:    "report.json",
		ScoreDir:          filepath.Join(root, "model_evaluation"),
		ScoreFileName:     "scores.json",
		AccuracyThreshold: 0.8,
		ExperimentName:    "kidney-ct",
		AllHyperparameters: map[string]interface{}{
			"EPOCHS":     1,
			"BATCH_SIZE": 4,
			"IMAGE_SIZE": []interface{}{224, 224, 3},
		},
		ImageSize:         []int{224, 224, 3},
		BatchSize:         4,
		ValidationDataDir: filepath.Join(root, "data_ingestion", config.DatasetDirName),
		TrainedModelPath:  filepath.Join(root, "training", "model.h5"),
		ValidationSplit:   0.2,
		Seed:              42,
	}
}

// saveModel writes a compiled model with a classifier head to path.
func saveModel(t *testing.T, eng *mltest.Engine, path string) {
	t.Helper()
	ctx := context.Background()
	m, err := eng.LoadArchitecture(ctx, ml.ArchitectureSpec{ImageSize: []int{224, 224, 3}})
	require.NoError(t, err)
	m, err = eng.AddClassifierHead(ctx, m, 2)
	require.NoError(t, err)
	require.NoError(t, eng.Compile(ctx, m, ml.AdamOptions(0.01)))
	require.NoError(t, eng.Save(ctx, m, path))
}
