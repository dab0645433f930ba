package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
)

const markerTemplate = `# kidneyflow project root marker
name: %s
`

const structuralTemplate = `artifacts_root: artifacts

data_ingestion:
  root_dir: artifacts/data_ingestion
  source_url: %s
  local_data_file: artifacts/data_ingestion/data.zip
  unzip_dir: artifacts/data_ingestion

prepare_base_model:
  root_dir: artifacts/prepare_base_model
  base_model_path: artifacts/prepare_base_model/base_model.h5
  updated_base_model_path: artifacts/prepare_base_model/base_model_updated.h5

prepare_callbacks:
  root_dir: artifacts/prepare_callbacks
  tensorboard_root_log_dir: artifacts/prepare_callbacks/tensorboard_log_dir
  checkpoint_model_filepath: artifacts/prepare_callbacks/checkpoint_dir/model.h5

training:
  root_dir: artifacts/training
  trained_model_path: artifacts/training/model.h5

evaluation:
  root_dir: artifacts/evaluation
  report_file_dir: artifacts/evaluation
  report_file: report.json
  scores_file_dir: .
  scores_file: scores.json
  mlflow_tracking_uri: %s
  mlflow_experiment_name: kidney-disease-classification
  policy_paths: []

runner:
  command: [python, -m, kidneyflow_worker]
  transport: local
  startup_timeout: 2m

history:
  database: artifacts/history.db
`

const paramsTemplate = `AUGMENTATION: true
IMAGE_SIZE: [224, 224, 3]
BATCH_SIZE: 16
INCLUDE_TOP: false
EPOCHS: 10
CLASSES: 2
WEIGHTS: imagenet
LEARNING_RATE: 0.01
ACCURACY_THRESHOLD: 0.8
VALIDATION_SPLIT: 0.2
SEED: 42
`

// defaultArchive is where the dataset archive is expected when no
// --source-url is given.
const defaultArchive = "data/kidney-ct-scan-image.zip"

func newInitCommand() *cobra.Command {
	var (
		force       bool
		sourceURL   string
		trackingURI string
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a kidneyflow project",
		Long: `Initialize a kidneyflow project with the root marker and both
configuration documents:

  kidneyflow.yaml        project root marker
  yamlfile/config.yaml   artifact layout, data source, tracking and runner
  yamlfile/param.yaml    hyperparameters

Existing files are kept unless --force is given.`,
		Example: `  # Initialize the working directory
  kidneyflow init

  # Initialize a new directory with a custom dataset and tracking server
  kidneyflow init ./kidney --source-url sftp://data@host/srv/kidney.zip --tracking-uri http://mlflow:5000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			if sourceURL == "" {
				sourceURL = "file://" + filepath.ToSlash(filepath.Join(abs, defaultArchive))
			}

			log.Info().
				Str("dir", abs).
				Bool("force", force).
				Msg("Initializing project")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initializing kidneyflow project in %s\n\n", abs)

			files := []struct {
				path    string
				content string
			}{
				{"kidneyflow.yaml", fmt.Sprintf(markerTemplate, filepath.Base(abs))},
				{config.DefaultStructuralPath, fmt.Sprintf(structuralTemplate, sourceURL, trackingURI)},
				{config.DefaultParamsPath, paramsTemplate},
			}
			for _, f := range files {
				p := filepath.Join(abs, f.path)
				if _, err := os.Stat(p); err == nil && !force {
					fmt.Fprintf(out, "✓ Kept existing %s\n", f.path)
					continue
				}
				if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(p), err)
				}
				if err := os.WriteFile(p, []byte(f.content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", p, err)
				}
				fmt.Fprintf(out, "✓ Created %s\n", f.path)
			}

			if _, err := config.LoadFrom(abs, "", ""); err != nil {
				return fmt.Errorf("scaffolded documents do not load: %w", err)
			}

			fmt.Fprintln(out, "\nNext: point runner.command at your worker, then run 'kidneyflow validate' and 'kidneyflow run'.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "dataset archive: Google Drive share link, http(s), sftp or file URL (default <dir>/"+defaultArchive+")")
	cmd.Flags().StringVar(&trackingURI, "tracking-uri", "sqlite://artifacts/tracking.db", "experiment tracking URI (sqlite, redis or http(s))")
	return cmd
}
