package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

func newPredictCommand() *cobra.Command {
	var modelPath string

	cmd := &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify one CT image",
		Long: `Classify one CT image with the trained model through the worker.

The model defaults to training.trained_model_path. The result is the
predicted label (Normal or Tumor), its confidence and the class
probabilities.`,
		Example: `  # Classify with the trained model
  kidneyflow predict scans/patient-17.jpg

  # Classify with a checkpoint and print JSON
  kidneyflow predict scans/patient-17.jpg --model artifacts/prepare_callbacks/checkpoint_dir/model.h5 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			image := args[0]
			if _, err := os.Stat(image); err != nil {
				return fmt.Errorf("cannot read image: %w", err)
			}

			raw, err := loadConfig()
			if err != nil {
				return err
			}
			b := config.NewBuilder(raw)

			if modelPath == "" {
				path, ok := raw.Structural().Lookup("training.trained_model_path")
				s, isString := path.(string)
				if !ok || !isString || s == "" {
					return engine.New(engine.KindConfig, "training.trained_model_path is not set; pass --model").
						WithField("training.trained_model_path")
				}
				modelPath = raw.Resolve(s)
			}
			if err := artifacts.RequireFile(modelPath); err != nil {
				return fmt.Errorf("model not found; run 'kidneyflow train' first: %w", err)
			}

			w, err := startWorker(ctx, b, modelPath)
			if err != nil {
				return err
			}
			if w == nil {
				return engine.New(engine.KindConfig, "prediction needs a worker; configure the runner section").
					WithField("runner")
			}
			defer func() {
				if cerr := w.close(ctx); cerr != nil {
					log.Warn().Err(cerr).Msg("Failed to stop worker")
				}
			}()

			pred, err := w.client.Predict(ctx, image)
			if err != nil {
				return fmt.Errorf("prediction failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"image":      image,
					"model":      modelPath,
					"prediction": pred,
				})
			}
			fmt.Fprintf(out, "%s: %s (confidence %.2f%%)\n", image, pred.Label, pred.Confidence*100)
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "model to load (default training.trained_model_path)")
	return cmd
}
