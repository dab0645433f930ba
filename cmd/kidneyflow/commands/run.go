package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/stages"
)

func newRunCommand() *cobra.Command {
	var failOnVerdict bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline",
		Long: `Run every stage in order: ingestion, base model preparation, callback
preparation, training and evaluation.

The run stops at the first failing stage; later stages are recorded as
skipped. A failing evaluation verdict does not fail the run unless
--fail-on-verdict is set.`,
		Example: `  # Run the pipeline from the project in the working directory
  kidneyflow run

  # Use alternative documents and fail CI when the model is not good enough
  kidneyflow run --config yamlfile/ci.yaml --params yamlfile/ci-param.yaml --fail-on-verdict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, failOnVerdict)
		},
	}

	cmd.Flags().BoolVar(&failOnVerdict, "fail-on-verdict", false, "exit non-zero when the evaluation verdict fails")
	return cmd
}

type stageCommand struct {
	use   string
	stage engine.StageName
	short string
}

var stageCommands = []stageCommand{
	{use: "ingest", stage: engine.StageIngestion, short: "Download and extract the dataset archive"},
	{use: "prepare-base-model", stage: engine.StageBaseModel, short: "Build the base model and add the classifier head"},
	{use: "prepare-callbacks", stage: engine.StageCallbacks, short: "Prepare the training log directory and checkpoint location"},
	{use: "train", stage: engine.StageTraining, short: "Train the updated base model"},
	{use: "evaluate", stage: engine.StageEvaluation, short: "Score the trained model and record the experiment"},
}

func newStageCommand(sc stageCommand) *cobra.Command {
	var failOnVerdict bool

	cmd := &cobra.Command{
		Use:   sc.use,
		Short: sc.short,
		Long: fmt.Sprintf(`%s.

Runs only the %s stage. Artifacts of earlier stages must already exist.`, sc.short, sc.stage),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, failOnVerdict, sc.stage)
		},
	}

	if sc.stage == engine.StageEvaluation {
		cmd.Flags().BoolVar(&failOnVerdict, "fail-on-verdict", false, "exit non-zero when the evaluation verdict fails")
	}
	return cmd
}

// runStages runs names, or the whole pipeline when names is empty.
func runStages(cmd *cobra.Command, failOnVerdict bool, names ...engine.StageName) (err error) {
	ctx := cmd.Context()

	s, err := openSession(ctx, needsEngine(names))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to shut down cleanly")
		}
	}()

	log.Info().
		Str("root", s.raw.Root()).
		Strs("stages", stageStrings(names)).
		Msg("Starting pipeline")

	var run *engine.Run
	if len(names) == 0 {
		run, err = s.pipeline.Run(ctx)
	} else {
		run, err = s.pipeline.RunStages(ctx, names...)
	}
	if run != nil {
		if perr := printRun(cmd.OutOrStdout(), run); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}

	if failOnVerdict {
		if eval := evaluationOf(run); eval != nil && !eval.Passed {
			return fmt.Errorf("%w: %s", ErrVerdictFailed, strings.Join(eval.Violations, "; "))
		}
	}
	return nil
}

// needsEngine reports whether any of names uses the model engine. An empty
// list is the full pipeline.
func needsEngine(names []engine.StageName) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if n != engine.StageIngestion {
			return true
		}
	}
	return false
}

func stageStrings(names []engine.StageName) []string {
	if len(names) == 0 {
		names = engine.Stages
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

func evaluationOf(run *engine.Run) *stages.EvaluationResult {
	for _, res := range run.Results {
		if eval, ok := res.Output.(*stages.EvaluationResult); ok {
			return eval
		}
	}
	return nil
}

func printRun(w io.Writer, run *engine.Run) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Fprintf(w, "Run %s: %s in %s\n\n", run.ID, run.State, run.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tARTIFACTS")
	for _, res := range run.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", res.Stage, res.Status, res.Duration.Round(time.Millisecond), len(res.Artifacts))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if run.FailedStage != "" {
		fmt.Fprintf(w, "\n✗ %s failed: %s\n", run.FailedStage, run.Failure)
	}
	if eval := evaluationOf(run); eval != nil {
		verdict := "✓ pass"
		if !eval.Passed {
			verdict = "✗ fail"
		}
		fmt.Fprintf(w, "\nEvaluation: loss=%.4f accuracy=%.4f verdict=%s\n", eval.Score.Loss, eval.Score.Accuracy, verdict)
		for _, v := range eval.Violations {
			fmt.Fprintf(w, "  - %s\n", v)
		}
		fmt.Fprintf(w, "Report: %s\n", eval.ReportPath)
	}
	return nil
}
