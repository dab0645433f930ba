package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/pipeline"
)

func newRunsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded pipeline runs",
		Long: `List pipeline runs recorded in the history database named by
history.database, newest first. With a run ID, show that run's stages.`,
		Example: `  # Show the last 10 runs
  kidneyflow runs --limit 10

  # Show one run as JSON
  kidneyflow runs 3f0c... --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			raw, err := loadConfig()
			if err != nil {
				return err
			}
			history, err := pipeline.OpenHistory(ctx, config.NewBuilder(raw))
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			if history == nil {
				return fmt.Errorf("run history is not configured; set history.database in %s", raw.StructuralPath())
			}
			defer history.Close()

			if len(args) == 1 {
				run, err := history.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(out, run)
			}

			runs, err := history.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATE\tSTAGES\tDURATION\tFAILED STAGE")
			for _, r := range runs {
				summary := r.Summary()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					r.ID,
					r.StartedAt.Local().Format(time.DateTime),
					r.State,
					summary.Succeeded, summary.Total,
					r.Duration.Round(time.Millisecond),
					r.FailedStage,
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}
