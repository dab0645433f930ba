package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/pipeline"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/policy"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration documents",
		Long: `Validate the configuration documents without running any stage.

This command checks:
  - YAML syntax and the CUE document schemas
  - Every stage configuration, including hyperparameter rules
  - The runner section, when present
  - Gate policies listed under evaluation.policy_paths compile (OPA/rego)

With --watch it keeps running and validates again whenever a document or
a policy file changes.`,
		Example: `  # Validate the project in the working directory
  kidneyflow validate

  # Validate on every save
  kidneyflow validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			raw, err := validateOnce(ctx, out)
			if !watch || raw == nil {
				return err
			}
			return watchConfig(ctx, out, raw)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "validate again on every document change")
	return cmd
}

// validateOnce loads and checks the configuration. The returned document
// is nil only if loading failed.
func validateOnce(ctx context.Context, out io.Writer) (*config.RawConfig, error) {
	raw, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "✗ %v\n", err)
		return nil, err
	}

	if err := checkConfig(ctx, raw); err != nil {
		fmt.Fprintf(out, "✗ %v\n", err)
		return raw, err
	}

	fmt.Fprintf(out, "✓ Configuration valid: %s, %s\n", raw.StructuralPath(), raw.ParamsPath())
	return raw, nil
}

func checkConfig(ctx context.Context, raw *config.RawConfig) error {
	p, err := pipeline.New(raw, pipeline.Deps{})
	if err != nil {
		return err
	}
	if err := p.Validate(ctx); err != nil {
		return err
	}

	paths, err := policyPaths(p.Builder())
	if err != nil {
		return err
	}
	pe, err := policy.NewEngine(*telemetry.FromContext(ctx).Zerolog())
	if err != nil {
		return err
	}
	return pe.LoadPolicies(ctx, paths)
}

func policyPaths(b *config.Builder) ([]string, error) {
	ing, err := b.Ingestion()
	if err != nil {
		return nil, err
	}
	ev, err := b.Evaluation(ing)
	if err != nil {
		return nil, err
	}
	return ev.PolicyPaths, nil
}

// watchConfig validates again on every change to the documents or the
// policy files until ctx is done.
func watchConfig(ctx context.Context, out io.Writer, raw *config.RawConfig) error {
	revalidate := func() {
		if _, err := validateOnce(ctx, out); err != nil {
			log.Debug().Err(err).Msg("Configuration invalid")
		}
	}

	if paths, err := policyPaths(config.NewBuilder(raw)); err == nil && len(paths) > 0 {
		loader := policy.NewLoader(*telemetry.FromContext(ctx).Zerolog())
		err := loader.Watch(ctx, paths, func(policies []policy.Policy) error {
			pe, err := policy.NewEngine(*telemetry.FromContext(ctx).Zerolog())
			if err != nil {
				return err
			}
			if err := pe.ApplyPolicies(ctx, policies); err != nil {
				fmt.Fprintf(out, "✗ %v\n", err)
				return err
			}
			fmt.Fprintf(out, "✓ %d gate policies compile\n", len(policies))
			return nil
		})
		if err != nil {
			return err
		}
		defer loader.StopWatching()
	}

	fmt.Fprintln(out, "Watching for changes, press Ctrl+C to stop")
	return config.Watch(ctx, []string{raw.StructuralPath(), raw.ParamsPath()}, revalidate)
}
