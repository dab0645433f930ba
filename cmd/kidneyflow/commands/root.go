package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// ErrVerdictFailed is returned by run and evaluate with --fail-on-verdict
// when the trained model does not meet the policies.
var ErrVerdictFailed = errors.New("evaluation verdict failed")

var (
	// Global flags
	configPath    string
	paramsPath    string
	projectDir    string
	logLevel      string
	logFormat     string
	traceExporter string
	traceEndpoint string
	metricsFile   string
	jsonOutput    bool

	// tel is the process telemetry, set up before any command runs.
	tel *telemetry.Telemetry
)

// Execute runs the root command and flushes telemetry afterwards.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)

	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := tel.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = fmt.Errorf("failed to flush telemetry: %w", serr)
		}
		tel = nil
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kidneyflow",
		Short: "kidneyflow - kidney CT classification pipeline",
		Long: `kidneyflow runs the kidney CT scan classification pipeline: data
ingestion, base model preparation, callback preparation, training and
evaluation, each driven by yamlfile/config.yaml and yamlfile/param.yaml.

Model work is delegated to a worker process described by the runner
section of the configuration, started locally or over SSH.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupTelemetry(cmd, version)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "structural config document (default yamlfile/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&paramsPath, "params", "p", "", "hyperparameter document (default yamlfile/param.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "start project root discovery here instead of the working directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this textfile at exit")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	for _, sc := range stageCommands {
		rootCmd.AddCommand(newStageCommand(sc))
	}
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newPredictCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// setupTelemetry builds the process telemetry from the global flags and
// attaches it to the command context.
func setupTelemetry(cmd *cobra.Command, version string) error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Metrics.TextfilePath = metricsFile
	if traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}

	t, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	tel = t
	zerolog.SetGlobalLevel(telemetry.ParseLevel(logLevel))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(t.WithContext(ctx))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
