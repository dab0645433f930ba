// Package main implements kidneyflow-worker, a worker process that serves
// the deterministic simulation engine over the JSON-over-stdio protocol.
// It lets the whole pipeline run end to end, locally or over SSH, on hosts
// without a deep learning runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml/mltest"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/worker"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		logLevel    string
		idleTimeout time.Duration
		accuracy    float64
		loss        float64
		valLosses   []float64
		layers      int
	)

	cmd := &cobra.Command{
		Use:   "kidneyflow-worker",
		Short: "Serve the simulation engine over stdin and stdout",
		Long: `kidneyflow-worker reads commands from stdin and writes protocol
messages to stdout. Logs go to stderr.

The simulation engine trains nothing. Its validation loss curve, its
evaluation score and its layer count are set with flags, which makes the
worker useful for dry runs of a project and for exercising transports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logger := zerolog.New(os.Stderr).Level(level).With().
				Timestamp().
				Str("component", "worker").
				Logger()

			engine := mltest.New()
			engine.BackboneLayers = layers
			engine.ValLosses = valLosses
			engine.Score = ml.Score{Loss: loss, Accuracy: accuracy}

			srv := worker.NewServer(engine, worker.Options{
				Version:     version,
				Backend:     "simulation",
				Devices:     []string{"cpu"},
				IdleTimeout: idleTimeout,
				Logger:      logger,
				Metadata: map[string]string{
					"idle_timeout": idleTimeout.String(),
				},
			})
			return srv.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}

	f := cmd.Flags()
	f.StringVar(&logLevel, "log-level", "info", "log level written to stderr")
	f.DurationVar(&idleTimeout, "idle-timeout", 10*time.Minute, "exit when no command arrives in time (0 disables)")
	f.Float64Var(&accuracy, "accuracy", 0.9, "accuracy reported by evaluation")
	f.Float64Var(&loss, "loss", 0.31, "loss reported by evaluation")
	f.Float64SliceVar(&valLosses, "val-losses", nil, "validation loss per epoch, e.g. 0.5,0.4,0.45")
	f.IntVar(&layers, "backbone-layers", mltest.DefaultBackboneLayers, "layers in the simulated backbone")
	return cmd
}
