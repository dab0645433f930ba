package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// Callback receives training progress from an engine. An error from any
// hook aborts training.
type Callback interface {
	OnTrainBegin(ctx context.Context, model Model) error
	OnEpochEnd(ctx context.Context, metrics EpochMetrics, model Model) error
	OnTrainEnd(ctx context.Context, history History) error
}

// TraceLogDirLayout formats the timestamp in trace log directory names.
const TraceLogDirLayout = "2006-01-02-15-04-05"

// TraceLogFile is the per-run file written by TraceLogger.
const TraceLogFile = "events.jsonl"

// TraceLogDir returns the trace log directory for a run started at t.
func TraceLogDir(root string, t time.Time) string {
	return filepath.Join(root, "tb_logs_at_"+t.Format(TraceLogDirLayout))
}

// TraceLogger appends one JSON line per epoch to Dir/events.jsonl.
type TraceLogger struct {
	Dir string

	mu sync.Mutex
	f  *os.File
}

// NewTraceLogger creates a logger for a run started at now.
func NewTraceLogger(root string, now time.Time) *TraceLogger {
	return &TraceLogger{Dir: TraceLogDir(root, now)}
}

// Path returns the log file path.
func (l *TraceLogger) Path() string {
	return filepath.Join(l.Dir, TraceLogFile)
}

type traceRecord struct {
	WallTime time.Time `json:"wall_time"`
	EpochMetrics
}

// OnTrainBegin creates the log directory and opens the log file.
func (l *TraceLogger) OnTrainBegin(ctx context.Context, _ Model) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := artifacts.Ensure(l.Dir); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open trace log: %w", err)
	}
	l.f = f
	return nil
}

// OnEpochEnd appends the epoch's metrics.
func (l *TraceLogger) OnEpochEnd(_ context.Context, metrics EpochMetrics, _ Model) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("trace log %s is not open", l.Path())
	}
	line, err := json.Marshal(traceRecord{WallTime: time.Now().UTC(), EpochMetrics: metrics})
	if err != nil {
		return fmt.Errorf("failed to encode epoch %d: %w", metrics.Epoch, err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write trace log: %w", err)
	}
	return nil
}

// OnTrainEnd flushes and closes the log file.
func (l *TraceLogger) OnTrainEnd(context.Context, History) error {
	return l.Close()
}

// Close flushes and closes the log file if it is still open. Engines
// call it when training stops before OnTrainEnd.
func (l *TraceLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync trace log: %w", err)
	}
	return f.Close()
}

// CloseCallbacks closes every callback that holds resources. It is safe
// after a completed run.
func CloseCallbacks(cbs []Callback) error {
	var first error
	for _, cb := range cbs {
		c, ok := cb.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Checkpoint saves the model whenever the monitored metric improves
// strictly. With Minimize the lowest value wins.
type Checkpoint struct {
	Path     string
	Monitor  string
	Minimize bool
	Saver    Saver

	mu        sync.Mutex
	best      float64
	bestEpoch int
	saves     int
}

// NewCheckpoint monitors val_loss in min mode.
func NewCheckpoint(path string, saver Saver) *Checkpoint {
	return &Checkpoint{
		Path:     path,
		Monitor:  "val_loss",
		Minimize: true,
		Saver:    saver,
	}
}

// OnTrainBegin resets the best value.
func (c *Checkpoint) OnTrainBegin(context.Context, Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.best = math.Inf(1)
	if !c.Minimize {
		c.best = math.Inf(-1)
	}
	c.bestEpoch = 0
	c.saves = 0
	return nil
}

// OnEpochEnd saves the model when the monitored metric beats the best
// value so far.
func (c *Checkpoint) OnEpochEnd(ctx context.Context, metrics EpochMetrics, model Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := metrics.Metric(c.Monitor)
	if !ok {
		return fmt.Errorf("checkpoint monitors unknown metric %q", c.Monitor)
	}
	if math.IsNaN(v) {
		return nil
	}
	improved := v < c.best
	if !c.Minimize {
		improved = v > c.best
	}
	if !improved {
		return nil
	}

	if err := c.Saver.Save(ctx, model, c.Path); err != nil {
		return fmt.Errorf("failed to save checkpoint at epoch %d: %w", metrics.Epoch, err)
	}
	c.best = v
	c.bestEpoch = metrics.Epoch
	c.saves++

	telemetry.FromContext(ctx).Debugf("checkpoint saved at epoch %d (%s=%.4f)", metrics.Epoch, c.Monitor, v)
	telemetry.MetricsFromContext(ctx).RecordCheckpoint()
	return nil
}

// OnTrainEnd does nothing.
func (c *Checkpoint) OnTrainEnd(context.Context, History) error {
	return nil
}

// Best returns the best monitored value and its epoch. The epoch is zero
// when nothing was saved.
func (c *Checkpoint) Best() (value float64, epoch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best, c.bestEpoch
}

// Saves returns how many times the checkpoint was written.
func (c *Checkpoint) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}
