package tracking

import (
	"context"
	"fmt"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/stores"
)

// SQLiteTracker tracks runs in the local SQLite store.
type SQLiteTracker struct {
	store *stores.SQLiteStore
	owned bool
}

// OpenSQLite opens (creating if needed) the tracking database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteTracker, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite tracking path is empty")
	}
	if err := ensureParent(path); err != nil {
		return nil, err
	}

	store, err := stores.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking database %s: %w", path, err)
	}
	return &SQLiteTracker{store: store, owned: true}, nil
}

// NewSQLiteTracker tracks into an already open store. Close leaves the
// store open.
func NewSQLiteTracker(store *stores.SQLiteStore) *SQLiteTracker {
	return &SQLiteTracker{store: store}
}

// Store returns the underlying store.
func (t *SQLiteTracker) Store() *stores.SQLiteStore {
	return t.store
}

// Backend implements Tracker.
func (t *SQLiteTracker) Backend() string { return "sqlite" }

// StartRun implements Tracker.
func (t *SQLiteTracker) StartRun(ctx context.Context, experiment string, tags map[string]string) (RunInfo, error) {
	exp, err := t.store.GetOrCreateExperiment(ctx, experiment)
	if err != nil {
		return RunInfo{}, err
	}

	run := &stores.TrackingRun{
		ExperimentID: exp.ID,
		Status:       stores.TrackingStatusRunning,
		Tags:         tags,
	}
	if err := t.store.CreateTrackingRun(ctx, run); err != nil {
		return RunInfo{}, err
	}

	return RunInfo{
		RunID:        run.ID,
		ExperimentID: exp.ID,
		Experiment:   exp.Name,
		StartTime:    run.StartTime,
	}, nil
}

// LogParams implements Tracker.
func (t *SQLiteTracker) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	return t.store.LogParams(ctx, runID, params)
}

// LogMetrics implements Tracker.
func (t *SQLiteTracker) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	rows := make([]stores.Metric, len(metrics))
	for i, m := range metrics {
		rows[i] = stores.Metric{Key: m.Key, Value: m.Value, Step: m.Step, Timestamp: m.Timestamp}
	}
	return t.store.LogMetrics(ctx, runID, rows)
}

// LogArtifact implements Tracker.
func (t *SQLiteTracker) LogArtifact(ctx context.Context, runID, path string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	return t.store.LogArtifact(ctx, runID, path)
}

// EndRun implements Tracker.
func (t *SQLiteTracker) EndRun(ctx context.Context, runID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid run status %q", status)
	}
	return t.store.UpdateTrackingRunStatus(ctx, runID, stores.TrackingStatus(status))
}

// Close implements Tracker.
func (t *SQLiteTracker) Close() error {
	if !t.owned {
		return nil
	}
	return t.store.Close()
}
