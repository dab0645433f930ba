package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

// TrackingStatus is the lifecycle status of a tracked experiment run.
type TrackingStatus string

const (
	TrackingStatusRunning  TrackingStatus = "RUNNING"
	TrackingStatusFinished TrackingStatus = "FINISHED"
	TrackingStatusFailed   TrackingStatus = "FAILED"
	TrackingStatusKilled   TrackingStatus = "KILLED"
)

// Terminal reports whether the status ends a run.
func (s TrackingStatus) Terminal() bool {
	return s == TrackingStatusFinished || s == TrackingStatusFailed || s == TrackingStatusKilled
}

// Experiment groups tracked runs under a name.
type Experiment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TrackingRun is one tracked training/evaluation run.
type TrackingRun struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	Status       TrackingStatus    `json:"status"`
	Tags         map[string]string `json:"tags,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
}

// Metric is one logged metric value.
type Metric struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Step      int64     `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer. It records
// pipeline run history and serves as the local experiment tracking backend.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Pipeline run history
	engine.RunRecorder
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Experiment tracking
	GetOrCreateExperiment(ctx context.Context, name string) (*Experiment, error)
	CreateTrackingRun(ctx context.Context, run *TrackingRun) error
	GetTrackingRun(ctx context.Context, id string) (*TrackingRun, error)
	ListTrackingRuns(ctx context.Context, experimentID string) ([]*TrackingRun, error)
	UpdateTrackingRunStatus(ctx context.Context, id string, status TrackingStatus) error
	LogParams(ctx context.Context, runID string, params map[string]string) error
	GetParams(ctx context.Context, runID string) (map[string]string, error)
	LogMetrics(ctx context.Context, runID string, metrics []Metric) error
	GetMetrics(ctx context.Context, runID, key string) ([]Metric, error)
	LogArtifact(ctx context.Context, runID, path string) error
	ListArtifacts(ctx context.Context, runID string) ([]string, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
