// Package tracking records evaluation runs in an experiment tracker. The
// backend is chosen by the scheme of the tracking URI: a SQLite database
// for local use, Redis for a shared lightweight store, or an MLflow
// tracking server over its REST API.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// Status is the lifecycle status of a tracked run.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusFinished, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// RunInfo identifies a started run.
type RunInfo struct {
	RunID        string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	Experiment   string    `json:"experiment"`
	StartTime    time.Time `json:"start_time"`
}

// Metric is one metric value at a step.
type Metric struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Step      int64     `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker is an experiment tracking backend.
type Tracker interface {
	// Backend names the backend for logs and metrics.
	Backend() string

	// StartRun starts a run in the named experiment, creating the
	// experiment on first use.
	StartRun(ctx context.Context, experiment string, tags map[string]string) (RunInfo, error)
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics []Metric) error
	LogArtifact(ctx context.Context, runID, path string) error
	EndRun(ctx context.Context, runID string, status Status) error

	Close() error
}

// Open returns the tracker for uri.
//
//	sqlite:///abs/tracking.db, sqlite://rel/tracking.db, /abs/tracking.db
//	redis://[:password@]host:port/db
//	http(s)://mlflow.example.org
func Open(ctx context.Context, uri string) (Tracker, error) {
	if uri == "" {
		return nil, fmt.Errorf("tracking URI is empty")
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		return openSQLite(ctx, uri)
	}

	switch u.Scheme {
	case "sqlite", "file":
		return openSQLite(ctx, u.Host+u.Path)
	case "redis", "rediss":
		tr, err := OpenRedis(ctx, uri)
		if err != nil {
			return nil, err
		}
		return tr, nil
	case "http", "https":
		return NewMLflow(uri, MLflowOptionsFromEnv()), nil
	default:
		return nil, fmt.Errorf("unsupported tracking URI scheme %q", u.Scheme)
	}
}

func openSQLite(ctx context.Context, path string) (Tracker, error) {
	tr, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Record is everything logged for one evaluation.
type Record struct {
	Experiment string
	Tags       map[string]string
	Params     map[string]interface{}
	Metrics    map[string]float64
	Artifacts  []string
}

// Log writes rec as a single finished run. If any step fails the run is
// ended as FAILED and the first error is returned.
func Log(ctx context.Context, tr Tracker, rec Record) (RunInfo, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("tracking").
		WithField("backend", tr.Backend())
	metrics := telemetry.MetricsFromContext(ctx)

	info, err := tr.StartRun(ctx, rec.Experiment, rec.Tags)
	metrics.RecordTrackingCall(tr.Backend(), err)
	if err != nil {
		return info, fmt.Errorf("failed to start tracking run: %w", err)
	}
	logger = logger.WithField("tracking_run_id", info.RunID)

	err = logBody(ctx, tr, info.RunID, rec)
	metrics.RecordTrackingCall(tr.Backend(), err)

	status := StatusFinished
	if err != nil {
		status = StatusFailed
	}
	endErr := tr.EndRun(ctx, info.RunID, status)
	metrics.RecordTrackingCall(tr.Backend(), endErr)

	if err != nil {
		logger.WithError(err).Warn("tracking run failed")
		return info, err
	}
	if endErr != nil {
		return info, fmt.Errorf("failed to end tracking run: %w", endErr)
	}

	logger.Infof("logged %d params, %d metrics and %d artifacts",
		len(rec.Params), len(rec.Metrics), len(rec.Artifacts))
	return info, nil
}

func logBody(ctx context.Context, tr Tracker, runID string, rec Record) error {
	if len(rec.Params) > 0 {
		if err := tr.LogParams(ctx, runID, FormatParams(rec.Params)); err != nil {
			return fmt.Errorf("failed to log params: %w", err)
		}
	}

	if len(rec.Metrics) > 0 {
		now := time.Now()
		keys := sortedKeys(rec.Metrics)
		ms := make([]Metric, 0, len(keys))
		for _, k := range keys {
			ms = append(ms, Metric{Key: k, Value: rec.Metrics[k], Timestamp: now})
		}
		if err := tr.LogMetrics(ctx, runID, ms); err != nil {
			return fmt.Errorf("failed to log metrics: %w", err)
		}
	}

	for _, a := range rec.Artifacts {
		if err := tr.LogArtifact(ctx, runID, a); err != nil {
			return fmt.Errorf("failed to log artifact %s: %w", a, err)
		}
	}
	return nil
}

// FormatParams flattens a hyperparameter document into string params.
// Nested maps use dotted keys; lists are JSON encoded.
func FormatParams(params map[string]interface{}) map[string]string {
	out := make(map[string]string, len(params))
	flatten("", params, out)
	return out
}

func flatten(prefix string, in map[string]interface{}, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case string:
			out[key] = val
		case bool:
			out[key] = strconv.FormatBool(val)
		case int:
			out[key] = strconv.Itoa(val)
		case int64:
			out[key] = strconv.FormatInt(val, 10)
		case float64:
			out[key] = strconv.FormatFloat(val, 'g', -1, 64)
		case nil:
			out[key] = "null"
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[key] = fmt.Sprint(val)
				continue
			}
			out[key] = string(b)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

func validRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is empty")
	}
	return nil
}
