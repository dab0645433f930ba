package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables read by MLflowOptionsFromEnv.
const (
	EnvMLflowUsername = "MLFLOW_TRACKING_USERNAME"
	EnvMLflowPassword = "MLFLOW_TRACKING_PASSWORD"
	EnvMLflowToken    = "MLFLOW_TRACKING_TOKEN"
)

// ArtifactTagPrefix prefixes the tags that record artifact paths.
const ArtifactTagPrefix = "kidneyflow.artifact."

// MLflowOptions configures an MLflowTracker.
type MLflowOptions struct {
	HTTP     *http.Client
	Username string
	Password string
	Token    string
}

// MLflowOptionsFromEnv reads credentials the way the MLflow client does.
func MLflowOptionsFromEnv() MLflowOptions {
	return MLflowOptions{
		Username: os.Getenv(EnvMLflowUsername),
		Password: os.Getenv(EnvMLflowPassword),
		Token:    os.Getenv(EnvMLflowToken),
	}
}

// MLflowTracker talks to an MLflow tracking server over REST API 2.0.
type MLflowTracker struct {
	baseURL string
	http    *http.Client
	opts    MLflowOptions
	now     func() time.Time
}

// NewMLflow creates a tracker for the server at baseURL.
func NewMLflow(baseURL string, opts MLflowOptions) *MLflowTracker {
	client := opts.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MLflowTracker{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		opts:    opts,
		now:     time.Now,
	}
}

// APIError is an error response from the tracking server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mlflow: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("mlflow: %s: %s", e.Code, e.Message)
}

type mlflowTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// Backend implements Tracker.
func (t *MLflowTracker) Backend() string { return "mlflow" }

func (t *MLflowTracker) call(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	u := t.baseURL + "/api/2.0/mlflow/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case t.opts.Token != "":
		req.Header.Set("Authorization", "Bearer "+t.opts.Token)
	case t.opts.Username != "":
		req.SetBasicAuth(t.opts.Username, t.opts.Password)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("mlflow %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mlflow %s: failed to read response: %w", endpoint, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mlflow %s: invalid response: %w", endpoint, err)
	}
	return nil
}

func (t *MLflowTracker) experimentID(ctx context.Context, name string) (string, error) {
	var got struct {
		Experiment struct {
			ID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := t.call(ctx, http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, nil, &got)
	if err == nil {
		return got.Experiment.ID, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "RESOURCE_DOES_NOT_EXIST" {
		return "", err
	}

	var created struct {
		ID string `json:"experiment_id"`
	}
	if err := t.call(ctx, http.MethodPost, "experiments/create", nil, map[string]string{"name": name}, &created); err != nil {
		return "", fmt.Errorf("failed to create experiment %s: %w", name, err)
	}
	return created.ID, nil
}

// StartRun implements Tracker.
func (t *MLflowTracker) StartRun(ctx context.Context, experiment string, tags map[string]string) (RunInfo, error) {
	if experiment == "" {
		return RunInfo{}, fmt.Errorf("experiment name is required")
	}

	expID, err := t.experimentID(ctx, experiment)
	if err != nil {
		return RunInfo{}, err
	}

	start := t.now()
	req := struct {
		ExperimentID string      `json:"experiment_id"`
		StartTime    int64       `json:"start_time"`
		Tags         []mlflowTag `json:"tags,omitempty"`
	}{
		ExperimentID: expID,
		StartTime:    start.UnixMilli(),
	}
	for _, k := range sortedKeys(tags) {
		req.Tags = append(req.Tags, mlflowTag{Key: k, Value: tags[k]})
	}

	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := t.call(ctx, http.MethodPost, "runs/create", nil, req, &resp); err != nil {
		return RunInfo{}, err
	}
	if resp.Run.Info.RunID == "" {
		return RunInfo{}, fmt.Errorf("mlflow runs/create returned no run id")
	}

	return RunInfo{
		RunID:        resp.Run.Info.RunID,
		ExperimentID: expID,
		Experiment:   experiment,
		StartTime:    start,
	}, nil
}

func (t *MLflowTracker) logBatch(ctx context.Context, runID string, metrics []mlflowMetric, params, tags []mlflowTag) error {
	req := struct {
		RunID   string         `json:"run_id"`
		Metrics []mlflowMetric `json:"metrics,omitempty"`
		Params  []mlflowTag    `json:"params,omitempty"`
		Tags    []mlflowTag    `json:"tags,omitempty"`
	}{runID, metrics, params, tags}
	return t.call(ctx, http.MethodPost, "runs/log-batch", nil, req, nil)
}

// LogParams implements Tracker.
func (t *MLflowTracker) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if len(params) == 0 {
		return nil
	}
	ps := make([]mlflowTag, 0, len(params))
	for _, k := range sortedKeys(params) {
		ps = append(ps, mlflowTag{Key: k, Value: params[k]})
	}
	return t.logBatch(ctx, runID, nil, ps, nil)
}

// LogMetrics implements Tracker.
func (t *MLflowTracker) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}
	ms := make([]mlflowMetric, len(metrics))
	for i, m := range metrics {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = t.now()
		}
		ms[i] = mlflowMetric{Key: m.Key, Value: m.Value, Timestamp: ts.UnixMilli(), Step: m.Step}
	}
	return t.logBatch(ctx, runID, ms, nil, nil)
}

// LogArtifact records the artifact path as a run tag. Uploading the file
// itself needs the artifact repository, which is not used here.
func (t *MLflowTracker) LogArtifact(ctx context.Context, runID, path string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	tag := mlflowTag{Key: ArtifactTagPrefix + filepath.Base(path), Value: path}
	return t.logBatch(ctx, runID, nil, nil, []mlflowTag{tag})
}

// EndRun implements Tracker.
func (t *MLflowTracker) EndRun(ctx context.Context, runID string, status Status) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid run status %q", status)
	}

	req := struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time,omitempty"`
	}{RunID: runID, Status: string(status)}
	if status != StatusRunning {
		req.EndTime = t.now().UnixMilli()
	}
	return t.call(ctx, http.MethodPost, "runs/update", nil, req, nil)
}

// Close implements Tracker.
func (t *MLflowTracker) Close() error { return nil }
