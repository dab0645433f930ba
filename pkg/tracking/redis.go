package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// ErrRunNotFound is returned for operations on unknown runs.
var ErrRunNotFound = errors.New("tracking run not found")

// RedisTracker tracks runs in Redis hashes and lists.
//
//	<prefix>experiments                hash   name -> experiment id
//	<prefix>experiment:<id>:runs       list   run ids, oldest first
//	<prefix>run:<id>                   hash   experiment_id, status, start_time, end_time, tags
//	<prefix>run:<id>:params            hash   key -> value
//	<prefix>run:<id>:metrics           list   JSON metrics in logging order
//	<prefix>run:<id>:artifacts         set    artifact paths
type RedisTracker struct {
	client *backend.Client
	prefix string
	owned  bool
	now    func() time.Time
}

// RedisOption configures a RedisTracker.
type RedisOption func(*RedisTracker)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(t *RedisTracker) {
		t.prefix = prefix
	}
}

// OpenRedis connects to the Redis server named by a redis:// URI.
func OpenRedis(ctx context.Context, uri string, opts ...RedisOption) (*RedisTracker, error) {
	options, err := backend.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URI: %w", err)
	}

	client := backend.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", options.Addr, err)
	}

	t := NewRedisTracker(client, opts...)
	t.owned = true
	return t, nil
}

// NewRedisTracker tracks through an existing client. Close leaves the
// client open.
func NewRedisTracker(client *backend.Client, opts ...RedisOption) *RedisTracker {
	t := &RedisTracker{
		client: client,
		prefix: "kidneyflow:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTracker) experimentsKey() string { return t.prefix + "experiments" }
func (t *RedisTracker) runsKey(expID string) string {
	return t.prefix + "experiment:" + expID + ":runs"
}
func (t *RedisTracker) runKey(runID string) string { return t.prefix + "run:" + runID }

// Backend implements Tracker.
func (t *RedisTracker) Backend() string { return "redis" }

// StartRun implements Tracker.
func (t *RedisTracker) StartRun(ctx context.Context, experiment string, tags map[string]string) (RunInfo, error) {
	if experiment == "" {
		return RunInfo{}, fmt.Errorf("experiment name is required")
	}

	// HSETNX makes concurrent first use converge on one id.
	if err := t.client.HSetNX(ctx, t.experimentsKey(), experiment, uuid.NewString()).Err(); err != nil {
		return RunInfo{}, fmt.Errorf("failed to create experiment: %w", err)
	}
	expID, err := t.client.HGet(ctx, t.experimentsKey(), experiment).Result()
	if err != nil {
		return RunInfo{}, fmt.Errorf("failed to get experiment: %w", err)
	}

	if tags == nil {
		tags = map[string]string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return RunInfo{}, fmt.Errorf("failed to encode tags: %w", err)
	}

	info := RunInfo{
		RunID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExperimentID: expID,
		Experiment:   experiment,
		StartTime:    t.now().UTC(),
	}

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, t.runKey(info.RunID), map[string]interface{}{
		"experiment_id": expID,
		"status":        string(StatusRunning),
		"start_time":    info.StartTime.Format(time.RFC3339Nano),
		"tags":          string(tagJSON),
	})
	pipe.RPush(ctx, t.runsKey(expID), info.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return RunInfo{}, fmt.Errorf("failed to create run: %w", err)
	}

	return info, nil
}

func (t *RedisTracker) requireRun(ctx context.Context, runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	n, err := t.client.Exists(ctx, t.runKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to look up run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// LogParams implements Tracker.
func (t *RedisTracker) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if err := t.requireRun(ctx, runID); err != nil {
		return err
	}
	if len(params) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(params))
	for k, v := range params {
		values[k] = v
	}
	if err := t.client.HSet(ctx, t.runKey(runID)+":params", values).Err(); err != nil {
		return fmt.Errorf("failed to log params: %w", err)
	}
	return nil
}

// LogMetrics implements Tracker.
func (t *RedisTracker) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	if err := t.requireRun(ctx, runID); err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(metrics))
	for _, m := range metrics {
		if m.Timestamp.IsZero() {
			m.Timestamp = t.now().UTC()
		}
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", m.Key, err)
		}
		values = append(values, string(b))
	}
	if err := t.client.RPush(ctx, t.runKey(runID)+":metrics", values...).Err(); err != nil {
		return fmt.Errorf("failed to log metrics: %w", err)
	}
	return nil
}

// LogArtifact implements Tracker.
func (t *RedisTracker) LogArtifact(ctx context.Context, runID, path string) error {
	if err := t.requireRun(ctx, runID); err != nil {
		return err
	}
	if err := t.client.SAdd(ctx, t.runKey(runID)+":artifacts", path).Err(); err != nil {
		return fmt.Errorf("failed to log artifact: %w", err)
	}
	return nil
}

// EndRun implements Tracker.
func (t *RedisTracker) EndRun(ctx context.Context, runID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid run status %q", status)
	}
	if err := t.requireRun(ctx, runID); err != nil {
		return err
	}

	fields := map[string]interface{}{"status": string(status)}
	if status != StatusRunning {
		fields["end_time"] = t.now().UTC().Format(time.RFC3339Nano)
	}
	if err := t.client.HSet(ctx, t.runKey(runID), fields).Err(); err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	return nil
}

// RedisRun is a run as stored in Redis.
type RedisRun struct {
	ID           string
	ExperimentID string
	Status       Status
	Tags         map[string]string
	Params       map[string]string
	Metrics      []Metric
	Artifacts    []string
	StartTime    time.Time
	EndTime      *time.Time
}

// GetRun reads back a run with everything logged to it.
func (t *RedisTracker) GetRun(ctx context.Context, runID string) (*RedisRun, error) {
	if err := t.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	fields, err := t.client.HGetAll(ctx, t.runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}

	run := &RedisRun{
		ID:           runID,
		ExperimentID: fields["experiment_id"],
		Status:       Status(fields["status"]),
	}
	if run.StartTime, err = time.Parse(time.RFC3339Nano, fields["start_time"]); err != nil {
		return nil, fmt.Errorf("invalid start_time: %w", err)
	}
	if end, ok := fields["end_time"]; ok {
		et, err := time.Parse(time.RFC3339Nano, end)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time: %w", err)
		}
		run.EndTime = &et
	}
	if err := json.Unmarshal([]byte(fields["tags"]), &run.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags: %w", err)
	}

	if run.Params, err = t.client.HGetAll(ctx, t.runKey(runID)+":params").Result(); err != nil {
		return nil, fmt.Errorf("failed to read params: %w", err)
	}

	raw, err := t.client.LRange(ctx, t.runKey(runID)+":metrics", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	for i, r := range raw {
		var m Metric
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("invalid metric #%d: %w", i, err)
		}
		run.Metrics = append(run.Metrics, m)
	}

	if run.Artifacts, err = t.client.SMembers(ctx, t.runKey(runID)+":artifacts").Result(); err != nil {
		return nil, fmt.Errorf("failed to read artifacts: %w", err)
	}

	return run, nil
}

// ListRuns returns the run ids of an experiment, oldest first.
func (t *RedisTracker) ListRuns(ctx context.Context, experiment string) ([]string, error) {
	expID, err := t.client.HGet(ctx, t.experimentsKey(), experiment).Result()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return t.client.LRange(ctx, t.runsKey(expID), 0, -1).Result()
}

// Close implements Tracker.
func (t *RedisTracker) Close() error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}
