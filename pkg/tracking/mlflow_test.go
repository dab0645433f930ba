package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRun struct {
	Status    string
	EndTime   int64
	Params    map[string]string
	Tags      map[string]string
	Metrics   []mlflowMetric
	StartTime int64
}

// fakeMLflow implements the subset of the MLflow REST API the tracker uses.
type fakeMLflow struct {
	mu          sync.Mutex
	user, pass  string
	experiments map[string]string
	runs        map[string]*fakeRun
	nextID      int
	calls       []string
}

func newFakeMLflow(user, pass string) *fakeMLflow {
	return &fakeMLflow{
		user:        user,
		pass:        pass,
		experiments: map[string]string{},
		runs:        map[string]*fakeRun{},
	}
}

func (f *fakeMLflow) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": msg})
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.user != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != f.user || p != f.pass {
			f.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "bad credentials")
			return
		}
	}

	endpoint := strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow/")
	f.calls = append(f.calls, endpoint)

	var body map[string]json.RawMessage
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.writeError(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
			return
		}
	}
	str := func(key string) string {
		var s string
		_ = json.Unmarshal(body[key], &s)
		return s
	}
	run := func() *fakeRun {
		fr, ok := f.runs[str("run_id")]
		if !ok {
			f.writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "run not found")
		}
		return fr
	}

	switch endpoint {
	case "experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			f.writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "no such experiment")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"experiment": map[string]string{"experiment_id": id},
		})

	case "experiments/create":
		f.nextID++
		id := strconv.Itoa(f.nextID)
		f.experiments[str("name")] = id
		_ = json.NewEncoder(w).Encode(map[string]string{"experiment_id": id})

	case "runs/create":
		f.nextID++
		id := "run" + strconv.Itoa(f.nextID)
		fr := &fakeRun{Status: "RUNNING", Params: map[string]string{}, Tags: map[string]string{}}
		_ = json.Unmarshal(body["start_time"], &fr.StartTime)
		var tags []mlflowTag
		_ = json.Unmarshal(body["tags"], &tags)
		for _, tg := range tags {
			fr.Tags[tg.Key] = tg.Value
		}
		f.runs[id] = fr
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"run": map[string]interface{}{"info": map[string]string{"run_id": id}},
		})

	case "runs/log-batch":
		fr := run()
		if fr == nil {
			return
		}
		var params, tags []mlflowTag
		var metrics []mlflowMetric
		_ = json.Unmarshal(body["params"], &params)
		_ = json.Unmarshal(body["tags"], &tags)
		_ = json.Unmarshal(body["metrics"], &metrics)
		for _, p := range params {
			fr.Params[p.Key] = p.Value
		}
		for _, tg := range tags {
			fr.Tags[tg.Key] = tg.Value
		}
		fr.Metrics = append(fr.Metrics, metrics...)
		_, _ = w.Write([]byte("{}"))

	case "runs/update":
		fr := run()
		if fr == nil {
			return
		}
		fr.Status = str("status")
		_ = json.Unmarshal(body["end_time"], &fr.EndTime)
		_, _ = w.Write([]byte("{}"))

	default:
		f.writeError(w, http.StatusNotFound, "ENDPOINT_NOT_FOUND", endpoint)
	}
}

func (f *fakeMLflow) snapshot(t *testing.T, runID string) snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	fr, ok := f.runs[runID]
	require.True(t, ok, "run %s exists", runID)

	snap := snapshot{Status: Status(fr.Status), Params: map[string]string{}}
	for k, v := range fr.Params {
		snap.Params[k] = v
	}
	for _, m := range fr.Metrics {
		snap.Metrics = append(snap.Metrics, Metric{Key: m.Key, Value: m.Value, Step: m.Step})
	}
	for k, v := range fr.Tags {
		if strings.HasPrefix(k, ArtifactTagPrefix) {
			snap.Artifacts = append(snap.Artifacts, v)
		}
	}
	return snap
}

func TestMLflowTracker_Contract(t *testing.T) {
	fake := newFakeMLflow("alice", "s3cret")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewMLflow(srv.URL, MLflowOptions{HTTP: srv.Client(), Username: "alice", Password: "s3cret"})
	runTrackerContract(t, tr, fake.snapshot)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.experiments, 1)
	assert.Equal(t, "experiments/get-by-name", fake.calls[0])
	assert.Equal(t, "experiments/create", fake.calls[1])
}

func TestMLflowTracker_EndRunSetsEndTime(t *testing.T) {
	fake := newFakeMLflow("", "")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewMLflow(srv.URL, MLflowOptions{HTTP: srv.Client()})
	ctx := context.Background()

	info, err := tr.StartRun(ctx, "kidney-ct", map[string]string{"source": "test"})
	require.NoError(t, err)
	require.NoError(t, tr.EndRun(ctx, info.RunID, StatusKilled))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	fr := fake.runs[info.RunID]
	assert.Equal(t, "KILLED", fr.Status)
	assert.Positive(t, fr.EndTime)
	assert.Equal(t, info.StartTime.UnixMilli(), fr.StartTime)
	assert.Equal(t, "test", fr.Tags["source"])
}

func TestMLflowTracker_AuthFailure(t *testing.T) {
	fake := newFakeMLflow("alice", "s3cret")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewMLflow(srv.URL, MLflowOptions{HTTP: srv.Client(), Username: "alice", Password: "wrong"})
	_, err := tr.StartRun(context.Background(), "kidney-ct", nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", apiErr.Code)
}

func TestMLflowTracker_BearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"experiment":{"experiment_id":"7"}}`))
	}))
	defer srv.Close()

	tr := NewMLflow(srv.URL, MLflowOptions{HTTP: srv.Client(), Token: "tok"})
	id, err := tr.experimentID(context.Background(), "kidney-ct")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestMLflowTracker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewMLflow(srv.URL, MLflowOptions{HTTP: srv.Client()})
	_, err := tr.StartRun(context.Background(), "kidney-ct", nil)
	assert.EqualError(t, err, "mlflow: HTTP 502")
}

func TestMLflowOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvMLflowUsername, "bob")
	t.Setenv(EnvMLflowPassword, "pw")
	t.Setenv(EnvMLflowToken, "")

	opts := MLflowOptionsFromEnv()
	assert.Equal(t, "bob", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.Empty(t, opts.Token)
}
