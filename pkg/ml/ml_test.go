package ml_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/dataset"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml/mltest"
)

func TestStepsFor(t *testing.T) {
	tests := []struct {
		n, batch, want int
	}{
		{n: 100, batch: 16, want: 7},
		{n: 96, batch: 16, want: 6},
		{n: 1, batch: 16, want: 1},
		{n: 0, batch: 16, want: 0},
		{n: 10, batch: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ml.StepsFor(tt.n, tt.batch), "StepsFor(%d, %d)", tt.n, tt.batch)
	}
}

func TestAdamOptions(t *testing.T) {
	opts := ml.AdamOptions(0.01)
	assert.Equal(t, ml.OptimizerAdam, opts.Optimizer)
	assert.Equal(t, 0.01, opts.LearningRate)
	assert.Equal(t, ml.LossCategoricalCrossentropy, opts.Loss)
	assert.Equal(t, []string{ml.MetricAccuracy}, opts.Metrics)
}

func newModel(t *testing.T, layers int) ml.Model {
	t.Helper()
	eng := mltest.New()
	eng.BackboneLayers = layers
	m, err := eng.LoadArchitecture(context.Background(), ml.ArchitectureSpec{ImageSize: []int{224, 224, 3}})
	require.NoError(t, err)
	return m
}

func TestFreezePolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     ml.FreezePolicy
		wantFrozen int
		wantString string
	}{
		{"freeze all", ml.FreezeAll(), 10, "freeze_all"},
		{"keep last three", ml.FreezeAllButLast(3), 7, "freeze_all_but_last_3"},
		{"keep more than exist", ml.FreezeAllButLast(20), 0, "freeze_all_but_last_20"},
		{"negative keeps none", ml.FreezeAllButLast(-1), 10, "freeze_all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(t, 10)
			frozen := tt.policy.Apply(m)
			assert.Equal(t, tt.wantFrozen, frozen)
			assert.Equal(t, 10-tt.wantFrozen, ml.CountTrainable(m))
			assert.Equal(t, tt.wantString, tt.policy.String())

			for i, l := range m.Layers() {
				assert.Equal(t, i >= tt.wantFrozen, l.Trainable(), "layer %d", i)
			}
		})
	}
}

func TestNewPrediction(t *testing.T) {
	p, err := ml.NewPrediction([]float64{0.2, 0.8})
	require.NoError(t, err)
	assert.Equal(t, ml.LabelTumor, p.Label)
	assert.Equal(t, 1, p.ClassIndex)
	assert.Equal(t, 0.8, p.Confidence)

	p, err = ml.NewPrediction([]float64{0.9, 0.1})
	require.NoError(t, err)
	assert.Equal(t, ml.LabelNormal, p.Label)

	p, err = ml.NewPrediction([]float64{0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0, p.ClassIndex)

	// Any class other than 1 reads as Normal.
	p, err = ml.NewPrediction([]float64{0.1, 0.2, 0.7})
	require.NoError(t, err)
	assert.Equal(t, ml.LabelNormal, p.Label)

	_, err = ml.NewPrediction(nil)
	assert.Error(t, err)
}

func TestHistory_Best(t *testing.T) {
	h := ml.History{Epochs: []ml.EpochMetrics{
		{Epoch: 1, ValLoss: 0.9, ValAccuracy: 0.6},
		{Epoch: 2, ValLoss: 0.5, ValAccuracy: 0.8},
		{Epoch: 3, ValLoss: math.NaN(), ValAccuracy: 0.8},
		{Epoch: 4, ValLoss: 0.5, ValAccuracy: 0.7},
	}}

	best, ok := h.Best("val_loss", true)
	require.True(t, ok)
	assert.Equal(t, 2, best.Epoch)

	best, ok = h.Best("val_accuracy", false)
	require.True(t, ok)
	assert.Equal(t, 2, best.Epoch)

	_, ok = h.Best("f1", true)
	assert.False(t, ok)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 4, last.Epoch)
	assert.Equal(t, 4, h.Len())

	_, ok = ml.History{}.Last()
	assert.False(t, ok)
}

// countingSaver records the epoch of every save.
type countingSaver struct {
	saves []int
	epoch int
	err   error
}

func (s *countingSaver) Save(ctx context.Context, model ml.Model, path string) error {
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, s.epoch)
	return nil
}

func TestCheckpoint_SavesOnlyOnStrictImprovement(t *testing.T) {
	valLosses := []float64{0.9, 0.7, 0.7, 0.8, math.NaN(), 0.4, 0.4000001}
	saver := &countingSaver{}
	cp := ml.NewCheckpoint("model.keras", saver)
	ctx := context.Background()
	m := newModel(t, 3)

	require.NoError(t, cp.OnTrainBegin(ctx, m))
	best := math.Inf(1)
	for i, v := range valLosses {
		saver.epoch = i + 1
		require.NoError(t, cp.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: i + 1, ValLoss: v}, m))

		// After every epoch the saved model is the argmin so far.
		if v < best {
			best = v
		}
		got, _ := cp.Best()
		assert.Equal(t, best, got, "after epoch %d", i+1)
	}
	require.NoError(t, cp.OnTrainEnd(ctx, ml.History{}))

	assert.Equal(t, []int{1, 2, 6}, saver.saves)
	assert.Equal(t, 3, cp.Saves())
	_, epoch := cp.Best()
	assert.Equal(t, 6, epoch)
}

func TestCheckpoint_MaxModeAndErrors(t *testing.T) {
	ctx := context.Background()
	m := newModel(t, 3)

	saver := &countingSaver{}
	cp := &ml.Checkpoint{Path: "x", Monitor: "val_accuracy", Saver: saver}
	require.NoError(t, cp.OnTrainBegin(ctx, m))
	for i, acc := range []float64{0.5, 0.7, 0.6, 0.8} {
		saver.epoch = i + 1
		require.NoError(t, cp.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: i + 1, ValAccuracy: acc}, m))
	}
	assert.Equal(t, []int{1, 2, 4}, saver.saves)

	bad := &ml.Checkpoint{Path: "x", Monitor: "f1", Minimize: true, Saver: saver}
	require.NoError(t, bad.OnTrainBegin(ctx, m))
	assert.Error(t, bad.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 1}, m))

	failing := ml.NewCheckpoint("x", &countingSaver{err: errors.New("disk full")})
	require.NoError(t, failing.OnTrainBegin(ctx, m))
	err := failing.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 1, ValLoss: 0.5}, m)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, failing.Saves())
}

func TestTraceLogger(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	ctx := context.Background()

	l := ml.NewTraceLogger(root, start)
	assert.Equal(t, filepath.Join(root, "tb_logs_at_2024-03-09-14-05-07"), l.Dir)

	assert.Error(t, l.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 1}, nil), "writing before begin")

	require.NoError(t, l.OnTrainBegin(ctx, nil))
	require.NoError(t, l.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 1, Loss: 0.6, ValLoss: 0.7}, nil))
	require.NoError(t, l.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 2, Loss: 0.4, ValLoss: 0.5}, nil))
	require.NoError(t, l.OnTrainEnd(ctx, ml.History{}))
	require.NoError(t, l.OnTrainEnd(ctx, ml.History{}))

	f, err := os.Open(l.Path())
	require.NoError(t, err)
	defer f.Close()

	var epochs []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec struct {
			Epoch   int     `json:"epoch"`
			ValLoss float64 `json:"val_loss"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		epochs = append(epochs, rec.Epoch)
	}
	assert.Equal(t, []int{1, 2}, epochs)
}

func TestTraceLogger_ClosedWhenFitAborts(t *testing.T) {
	ctx := context.Background()
	eng := mltest.New()
	m, err := eng.LoadArchitecture(ctx, ml.ArchitectureSpec{ImageSize: []int{224, 224, 3}})
	require.NoError(t, err)
	full, err := eng.AddClassifierHead(ctx, m, 2)
	require.NoError(t, err)
	require.NoError(t, eng.Compile(ctx, full, ml.AdamOptions(0.01)))

	l := ml.NewTraceLogger(t.TempDir(), time.Now())
	bad := &ml.Checkpoint{Path: "x", Monitor: "f1", Minimize: true, Saver: &countingSaver{}}

	data := dataset.Partition{
		Classes: []string{"Normal", "Tumor"},
		Samples: []dataset.Sample{{Path: "a.jpg", Label: 0}, {Path: "b.jpg", Label: 1}},
	}
	hist, err := eng.Fit(ctx, full, ml.FitRequest{
		Train:      data,
		Validation: data,
		Epochs:     3,
		BatchSize:  2,
		Callbacks:  []ml.Callback{l, bad},
	})
	require.Error(t, err)
	assert.Equal(t, 1, hist.Len())

	assert.Error(t, l.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 2}, nil), "log is closed after the abort")
	assert.NoError(t, l.Close())
	assert.FileExists(t, l.Path())
}

func TestCloseCallbacks(t *testing.T) {
	ctx := context.Background()
	l := ml.NewTraceLogger(t.TempDir(), time.Now())
	require.NoError(t, l.OnTrainBegin(ctx, nil))

	cbs := []ml.Callback{l, ml.NewCheckpoint("x", &countingSaver{})}
	require.NoError(t, ml.CloseCallbacks(cbs))
	assert.Error(t, l.OnEpochEnd(ctx, ml.EpochMetrics{Epoch: 1}, nil))
	require.NoError(t, ml.CloseCallbacks(cbs), "closing twice is harmless")
}

func TestTraceLogDir_Sortable(t *testing.T) {
	earlier := ml.TraceLogDir("logs", time.Date(2024, 1, 2, 9, 0, 0, 0, time.Local))
	later := ml.TraceLogDir("logs", time.Date(2024, 1, 2, 10, 0, 0, 0, time.Local))
	assert.Less(t, earlier, later)
}
