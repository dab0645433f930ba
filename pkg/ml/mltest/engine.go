// Package mltest provides a deterministic, file-backed model engine for
// tests. Models are small JSON documents; training produces scripted
// metrics and calls every callback exactly as a real engine would.
package mltest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
)

// Layer is an in-memory layer.
type Layer struct {
	LayerName   string `json:"name"`
	IsTrainable bool   `json:"trainable"`
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.LayerName }

// Trainable reports whether the layer is trainable.
func (l *Layer) Trainable() bool { return l.IsTrainable }

// SetTrainable sets the trainable flag.
func (l *Layer) SetTrainable(t bool) { l.IsTrainable = t }

// Model is the engine's model representation and its on-disk format.
type Model struct {
	Arch          string             `json:"arch"`
	Weights       string             `json:"weights,omitempty"`
	ImageSize     []int              `json:"image_size"`
	LayerList     []*Layer           `json:"layers"`
	NumClasses    int                `json:"num_classes,omitempty"`
	Compiled      *ml.CompileOptions `json:"compiled,omitempty"`
	TrainedEpochs int                `json:"trained_epochs"`
}

// Name returns the architecture name.
func (m *Model) Name() string { return m.Arch }

// Layers returns the layers.
func (m *Model) Layers() []ml.Layer {
	out := make([]ml.Layer, len(m.LayerList))
	for i, l := range m.LayerList {
		out[i] = l
	}
	return out
}

// DefaultBackboneLayers is the layer count of the backbone without its
// classifier, matching VGG16.
const DefaultBackboneLayers = 19

// Engine implements ml.TrainingEngine and ml.InferenceEngine.
type Engine struct {
	// BackboneLayers is the number of layers LoadArchitecture creates.
	BackboneLayers int

	// ValLosses scripts val_loss per epoch. Epochs beyond the script use a
	// decreasing default curve.
	ValLosses []float64

	// Score is returned by Evaluate.
	Score ml.Score

	// Probabilities is returned by Predict.
	Probabilities []float64

	// Errors makes the named method fail, e.g. Errors["Fit"].
	Errors map[string]error

	mu          sync.Mutex
	calls       []string
	lastFit     *ml.FitRequest
	lastEval    *ml.EvalRequest
	lastCompile *ml.CompileOptions
}

// New returns an engine with passing defaults.
func New() *Engine {
	return &Engine{
		BackboneLayers: DefaultBackboneLayers,
		Score:          ml.Score{Loss: 0.31, Accuracy: 0.9},
		Probabilities:  []float64{0.2, 0.8},
		Errors:         map[string]error{},
	}
}

// Calls returns the engine methods called so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// LastFit returns the most recent fit request.
func (e *Engine) LastFit() *ml.FitRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFit
}

// LastEval returns the most recent evaluation request.
func (e *Engine) LastEval() *ml.EvalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEval
}

// LastCompile returns the most recent compile options.
func (e *Engine) LastCompile() *ml.CompileOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCompile
}

func (e *Engine) enter(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, method)
	return e.Errors[method]
}

func asModel(m ml.Model) (*Model, error) {
	mm, ok := m.(*Model)
	if !ok {
		return nil, fmt.Errorf("mltest: foreign model type %T", m)
	}
	return mm, nil
}

// LoadArchitecture creates a fresh backbone, all layers trainable.
func (e *Engine) LoadArchitecture(ctx context.Context, spec ml.ArchitectureSpec) (ml.Model, error) {
	if err := e.enter("LoadArchitecture"); err != nil {
		return nil, err
	}
	if len(spec.ImageSize) != 3 {
		return nil, fmt.Errorf("mltest: image size must have three dimensions, got %v", spec.ImageSize)
	}

	n := e.BackboneLayers
	if n <= 0 {
		n = DefaultBackboneLayers
	}
	m := &Model{
		Arch:      "vgg16",
		Weights:   spec.Weights,
		ImageSize: append([]int(nil), spec.ImageSize...),
	}
	for i := 0; i < n; i++ {
		m.LayerList = append(m.LayerList, &Layer{LayerName: fmt.Sprintf("block_%02d", i), IsTrainable: true})
	}
	if spec.IncludeTop {
		m.LayerList = append(m.LayerList,
			&Layer{LayerName: "fc1", IsTrainable: true},
			&Layer{LayerName: "fc2", IsTrainable: true},
			&Layer{LayerName: "predictions", IsTrainable: true})
		m.NumClasses = spec.NumClasses
	}
	return m, nil
}

// AddClassifierHead appends flatten and softmax layers.
func (e *Engine) AddClassifierHead(ctx context.Context, model ml.Model, numClasses int) (ml.Model, error) {
	if err := e.enter("AddClassifierHead"); err != nil {
		return nil, err
	}
	m, err := asModel(model)
	if err != nil {
		return nil, err
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("mltest: need at least two classes, got %d", numClasses)
	}

	out := *m
	out.LayerList = append(append([]*Layer(nil), m.LayerList...),
		&Layer{LayerName: "flatten", IsTrainable: true},
		&Layer{LayerName: "softmax", IsTrainable: true})
	out.NumClasses = numClasses
	out.Compiled = nil
	return &out, nil
}

// Compile records the options on the model.
func (e *Engine) Compile(ctx context.Context, model ml.Model, opts ml.CompileOptions) error {
	if err := e.enter("Compile"); err != nil {
		return err
	}
	m, err := asModel(model)
	if err != nil {
		return err
	}
	if opts.LearningRate <= 0 {
		return fmt.Errorf("mltest: learning rate must be positive")
	}

	o := opts
	m.Compiled = &o
	e.mu.Lock()
	e.lastCompile = &o
	e.mu.Unlock()
	return nil
}

// Fit runs the scripted epochs, invoking every callback.
func (e *Engine) Fit(ctx context.Context, model ml.Model, req ml.FitRequest) (ml.History, error) {
	if err := e.enter("Fit"); err != nil {
		return ml.History{}, err
	}
	m, err := asModel(model)
	if err != nil {
		return ml.History{}, err
	}
	if m.Compiled == nil {
		return ml.History{}, fmt.Errorf("mltest: model must be compiled before fit")
	}
	if req.Train.Len() == 0 || req.Validation.Len() == 0 {
		return ml.History{}, fmt.Errorf("mltest: empty partition")
	}

	e.mu.Lock()
	r := req
	e.lastFit = &r
	e.mu.Unlock()
	defer ml.CloseCallbacks(req.Callbacks)

	for _, cb := range req.Callbacks {
		if err := cb.OnTrainBegin(ctx, m); err != nil {
			return ml.History{}, err
		}
	}

	var hist ml.History
	for epoch := req.InitialEpoch + 1; epoch <= req.InitialEpoch+req.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		metrics := e.epochMetrics(epoch)
		m.TrainedEpochs++
		hist.Epochs = append(hist.Epochs, metrics)
		for _, cb := range req.Callbacks {
			if err := cb.OnEpochEnd(ctx, metrics, m); err != nil {
				return hist, err
			}
		}
	}

	for _, cb := range req.Callbacks {
		if err := cb.OnTrainEnd(ctx, hist); err != nil {
			return hist, err
		}
	}
	return hist, nil
}

func (e *Engine) epochMetrics(epoch int) ml.EpochMetrics {
	loss := 1.0/float64(epoch+1) + 0.1
	valLoss := loss + 0.05
	if epoch <= len(e.ValLosses) {
		valLoss = e.ValLosses[epoch-1]
	}
	return ml.EpochMetrics{
		Epoch:       epoch,
		Loss:        loss,
		Accuracy:    1 - loss/2,
		ValLoss:     valLoss,
		ValAccuracy: 1 - valLoss/2,
	}
}

// Evaluate returns the configured score.
func (e *Engine) Evaluate(ctx context.Context, model ml.Model, req ml.EvalRequest) (ml.Score, error) {
	if err := e.enter("Evaluate"); err != nil {
		return ml.Score{}, err
	}
	if _, err := asModel(model); err != nil {
		return ml.Score{}, err
	}
	if req.Data.Len() == 0 {
		return ml.Score{}, fmt.Errorf("mltest: empty evaluation partition")
	}

	e.mu.Lock()
	r := req
	e.lastEval = &r
	e.mu.Unlock()
	return e.Score, nil
}

// Save writes the model as JSON.
func (e *Engine) Save(ctx context.Context, model ml.Model, path string) error {
	if err := e.enter("Save"); err != nil {
		return err
	}
	m, err := asModel(model)
	if err != nil {
		return err
	}
	return artifacts.WriteJSON(path, m)
}

// Load reads a model written by Save.
func (e *Engine) Load(ctx context.Context, path string) (ml.Model, error) {
	if err := e.enter("Load"); err != nil {
		return nil, err
	}
	var m Model
	if err := artifacts.ReadJSON(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Predict classifies an existing image with the configured probabilities.
func (e *Engine) Predict(ctx context.Context, imagePath string) (ml.Prediction, error) {
	if err := e.enter("Predict"); err != nil {
		return ml.Prediction{}, err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return ml.Prediction{}, fmt.Errorf("mltest: %w", err)
	}
	return ml.NewPrediction(e.Probabilities)
}

var (
	_ ml.TrainingEngine  = (*Engine)(nil)
	_ ml.InferenceEngine = (*Engine)(nil)
)
