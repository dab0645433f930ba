package client

import (
	"context"
	"fmt"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/protocol"
)

var (
	_ ml.TrainingEngine  = (*Client)(nil)
	_ ml.InferenceEngine = (*Client)(nil)
)

type remoteLayer struct {
	name      string
	trainable bool
}

func (l *remoteLayer) Name() string        { return l.name }
func (l *remoteLayer) Trainable() bool     { return l.trainable }
func (l *remoteLayer) SetTrainable(t bool) { l.trainable = t }

// remoteModel is a handle to a model living in the worker.
type remoteModel struct {
	handle string
	name   string
	layers []*remoteLayer
}

func newRemoteModel(res protocol.ModelResult) (*remoteModel, error) {
	if res.Handle == "" {
		return nil, fmt.Errorf("worker returned a model without a handle")
	}
	m := &remoteModel{handle: res.Handle, name: res.Name}
	for _, l := range res.Layers {
		m.layers = append(m.layers, &remoteLayer{name: l.Name, trainable: l.Trainable})
	}
	return m, nil
}

func (m *remoteModel) Name() string { return m.name }

func (m *remoteModel) Layers() []ml.Layer {
	out := make([]ml.Layer, len(m.layers))
	for i, l := range m.layers {
		out[i] = l
	}
	return out
}

func (m *remoteModel) trainable() []bool {
	flags := make([]bool, len(m.layers))
	for i, l := range m.layers {
		flags[i] = l.trainable
	}
	return flags
}

func asRemote(m ml.Model) (*remoteModel, error) {
	rm, ok := m.(*remoteModel)
	if !ok || rm == nil {
		return nil, fmt.Errorf("model %T was not created by this worker", m)
	}
	return rm, nil
}

// LoadArchitecture builds a pretrained backbone in the worker.
func (c *Client) LoadArchitecture(ctx context.Context, spec ml.ArchitectureSpec) (ml.Model, error) {
	var res protocol.ModelResult
	if err := c.execute(ctx, protocol.CommandTypeLoadArchitecture, protocol.LoadArchitectureParams{Spec: spec}, &res); err != nil {
		return nil, err
	}
	return newRemoteModel(res)
}

// AddClassifierHead returns a new model with a softmax head. The base
// model's trainable flags travel with the command.
func (c *Client) AddClassifierHead(ctx context.Context, model ml.Model, numClasses int) (ml.Model, error) {
	rm, err := asRemote(model)
	if err != nil {
		return nil, err
	}
	var res protocol.ModelResult
	if err := c.execute(ctx, protocol.CommandTypeAddHead, protocol.AddHeadParams{
		Handle:     rm.handle,
		NumClasses: numClasses,
		Trainable:  rm.trainable(),
	}, &res); err != nil {
		return nil, err
	}
	return newRemoteModel(res)
}

// Compile applies the model's trainable flags and compiles it.
func (c *Client) Compile(ctx context.Context, model ml.Model, opts ml.CompileOptions) error {
	rm, err := asRemote(model)
	if err != nil {
		return err
	}
	return c.execute(ctx, protocol.CommandTypeCompile, protocol.CompileParams{
		Handle:    rm.handle,
		Trainable: rm.trainable(),
		Options:   opts,
	}, nil)
}

// Fit trains one epoch per worker command and runs the callbacks between
// epochs, so a checkpoint save is an ordinary command in the sequence.
func (c *Client) Fit(ctx context.Context, model ml.Model, req ml.FitRequest) (ml.History, error) {
	var hist ml.History

	rm, err := asRemote(model)
	if err != nil {
		return hist, err
	}
	defer ml.CloseCallbacks(req.Callbacks)

	for _, cb := range req.Callbacks {
		if err := cb.OnTrainBegin(ctx, model); err != nil {
			return hist, err
		}
	}

	for epoch := 1; epoch <= req.Epochs; epoch++ {
		var res protocol.FitResult
		params := protocol.FitParams{
			Handle:       rm.handle,
			Request:      req,
			InitialEpoch: epoch - 1,
			Epochs:       epoch,
		}
		if err := c.execute(ctx, protocol.CommandTypeFit, params, &res); err != nil {
			return hist, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		metrics := res.Metrics
		metrics.Epoch = epoch
		hist.Epochs = append(hist.Epochs, metrics)

		for _, cb := range req.Callbacks {
			if err := cb.OnEpochEnd(ctx, metrics, model); err != nil {
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

// Evaluate scores the model on a held-out partition.
func (c *Client) Evaluate(ctx context.Context, model ml.Model, req ml.EvalRequest) (ml.Score, error) {
	rm, err := asRemote(model)
	if err != nil {
		return ml.Score{}, err
	}
	var score ml.Score
	err = c.execute(ctx, protocol.CommandTypeEvaluate, protocol.EvaluateParams{Handle: rm.handle, Request: req}, &score)
	return score, err
}

// Save persists the model at path on the worker's filesystem.
func (c *Client) Save(ctx context.Context, model ml.Model, path string) error {
	rm, err := asRemote(model)
	if err != nil {
		return err
	}
	return c.execute(ctx, protocol.CommandTypeSave, protocol.SaveParams{
		Handle:    rm.handle,
		Path:      path,
		Trainable: rm.trainable(),
	}, nil)
}

// Load loads a persisted model.
func (c *Client) Load(ctx context.Context, path string) (ml.Model, error) {
	var res protocol.ModelResult
	if err := c.execute(ctx, protocol.CommandTypeLoad, protocol.LoadParams{Path: path}, &res); err != nil {
		return nil, err
	}
	return newRemoteModel(res)
}

// Predict classifies one image with the configured model.
func (c *Client) Predict(ctx context.Context, imagePath string) (ml.Prediction, error) {
	if c.cfg.ModelPath == "" {
		return ml.Prediction{}, fmt.Errorf("no model path configured for prediction")
	}
	var res protocol.PredictResult
	params := protocol.PredictParams{ModelPath: c.cfg.ModelPath, ImagePath: imagePath}
	if err := c.execute(ctx, protocol.CommandTypePredict, params, &res); err != nil {
		return ml.Prediction{}, err
	}
	return ml.NewPrediction(res.Probabilities)
}
