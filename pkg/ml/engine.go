// Package ml defines the contracts between the pipeline and the model
// engines that build, train, evaluate and serve the classifier.
//
// The pipeline never computes gradients or decodes images itself. It
// describes work (an ArchitectureSpec, a FitRequest, an EvalRequest) and
// hands it to a TrainingEngine or an InferenceEngine. Two engines exist:
// the worker client in pkg/mlrunner/client, which drives an external
// training process, and the deterministic engine in pkg/ml/mltest.
package ml

import (
	"context"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/dataset"
)

// Layer is one layer of a model.
type Layer interface {
	Name() string
	Trainable() bool
	SetTrainable(trainable bool)
}

// Model is an engine-owned model handle.
type Model interface {
	// Name identifies the architecture, e.g. "vgg16".
	Name() string

	// Layers returns the model's layers in order. Changes made through
	// SetTrainable take effect at the next Compile.
	Layers() []Layer
}

// ArchitectureSpec selects a pretrained backbone.
type ArchitectureSpec struct {
	// Weights names the pretrained weight set; empty means random
	// initialization.
	Weights string `json:"weights,omitempty"`

	// ImageSize is the input shape as height, width and channels.
	ImageSize []int `json:"image_size"`

	// IncludeTop keeps the backbone's own classifier layers.
	IncludeTop bool `json:"include_top"`

	// NumClasses is the number of output classes.
	NumClasses int `json:"num_classes"`
}

// Optimizer, loss and metric names understood by every engine.
const (
	OptimizerAdam               = "adam"
	LossCategoricalCrossentropy = "categorical_crossentropy"
	MetricAccuracy              = "accuracy"
)

// CompileOptions configures training of a model.
type CompileOptions struct {
	Optimizer    string   `json:"optimizer"`
	LearningRate float64  `json:"learning_rate"`
	Loss         string   `json:"loss"`
	Metrics      []string `json:"metrics"`
}

// AdamOptions returns the compile options used by every stage: Adam at
// learningRate, categorical cross-entropy and accuracy.
func AdamOptions(learningRate float64) CompileOptions {
	return CompileOptions{
		Optimizer:    OptimizerAdam,
		LearningRate: learningRate,
		Loss:         LossCategoricalCrossentropy,
		Metrics:      []string{MetricAccuracy},
	}
}

// Augmentation describes random transformations applied to training
// images. Factors are fractions of a full turn, of the image extent and of
// the image scale respectively.
type Augmentation struct {
	Rotation       float64 `json:"rotation"`
	Translation    float64 `json:"translation"`
	Zoom           float64 `json:"zoom"`
	HorizontalFlip bool    `json:"horizontal_flip"`
}

// DefaultAugmentation returns the training augmentation policy.
func DefaultAugmentation() *Augmentation {
	return &Augmentation{
		Rotation:       0.1,
		Translation:    0.2,
		Zoom:           0.2,
		HorizontalFlip: true,
	}
}

// FitRequest describes one training run.
type FitRequest struct {
	Train      dataset.Partition `json:"train"`
	Validation dataset.Partition `json:"validation"`

	// Epochs is the number of epochs to run, numbered from InitialEpoch+1.
	Epochs          int `json:"epochs"`
	InitialEpoch    int `json:"initial_epoch,omitempty"`
	StepsPerEpoch   int `json:"steps_per_epoch"`
	ValidationSteps int `json:"validation_steps"`

	ImageSize []int `json:"image_size"`
	BatchSize int   `json:"batch_size"`

	// Augmentation applies to the training partition only; nil disables it.
	Augmentation *Augmentation `json:"augmentation,omitempty"`

	// Callbacks are invoked by the engine, in order.
	Callbacks []Callback `json:"-"`
}

// EvalRequest describes an evaluation over a held-out partition.
type EvalRequest struct {
	Data      dataset.Partition `json:"data"`
	ImageSize []int             `json:"image_size"`
	BatchSize int               `json:"batch_size"`
	Steps     int               `json:"steps"`
}

// Score is the outcome of an evaluation.
type Score struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// TrainingEngine builds, trains, evaluates and persists models.
type TrainingEngine interface {
	LoadArchitecture(ctx context.Context, spec ArchitectureSpec) (Model, error)
	AddClassifierHead(ctx context.Context, model Model, numClasses int) (Model, error)
	Compile(ctx context.Context, model Model, opts CompileOptions) error
	Fit(ctx context.Context, model Model, req FitRequest) (History, error)
	Evaluate(ctx context.Context, model Model, req EvalRequest) (Score, error)
	Save(ctx context.Context, model Model, path string) error
	Load(ctx context.Context, path string) (Model, error)
}

// Saver persists a model. TrainingEngine implements it.
type Saver interface {
	Save(ctx context.Context, model Model, path string) error
}

// InferenceEngine classifies single images.
type InferenceEngine interface {
	Predict(ctx context.Context, imagePath string) (Prediction, error)
}

// StepsFor returns the number of batches needed to cover n samples.
func StepsFor(n, batchSize int) int {
	if n <= 0 || batchSize <= 0 {
		return 0
	}
	return (n + batchSize - 1) / batchSize
}

// CountTrainable returns the number of trainable layers.
func CountTrainable(m Model) int {
	n := 0
	for _, l := range m.Layers() {
		if l.Trainable() {
			n++
		}
	}
	return n
}
