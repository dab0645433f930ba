package ml

import "fmt"

// Class labels reported by inference.
const (
	LabelNormal = "Normal"
	LabelTumor  = "Tumor"
)

// Prediction is the classification of one image.
type Prediction struct {
	Label         string    `json:"label"`
	ClassIndex    int       `json:"class_index"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

// LabelFor maps a class index to its label: 1 is Tumor, anything else is
// Normal.
func LabelFor(index int) string {
	if index == 1 {
		return LabelTumor
	}
	return LabelNormal
}

// NewPrediction picks the most probable class. Ties keep the lower index.
func NewPrediction(probabilities []float64) (Prediction, error) {
	if len(probabilities) == 0 {
		return Prediction{}, fmt.Errorf("no class probabilities")
	}
	best := 0
	for i, p := range probabilities {
		if p > probabilities[best] {
			best = i
		}
	}
	return Prediction{
		Label:         LabelFor(best),
		ClassIndex:    best,
		Confidence:    probabilities[best],
		Probabilities: append([]float64(nil), probabilities...),
	}, nil
}
