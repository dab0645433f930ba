package ml

import "math"

// EpochMetrics are the metrics reported at the end of one epoch. Epoch is
// 1-based.
type EpochMetrics struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// Metric returns the named metric, using the Keras names.
func (m EpochMetrics) Metric(name string) (float64, bool) {
	switch name {
	case "loss":
		return m.Loss, true
	case "accuracy":
		return m.Accuracy, true
	case "val_loss":
		return m.ValLoss, true
	case "val_accuracy":
		return m.ValAccuracy, true
	default:
		return 0, false
	}
}

// History is the per-epoch record of a training run.
type History struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Len returns the number of completed epochs.
func (h History) Len() int {
	return len(h.Epochs)
}

// Last returns the final epoch's metrics.
func (h History) Last() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Best returns the epoch with the lowest (minimize) or highest value of
// metric. Ties keep the earliest epoch.
func (h History) Best(metric string, minimize bool) (EpochMetrics, bool) {
	var (
		best  EpochMetrics
		found bool
		score = math.Inf(1)
	)
	if !minimize {
		score = math.Inf(-1)
	}
	for _, e := range h.Epochs {
		v, ok := e.Metric(metric)
		if !ok || math.IsNaN(v) {
			continue
		}
		if (minimize && v < score) || (!minimize && v > score) {
			best, score, found = e, v, true
		}
	}
	return best, found
}
