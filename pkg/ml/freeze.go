package ml

import "fmt"

// FreezePolicy selects which layers of a pretrained backbone stay
// trainable.
type FreezePolicy struct {
	// KeepTrainable is the number of trailing layers left trainable. Zero
	// freezes every layer.
	KeepTrainable int
}

// FreezeAll freezes every layer.
func FreezeAll() FreezePolicy {
	return FreezePolicy{}
}

// FreezeAllButLast freezes every layer except the last k.
func FreezeAllButLast(k int) FreezePolicy {
	return FreezePolicy{KeepTrainable: k}
}

// String describes the policy.
func (p FreezePolicy) String() string {
	if p.KeepTrainable <= 0 {
		return "freeze_all"
	}
	return fmt.Sprintf("freeze_all_but_last_%d", p.KeepTrainable)
}

// Apply sets the trainable flag on every layer of m and returns the number
// of frozen layers.
func (p FreezePolicy) Apply(m Model) int {
	layers := m.Layers()
	keep := min(max(p.KeepTrainable, 0), len(layers))
	cut := len(layers) - keep
	for i, l := range layers {
		l.SetTrainable(i >= cut)
	}
	return cut
}
