// Package checkpoint persists complete training state so that a run can be
// continued bit-exactly after it was stopped.
package checkpoint

import (
	"github.com/ChizhovVadim/valuenet/internal/amp"
	"github.com/ChizhovVadim/valuenet/internal/ml"
)

type HistoryEntry struct {
	Step    uint64
	AvgLoss float64
}

type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

type State struct {
	RunID     string
	Step      uint64
	// Epoch is zero-based. EpochStep batches of it are done and EpochLoss is their loss sum.
	Epoch     uint64
	EpochStep uint64
	EpochLoss float64
	History   []HistoryEntry
	Weights   []Tensor
	Optimizer ml.AdamState
	Scaler    amp.ScalerState
}

// FromParams copies tensors so that later training does not alter the saved values.
func FromParams(params []*ml.Param) []Tensor {
	var result = make([]Tensor, len(params))
	for i, p := range params {
		result[i] = Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return result
}
