package ml

import (
	"fmt"
	"math"
)

const (
	Beta1   = 0.9
	Beta2   = 0.999
	Epsilon = 1e-8
)

type Moments struct {
	M1 []float64
	M2 []float64
}

// AdamState is everything needed to continue optimisation bit-exactly.
type AdamState struct {
	Step    uint64
	Moments []Moments
}

// Adam keeps first and second moment estimates per parameter, in the order
// of the params slice it was created with.
type Adam struct {
	LearningRate float64
	state        AdamState
}

func NewAdam(params []*Param, learningRate float64) *Adam {
	var moments = make([]Moments, len(params))
	for i, p := range params {
		moments[i] = Moments{
			M1: make([]float64, p.Size()),
			M2: make([]float64, p.Size()),
		}
	}
	return &Adam{
		LearningRate: learningRate,
		state:        AdamState{Moments: moments},
	}
}

func (a *Adam) Step(params []*Param) {
	a.state.Step++
	var t = float64(a.state.Step)
	var c1 = 1 - math.Pow(Beta1, t)
	var c2 = 1 - math.Pow(Beta2, t)
	for i, p := range params {
		var m = &a.state.Moments[i]
		for j, g := range p.Grad {
			m.M1[j] = m.M1[j]*Beta1 + g*(1-Beta1)
			m.M2[j] = m.M2[j]*Beta2 + (g*g)*(1-Beta2)
			var m1 = m.M1[j] / c1
			var m2 = m.M2[j] / c2
			p.Data[j] -= a.LearningRate * m1 / (math.Sqrt(m2) + Epsilon)
		}
	}
}

func (a *Adam) State() AdamState { return a.state }

func (a *Adam) SetState(state AdamState) error {
	if len(state.Moments) != len(a.state.Moments) {
		return fmt.Errorf("optimizer state has %v tensors, want %v",
			len(state.Moments), len(a.state.Moments))
	}
	for i := range state.Moments {
		var want = len(a.state.Moments[i].M1)
		if len(state.Moments[i].M1) != want || len(state.Moments[i].M2) != want {
			return fmt.Errorf("optimizer state tensor %v has wrong size", i)
		}
	}
	a.state = state
	return nil
}
