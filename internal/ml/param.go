package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Param is a named tensor with an accumulated gradient.
// Grad is nil for state that is saved with the model but not trained.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

func NewParam(name string, shape ...int) *Param {
	var size = 1
	for _, d := range shape {
		size *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// NewBuffer creates non-trainable state such as batch norm running statistics.
func NewBuffer(name string, shape ...int) *Param {
	var p = NewParam(name, shape...)
	p.Grad = nil
	return p
}

func (p *Param) Size() int { return len(p.Data) }

func ZeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func GlobalNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		sum += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sum)
}

func ScaleGrads(params []*Param, scale float64) {
	for _, p := range params {
		floats.Scale(scale, p.Grad)
	}
}

// ClipGradNorm rescales all gradients so that their global L2 norm does not exceed maxNorm.
// It returns the norm before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	var norm = GlobalNorm(params)
	var coef = maxNorm / (norm + 1e-6)
	if coef < 1 {
		ScaleGrads(params, coef)
	}
	return norm
}

func GradsFinite(params []*Param) bool {
	for _, p := range params {
		for _, v := range p.Grad {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
