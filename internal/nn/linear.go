package nn

import (
	"math/rand"

	"github.com/ChizhovVadim/valuenet/internal/ml"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

type Linear struct {
	in, out      int
	weight       *ml.Param
	bias         *ml.Param
	activation ml.Activation

	input  []float64
	output []float64
	batch  int
}

func NewLinear(name string, in, out int, activation ml.Activation) *Linear {
	return &Linear{
		in:         in,
		out:        out,
		weight:     ml.NewParam(name+".weight", out, in),
		bias:       ml.NewParam(name+".bias", out),
		activation: activation,
	}
}

func (l *Linear) InitWeightsReLU(rnd *rand.Rand) *Linear {
	ml.InitUniform(rnd, l.weight.Data, 2.0/float64(l.in))
	return l
}

func (l *Linear) InitWeightsLinear(rnd *rand.Rand) *Linear {
	ml.InitUniform(rnd, l.weight.Data, 2.0/float64(l.in+l.out))
	return l
}

func (l *Linear) params() []*ml.Param { return []*ml.Param{l.weight, l.bias} }

func (l *Linear) Forward(x []float64, batch int) []float64 {
	l.input = x
	l.batch = batch
	var y = make([]float64, batch*l.out)
	blas64.Gemm(blas.NoTrans, blas.Trans,
		1, general(batch, l.in, x), general(l.out, l.in, l.weight.Data),
		0, general(batch, l.out, y))
	for s := 0; s < batch; s++ {
		var row = y[s*l.out : (s+1)*l.out]
		for j := range row {
			row[j] += l.bias.Data[j]
		}
	}
	l.output = l.activation.Apply(y)
	return l.output
}

func (l *Linear) Backward(dy []float64) []float64 {
	var dz = make([]float64, len(dy))
	copy(dz, dy)
	l.activation.Derive(l.output, dz)
	for s := 0; s < l.batch; s++ {
		var row = dz[s*l.out : (s+1)*l.out]
		for j, v := range row {
			l.bias.Grad[j] += v
		}
	}
	blas64.Gemm(blas.Trans, blas.NoTrans,
		1, general(l.batch, l.out, dz), general(l.batch, l.in, l.input),
		1, general(l.out, l.in, l.weight.Grad))
	var dx = make([]float64, l.batch*l.in)
	blas64.Gemm(blas.NoTrans, blas.NoTrans,
		1, general(l.batch, l.out, dz), general(l.out, l.in, l.weight.Data),
		0, general(l.batch, l.in, dx))
	return dx
}

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
