package nn

import (
	"math"

	"github.com/ChizhovVadim/valuenet/internal/ml"
)

const (
	bnMomentum = 0.1
	bnEpsilon  = 1e-5
)

// BatchNorm2D normalises every channel over batch and board squares.
// Training mode uses batch statistics and updates the running estimates,
// eval mode uses the running estimates only.
type BatchNorm2D struct {
	channels    int
	gamma       *ml.Param
	beta        *ml.Param
	runningMean *ml.Param
	runningVar  *ml.Param

	xhat   []float64
	invStd []float64
	batch  int
}

func NewBatchNorm2D(name string, channels int) *BatchNorm2D {
	var bn = &BatchNorm2D{
		channels:    channels,
		gamma:       ml.NewParam(name+".weight", channels),
		beta:        ml.NewParam(name+".bias", channels),
		runningMean: ml.NewBuffer(name+".running_mean", channels),
		runningVar:  ml.NewBuffer(name+".running_var", channels),
		invStd:      make([]float64, channels),
	}
	ml.Fill(bn.gamma.Data, 1)
	ml.Fill(bn.runningVar.Data, 1)
	return bn
}

func (bn *BatchNorm2D) params() []*ml.Param { return []*ml.Param{bn.gamma, bn.beta} }

func (bn *BatchNorm2D) buffers() []*ml.Param {
	return []*ml.Param{bn.runningMean, bn.runningVar}
}

func (bn *BatchNorm2D) Forward(x []float64, batch int, train bool) []float64 {
	var y = make([]float64, len(x))
	var planeSize = bn.channels * squares
	if !train {
		for c := 0; c < bn.channels; c++ {
			var invStd = 1 / math.Sqrt(bn.runningVar.Data[c]+bnEpsilon)
			var mean = bn.runningMean.Data[c]
			var g, b = bn.gamma.Data[c], bn.beta.Data[c]
			for s := 0; s < batch; s++ {
				var offset = s*planeSize + c*squares
				for p := offset; p < offset+squares; p++ {
					y[p] = g*(x[p]-mean)*invStd + b
				}
			}
		}
		return y
	}

	bn.batch = batch
	bn.xhat = make([]float64, len(x))
	var m = float64(batch * squares)
	for c := 0; c < bn.channels; c++ {
		var sum float64
		for s := 0; s < batch; s++ {
			var offset = s*planeSize + c*squares
			for p := offset; p < offset+squares; p++ {
				sum += x[p]
			}
		}
		var mean = sum / m
		var sq float64
		for s := 0; s < batch; s++ {
			var offset = s*planeSize + c*squares
			for p := offset; p < offset+squares; p++ {
				var d = x[p] - mean
				sq += d * d
			}
		}
		var variance = sq / m
		var invStd = 1 / math.Sqrt(variance+bnEpsilon)
		bn.invStd[c] = invStd

		var g, b = bn.gamma.Data[c], bn.beta.Data[c]
		for s := 0; s < batch; s++ {
			var offset = s*planeSize + c*squares
			for p := offset; p < offset+squares; p++ {
				var xhat = (x[p] - mean) * invStd
				bn.xhat[p] = xhat
				y[p] = g*xhat + b
			}
		}

		bn.runningMean.Data[c] = (1-bnMomentum)*bn.runningMean.Data[c] + bnMomentum*mean
		bn.runningVar.Data[c] = (1-bnMomentum)*bn.runningVar.Data[c] + bnMomentum*variance*m/(m-1)
	}
	return y
}

func (bn *BatchNorm2D) Backward(dy []float64) []float64 {
	var dx = make([]float64, len(dy))
	var planeSize = bn.channels * squares
	var m = float64(bn.batch * squares)
	for c := 0; c < bn.channels; c++ {
		var sumDy, sumDyXhat float64
		for s := 0; s < bn.batch; s++ {
			var offset = s*planeSize + c*squares
			for p := offset; p < offset+squares; p++ {
				sumDy += dy[p]
				sumDyXhat += dy[p] * bn.xhat[p]
			}
		}
		bn.gamma.Grad[c] += sumDyXhat
		bn.beta.Grad[c] += sumDy

		var k = bn.gamma.Data[c] * bn.invStd[c] / m
		for s := 0; s < bn.batch; s++ {
			var offset = s*planeSize + c*squares
			for p := offset; p < offset+squares; p++ {
				dx[p] = k * (m*dy[p] - sumDy - bn.xhat[p]*sumDyXhat)
			}
		}
	}
	return dx
}
