package nn

import (
	"math/rand"

	"github.com/ChizhovVadim/valuenet/internal/ml"
	"github.com/ChizhovVadim/valuenet/internal/planes"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

const (
	boardSize = planes.Files
	squares   = planes.Squares
)

// Conv2D is a bias-free same-padding convolution over 8x8 boards,
// computed as im2col followed by a matrix product.
type Conv2D struct {
	in, out, kernel int
	weight          *ml.Param

	input []float64
	batch int
}

func NewConv2D(name string, in, out, kernel int) *Conv2D {
	return &Conv2D{
		in:     in,
		out:    out,
		kernel: kernel,
		weight: ml.NewParam(name+".weight", out, in, kernel, kernel),
	}
}

func (c *Conv2D) InitWeights(rnd *rand.Rand) *Conv2D {
	var fanIn = c.in * c.kernel * c.kernel
	ml.InitUniform(rnd, c.weight.Data, 2.0/float64(fanIn))
	return c
}

func (c *Conv2D) params() []*ml.Param { return []*ml.Param{c.weight} }

func (c *Conv2D) colRows() int { return c.in * c.kernel * c.kernel }

func (c *Conv2D) weights(data []float64) blas64.General {
	return blas64.General{Rows: c.out, Cols: c.colRows(), Stride: c.colRows(), Data: data}
}

func matrix(rows int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: squares, Stride: squares, Data: data}
}

// im2col lays out one sample so that column p holds the receptive field of square p.
func (c *Conv2D) im2col(x, col []float64) {
	var pad = c.kernel / 2
	for ci := 0; ci < c.in; ci++ {
		var plane = x[ci*squares : (ci+1)*squares]
		for ky := 0; ky < c.kernel; ky++ {
			for kx := 0; kx < c.kernel; kx++ {
				var row = col[((ci*c.kernel+ky)*c.kernel+kx)*squares:][:squares]
				for f := 0; f < boardSize; f++ {
					var sf = f + ky - pad
					for r := 0; r < boardSize; r++ {
						var sr = r + kx - pad
						if sf < 0 || sf >= boardSize || sr < 0 || sr >= boardSize {
							row[f*boardSize+r] = 0
						} else {
							row[f*boardSize+r] = plane[sf*boardSize+sr]
						}
					}
				}
			}
		}
	}
}

func (c *Conv2D) col2im(col, dx []float64) {
	var pad = c.kernel / 2
	for ci := 0; ci < c.in; ci++ {
		var plane = dx[ci*squares : (ci+1)*squares]
		for ky := 0; ky < c.kernel; ky++ {
			for kx := 0; kx < c.kernel; kx++ {
				var row = col[((ci*c.kernel+ky)*c.kernel+kx)*squares:][:squares]
				for f := 0; f < boardSize; f++ {
					var sf = f + ky - pad
					if sf < 0 || sf >= boardSize {
						continue
					}
					for r := 0; r < boardSize; r++ {
						var sr = r + kx - pad
						if sr < 0 || sr >= boardSize {
							continue
						}
						plane[sf*boardSize+sr] += row[f*boardSize+r]
					}
				}
			}
		}
	}
}

func (c *Conv2D) Forward(x []float64, batch int) []float64 {
	c.input = x
	c.batch = batch
	var inSize, outSize = c.in * squares, c.out * squares
	var col = make([]float64, c.colRows()*squares)
	var y = make([]float64, batch*outSize)
	var w = c.weights(c.weight.Data)
	for s := 0; s < batch; s++ {
		c.im2col(x[s*inSize:(s+1)*inSize], col)
		blas64.Gemm(blas.NoTrans, blas.NoTrans,
			1, w, matrix(c.colRows(), col),
			0, matrix(c.out, y[s*outSize:(s+1)*outSize]))
	}
	return y
}

// Backward accumulates the weight gradient and returns the input gradient.
func (c *Conv2D) Backward(dy []float64) []float64 {
	var inSize, outSize = c.in * squares, c.out * squares
	var col = make([]float64, c.colRows()*squares)
	var dcol = make([]float64, c.colRows()*squares)
	var dx = make([]float64, c.batch*inSize)
	var w = c.weights(c.weight.Data)
	var dw = c.weights(c.weight.Grad)
	for s := 0; s < c.batch; s++ {
		var dys = matrix(c.out, dy[s*outSize:(s+1)*outSize])
		c.im2col(c.input[s*inSize:(s+1)*inSize], col)
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, dys, matrix(c.colRows(), col), 1, dw)
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, w, dys, 0, matrix(c.colRows(), dcol))
		c.col2im(dcol, dx[s*inSize:(s+1)*inSize])
	}
	return dx
}
