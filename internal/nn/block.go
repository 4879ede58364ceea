package nn

import (
	"math/rand"
	"strconv"

	"github.com/ChizhovVadim/valuenet/internal/ml"
	"gonum.org/v1/gonum/floats"
)

// residualBlock computes relu(bn2(conv2(relu(bn1(conv1(x))))) + x).
type residualBlock struct {
	conv1, conv2 *Conv2D
	bn1, bn2     *BatchNorm2D
	net          *Network

	hidden []float64
	output []float64
}

func newResidualBlock(net *Network, index, filters int, rnd *rand.Rand) *residualBlock {
	var name = "blocks." + strconv.Itoa(index)
	return &residualBlock{
		conv1: NewConv2D(name+".conv1", filters, filters, 3).InitWeights(rnd),
		bn1:   NewBatchNorm2D(name+".bn1", filters),
		conv2: NewConv2D(name+".conv2", filters, filters, 3).InitWeights(rnd),
		bn2:   NewBatchNorm2D(name+".bn2", filters),
		net:   net,
	}
}

func (b *residualBlock) params() []*ml.Param {
	var result []*ml.Param
	result = append(result, b.conv1.params()...)
	result = append(result, b.bn1.params()...)
	result = append(result, b.conv2.params()...)
	result = append(result, b.bn2.params()...)
	return result
}

func (b *residualBlock) buffers() []*ml.Param {
	return append(b.bn1.buffers(), b.bn2.buffers()...)
}

func (b *residualBlock) forward(x []float64, batch int, train bool) []float64 {
	var h = b.conv1.Forward(x, batch)
	h = ml.ReLU.Apply(b.bn1.Forward(h, batch, train))
	b.net.round(h)
	b.hidden = h
	var y = b.conv2.Forward(h, batch)
	y = b.bn2.Forward(y, batch, train)
	floats.Add(y, x)
	ml.ReLU.Apply(y)
	b.net.round(y)
	b.output = y
	return y
}

func (b *residualBlock) backward(dy []float64) []float64 {
	var d = make([]float64, len(dy))
	copy(d, dy)
	ml.ReLU.Derive(b.output, d)
	var skip = make([]float64, len(d))
	copy(skip, d)

	var dh = b.conv2.Backward(b.bn2.Backward(d))
	ml.ReLU.Derive(b.hidden, dh)
	var dx = b.conv1.Backward(b.bn1.Backward(dh))
	floats.Add(dx, skip)
	b.net.round(dx)
	return dx
}
