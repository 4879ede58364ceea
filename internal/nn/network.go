// Package nn implements the residual convolutional value network together
// with its hand-written backward pass.
package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/ChizhovVadim/valuenet/internal/amp"
	"github.com/ChizhovVadim/valuenet/internal/ml"
	"github.com/ChizhovVadim/valuenet/internal/planes"
)

type Config struct {
	InputPlanes  int
	Filters      int
	Blocks       int
	HeadChannels int
	HiddenUnits  int
}

func DefaultConfig() Config {
	return Config{
		InputPlanes:  planes.Channels,
		Filters:      128,
		Blocks:       8,
		HeadChannels: 32,
		HiddenUnits:  128,
	}
}

func (c Config) Validate() error {
	if c.InputPlanes != planes.Channels {
		return fmt.Errorf("input planes %v, want %v", c.InputPlanes, planes.Channels)
	}
	if c.Filters <= 0 || c.HeadChannels <= 0 || c.HiddenUnits <= 0 {
		return errors.New("layer widths must be positive")
	}
	if c.Blocks < 0 {
		return errors.New("number of residual blocks must not be negative")
	}
	return nil
}

// Network is not safe for concurrent use: layers cache activations between Forward and Backward.
type Network struct {
	config Config
	half   bool

	stemConv *Conv2D
	stemBN   *BatchNorm2D
	blocks   []*residualBlock
	headConv *Conv2D
	headBN   *BatchNorm2D
	fc1      *Linear
	fc2      *Linear

	stemOut []float64
	headOut []float64
}

func Build(config Config, rnd *rand.Rand) (*Network, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var n = &Network{config: config}
	n.stemConv = NewConv2D("stem.conv", config.InputPlanes, config.Filters, 3).InitWeights(rnd)
	n.stemBN = NewBatchNorm2D("stem.bn", config.Filters)
	for i := 0; i < config.Blocks; i++ {
		n.blocks = append(n.blocks, newResidualBlock(n, i, config.Filters, rnd))
	}
	n.headConv = NewConv2D("head.conv", config.Filters, config.HeadChannels, 1).InitWeights(rnd)
	n.headBN = NewBatchNorm2D("head.bn", config.HeadChannels)
	n.fc1 = NewLinear("head.fc1", config.HeadChannels*planes.Squares, config.HiddenUnits,
		ml.ReLU).InitWeightsReLU(rnd)
	n.fc2 = NewLinear("head.fc2", config.HiddenUnits, 1,
		ml.Identity).InitWeightsLinear(rnd)
	return n, nil
}

func (n *Network) Config() Config { return n.config }

// SetHalf makes activations and activation gradients pass through binary16 rounding.
func (n *Network) SetHalf(half bool) { n.half = half }

func (n *Network) round(x []float64) {
	if n.half {
		amp.RoundHalf(x)
	}
}

// Params returns the trainable tensors in a stable order.
func (n *Network) Params() []*ml.Param {
	var result []*ml.Param
	result = append(result, n.stemConv.params()...)
	result = append(result, n.stemBN.params()...)
	for _, b := range n.blocks {
		result = append(result, b.params()...)
	}
	result = append(result, n.headConv.params()...)
	result = append(result, n.headBN.params()...)
	result = append(result, n.fc1.params()...)
	result = append(result, n.fc2.params()...)
	return result
}

func (n *Network) buffers() []*ml.Param {
	var result = n.stemBN.buffers()
	for _, b := range n.blocks {
		result = append(result, b.buffers()...)
	}
	return append(result, n.headBN.buffers()...)
}

// Tensors returns every persisted tensor: trainable parameters followed by batch norm statistics.
func (n *Network) Tensors() []*ml.Param {
	return append(n.Params(), n.buffers()...)
}

// Forward takes batch encoded positions laid out back to back and returns one value per position.
// In train mode batch statistics are used and running statistics are updated.
func (n *Network) Forward(input []float64, batch int, train bool) []float64 {
	var x = n.stemConv.Forward(input, batch)
	x = ml.ReLU.Apply(n.stemBN.Forward(x, batch, train))
	n.round(x)
	n.stemOut = x
	for _, b := range n.blocks {
		x = b.forward(x, batch, train)
	}
	x = n.headConv.Forward(x, batch)
	x = ml.ReLU.Apply(n.headBN.Forward(x, batch, train))
	n.round(x)
	n.headOut = x
	x = n.fc1.Forward(x, batch)
	n.round(x)
	x = n.fc2.Forward(x, batch)
	n.round(x)
	return x
}

// Backward accumulates parameter gradients for dOut, the loss gradient of the last Forward output.
func (n *Network) Backward(dOut []float64) {
	var d = n.fc2.Backward(dOut)
	n.round(d)
	d = n.fc1.Backward(d)
	n.round(d)
	ml.ReLU.Derive(n.headOut, d)
	d = n.headConv.Backward(n.headBN.Backward(d))
	n.round(d)
	for i := len(n.blocks) - 1; i >= 0; i-- {
		d = n.blocks[i].backward(d)
	}
	ml.ReLU.Derive(n.stemOut, d)
	n.stemConv.Backward(n.stemBN.Backward(d))
}

// Evaluate returns the eval-mode value of a single position in pawns.
func (n *Network) Evaluate(position *planes.Tensor) float64 {
	var input = make([]float64, planes.Size)
	FillInput(input, position)
	return n.Forward(input, 1, false)[0]
}

func FillInput(dst []float64, position *planes.Tensor) {
	for i, v := range position {
		dst[i] = float64(v)
	}
}
