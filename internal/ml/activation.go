package ml

// Activation is an elementwise nonlinearity applied to a whole layer output.
// Derive masks grad in place using the activation output, so layers need not
// keep their pre-activation values.
type Activation interface {
	Apply(x []float64) []float64
	Derive(output, grad []float64)
}

var (
	Identity Activation = identity{}
	ReLU     Activation = relu{}
)

type identity struct{}

func (identity) Apply(x []float64) []float64 { return x }
func (identity) Derive(output, grad []float64) {}

type relu struct{}

func (relu) Apply(x []float64) []float64 {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
	return x
}

// Derive zeroes the gradient wherever the output was not positive.
func (relu) Derive(output, grad []float64) {
	for i, v := range output {
		if v <= 0 {
			grad[i] = 0
		}
	}
}
