package ml

// Loss reduces a batch of predictions to a scalar and writes
// d(loss)/d(predicted) into grad.
type Loss interface {
	Loss(predicted []float64, targets []float32, grad []float64) float64
}

// MeanSquaredError is the batch mean of (predicted - target)^2.
type MeanSquaredError struct{}

func (MeanSquaredError) Loss(predicted []float64, targets []float32, grad []float64) float64 {
	var n = float64(len(predicted))
	var sum float64
	for i, p := range predicted {
		var diff = p - float64(targets[i])
		sum += diff * diff
		grad[i] = 2 * diff / n
	}
	return sum / n
}
