package ml

import (
	"math"
	"math/rand"
)

// InitUniform fills data with a zero-mean uniform distribution of the given variance.
func InitUniform(rnd *rand.Rand, data []float64, variance float64) {
	var uniformVariance = 1.0 / 12
	var scale = math.Sqrt(variance / uniformVariance)
	for i := range data {
		data[i] = (rnd.Float64() - 0.5) * scale
	}
}

func Fill(data []float64, value float64) {
	for i := range data {
		data[i] = value
	}
}
