package amp

import "math"

const (
	halfMax      = 65504.0
	halfOverflow = 65520.0
	halfMinExp   = -14
	halfMantissa = 10
)

// RoundHalf rounds every value to the nearest IEEE 754 binary16 number, ties to even.
// Values beyond the half range become infinities, tiny values become subnormals or zero.
func RoundHalf(x []float64) {
	for i, v := range x {
		x[i] = roundHalf(v)
	}
}

func roundHalf(v float64) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	var a = math.Abs(v)
	if a >= halfOverflow {
		return math.Inf(sign(v))
	}
	var _, exp = math.Frexp(a)
	var e = exp - 1
	if e < halfMinExp {
		e = halfMinExp
	}
	var quantum = math.Ldexp(1, e-halfMantissa)
	return math.Copysign(math.RoundToEven(a/quantum)*quantum, v)
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
