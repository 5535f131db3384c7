// Package fastmath provides lookup-table approximations of exp and sigmoid.
//
// The argument is clamped to [-QuantBound, QuantBound], converted to a fixed-point
// integer with QuantBits fractional bits, and split into two MaskBits wide windows.
// exp(x) is then the product of one entry from a "low" table and one from a "high" table.
// Positive and negative arguments use separate table pairs, so both halves are products
// of values that are all >= 1 or all <= 1.
//
// Over [-80, 80] the relative error of Exp is below RelativeEpsilon. Beyond ~88.7 the
// result overflows float32 to +Inf, which keeps the function monotone.
package fastmath

import "math"

const (
	MaskBits   = 12
	MaskLen    = 1 << MaskBits
	MaskValue  = MaskLen - 1
	QuantBits  = 16
	QuantValue = 1 << QuantBits
	QuantBound = (1 << (2*MaskBits - QuantBits)) - 1

	// Upper bound on |Exp(x)-exp(x)| / exp(x) for x in [-80, 80].
	// Truncation to 1/QuantValue contributes at most exp(2^-16)-1 ~= 1.53e-5, and table
	// rounding a few float32 ulps on top of that.
	RelativeEpsilon = 1e-4
)

var (
	posLow  [MaskLen]float32
	posHigh [MaskLen]float32
	negLow  [MaskLen]float32
	negHigh [MaskLen]float32
)

func init() {
	for i := 0; i < MaskLen; i++ {
		low := float64(i) / QuantValue
		high := float64(i) * MaskLen / QuantValue
		posLow[i] = float32(math.Exp(low))
		posHigh[i] = float32(math.Exp(high))
		negLow[i] = float32(math.Exp(-low))
		negHigh[i] = float32(math.Exp(-high))
	}
}

// Exp returns an approximation of e^x
func Exp(x float32) float32 {
	if x > QuantBound {
		x = QuantBound
	} else if x < -QuantBound {
		x = -QuantBound
	}
	q := int32(x * QuantValue)
	if q < 0 {
		q = -q
		return negLow[q&MaskValue] * negHigh[(q>>MaskBits)&MaskValue]
	}
	return posLow[q&MaskValue] * posHigh[(q>>MaskBits)&MaskValue]
}

// Sigmoid returns an approximation of 1 / (1 + e^-x)
func Sigmoid(x float32) float32 {
	return 1 / (1 + Exp(-x))
}
