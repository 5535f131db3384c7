package fastmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpAccuracy(t *testing.T) {
	worst := 0.0
	for i := -8000; i <= 8000; i++ {
		x := float32(i) / 100
		exact := math.Exp(float64(x))
		rel := math.Abs(float64(Exp(x))-exact) / exact
		worst = max(worst, rel)
	}
	t.Logf("Worst relative error over [-80,80]: %v", worst)
	require.Less(t, worst, RelativeEpsilon)
}

func TestExpSpecialValues(t *testing.T) {
	require.Equal(t, float32(1), Exp(0))
	require.Equal(t, float32(0.5), Sigmoid(0))
	require.True(t, math.IsInf(float64(Exp(200)), 1))
	require.Equal(t, float32(0), Exp(-200))
	require.Equal(t, float32(1), Sigmoid(200))
	require.Equal(t, float32(0), Sigmoid(-200))
	// Clamped domain
	require.Equal(t, Exp(QuantBound), Exp(1000))
	require.Equal(t, Exp(-QuantBound), Exp(-1000))
}

func TestMonotonic(t *testing.T) {
	prevExp := Exp(-100)
	prevSig := Sigmoid(-100)
	for i := -100000; i <= 100000; i++ {
		x := float32(i) / 1000
		e := Exp(x)
		s := Sigmoid(x)
		require.GreaterOrEqual(t, e, prevExp, "Exp not monotonic at %v", x)
		require.GreaterOrEqual(t, s, prevSig, "Sigmoid not monotonic at %v", x)
		prevExp = e
		prevSig = s
	}
}

func TestDeterministic(t *testing.T) {
	for _, x := range []float32{-3.7, -0.001, 0.25, 1, 13.5} {
		a := Sigmoid(x)
		for i := 0; i < 10; i++ {
			require.Equal(t, a, Sigmoid(x))
		}
		require.InDelta(t, 1/(1+math.Exp(-float64(x))), float64(a), 1e-5)
	}
}
