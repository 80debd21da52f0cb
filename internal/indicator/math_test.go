package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assertNaNOrEqual(t *testing.T, want, got float64, msgAndArgs ...interface{}) {
	t.Helper()
	if math.IsNaN(want) {
		assert.True(t, math.IsNaN(got), msgAndArgs...)
		return
	}
	assert.InDelta(t, want, got, 1e-9, msgAndArgs...)
}

func TestSMALiteral(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{math.NaN(), math.NaN(), 2, 3, 4}
	for i := range want {
		assertNaNOrEqual(t, want[i], got[i])
	}
}

func TestEMALiteralConstantSeries(t *testing.T) {
	got := EMA([]float64{1, 1, 1, 1, 1}, 3)
	want := []float64{math.NaN(), math.NaN(), 1, 1, 1}
	for i := range want {
		assertNaNOrEqual(t, want[i], got[i])
	}
}

func TestWMAShortInputAllNaN(t *testing.T) {
	got := WMA([]float64{1, 2}, 5)
	for _, v := range got {
		assert.True(t, math.IsNaN(v))
	}
}

func TestRSIStrictlyIncreasingIs100(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	got := RSI(values, 14)
	assert.InDelta(t, 100.0, got, 1e-9)
}

func TestRSITooShortIsNaN(t *testing.T) {
	got := RSI([]float64{1, 2, 3}, 14)
	assert.True(t, math.IsNaN(got))
}

func TestATRConstantRangeIsConstant(t *testing.T) {
	highs := []float64{11, 11, 11, 11, 11}
	lows := []float64{9, 9, 9, 9, 9}
	closes := []float64{10, 10, 10, 10, 10}
	got := ATR(highs, lows, closes, 3)
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestMACDUsesTrueEMAOfMACDAsSignal(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = float64(i) + 1
	}
	result := MACD(values, 12, 26, 9)
	assert.False(t, math.IsNaN(result.MACD))
	assert.False(t, math.IsNaN(result.Signal))
	assert.InDelta(t, result.MACD-result.Signal, result.Histogram, 1e-9)

	// The signal line must be the EMA of the macd line itself, not a crude
	// fraction of the latest macd value.
	assert.NotEqual(t, result.MACD*0.8, result.Signal)
}

func TestBollingerPopulationStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	got := Bollinger(values, 8, 2)
	// population variance of this set is 4, stddev 2.
	assert.InDelta(t, 5.0, got.Middle, 1e-9)
	assert.InDelta(t, 9.0, got.Upper, 1e-9)
	assert.InDelta(t, 1.0, got.Lower, 1e-9)
}

func TestCrossUpDetectsMostRecentCrossing(t *testing.T) {
	a := []float64{1, 1, 3}
	b := []float64{2, 2, 2}
	assert.True(t, CrossUp(a, b))
	assert.False(t, CrossDown(a, b))
}

func TestCrossDownDetectsMostRecentCrossing(t *testing.T) {
	a := []float64{3, 3, 1}
	b := []float64{2, 2, 2}
	assert.True(t, CrossDown(a, b))
	assert.False(t, CrossUp(a, b))
}

func TestCrossUpFalseWhenInsufficientFiniteHistory(t *testing.T) {
	a := []float64{math.NaN(), 3}
	b := []float64{math.NaN(), 2}
	assert.False(t, CrossUp(a, b))
}

func TestLastFiniteSkipsTrailingNaN(t *testing.T) {
	assert.InDelta(t, 3.0, LastFinite([]float64{1, 3, math.NaN()}), 1e-9)
	assert.True(t, math.IsNaN(LastFinite([]float64{math.NaN(), math.NaN()})))
}
