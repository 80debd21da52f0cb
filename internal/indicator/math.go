// Package indicator implements the pure numeric math kernel and the
// per-invocation memoized indicator surface that together expose the
// strategy sandbox's technical-analysis capability.
//
// All functions operate on plain []float64 series with exact numeric
// semantics: Wilder smoothing for RSI/ATR, population (not sample)
// standard deviation for Bollinger, and NaN for every not-yet-defined
// position rather than a zero-value sentinel.
package indicator

import "math"

// clampPeriod coerces n to max(1, floor(n)).
func clampPeriod(n float64) int {
	p := int(math.Floor(n))
	if p < 1 {
		p = 1
	}
	return p
}

// SMA returns the simple moving average series: NaN for i < n-1, and the
// trailing-n arithmetic mean at i >= n-1, computed with a rolling sum so
// the boundary value is exactly (sum of values[i-n+1..i]) / n.
func SMA(values []float64, n float64) []float64 {
	period := clampPeriod(n)
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period > len(values) {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average series. The seed at index
// n-1 is the SMA of the first n values; from n onward
// EMA[i] = (values[i]-EMA[i-1])*k + EMA[i-1] with k = 2/(n+1). Non-finite
// inputs are skipped: the previous EMA value carries forward unchanged
// rather than re-seeding on every gap.
func EMA(values []float64, n float64) []float64 {
	period := clampPeriod(n)
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period > len(values) {
		return out
	}

	k := 2.0 / (float64(period) + 1)

	seedSum := 0.0
	seedOK := true
	for i := 0; i < period; i++ {
		if !isFinite(values[i]) {
			seedOK = false
		}
		seedSum += values[i]
	}
	if !seedOK {
		// If the seed window itself contains a non-finite value, the seed
		// is undefined and every subsequent EMA stays NaN until a later
		// window of `period` finite values appears to reseed from.
		return emaWithReseed(values, period, k)
	}

	ema := seedSum / float64(period)
	out[period-1] = ema
	for i := period; i < len(values); i++ {
		if isFinite(values[i]) {
			ema = (values[i]-ema)*k + ema
		}
		out[i] = ema
	}
	return out
}

// emaWithReseed handles the case where the primary seed window contains a
// non-finite value: it scans forward for the first window of `period`
// consecutive finite values, seeds there, and carries forward afterward
// exactly like EMA's main loop.
func emaWithReseed(values []float64, period int, k float64) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}

	for start := 0; start+period <= len(values); start++ {
		ok := true
		sum := 0.0
		for j := start; j < start+period; j++ {
			if !isFinite(values[j]) {
				ok = false
				break
			}
			sum += values[j]
		}
		if ok {
			ema := sum / float64(period)
			out[start+period-1] = ema
			for i := start + period; i < len(values); i++ {
				if isFinite(values[i]) {
					ema = (values[i]-ema)*k + ema
				}
				out[i] = ema
			}
			break
		}
	}
	return out
}

// WMA returns the linearly-weighted moving average (weights 1..n, newest
// weight n). NaN for i < n-1, or when any value in the trailing window is
// non-finite.
func WMA(values []float64, n float64) []float64 {
	period := clampPeriod(n)
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period > len(values) {
		return out
	}

	denom := float64(period*(period+1)) / 2
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		ok := true
		for j := 0; j < period; j++ {
			v := values[i-period+1+j]
			if !isFinite(v) {
				ok = false
				break
			}
			weight := float64(j + 1)
			sum += v * weight
		}
		if ok {
			out[i] = sum / denom
		}
	}
	return out
}

// RSI returns the latest-only Wilder-smoothed Relative Strength Index. NaN
// if len(values) < n+1.
func RSI(values []float64, n float64) float64 {
	period := clampPeriod(n)
	if len(values) < period+1 {
		return math.NaN()
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the latest-only Wilder-smoothed Average True Range. NaN if
// len(closes) < n+1.
func ATR(highs, lows, closes []float64, n float64) float64 {
	period := clampPeriod(n)
	if len(closes) < period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return math.NaN()
	}

	tr := func(i int) float64 {
		h, l, pc := highs[i], lows[i], closes[i-1]
		return math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(i)
	}
	atr := sum / float64(period)

	for i := period + 1; i < len(closes); i++ {
		atr = (atr*float64(period-1) + tr(i)) / float64(period)
	}
	return atr
}

// MACDResult is the latest {macd, signal, histogram} triple.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD returns the latest MACD/signal/histogram. All-NaN when
// len(values) < max(fast,slow)+signal.
func MACD(values []float64, fast, slow, signalN float64) MACDResult {
	fastP, slowP, sigP := clampPeriod(fast), clampPeriod(slow), clampPeriod(signalN)
	need := sigP
	if fastP > slowP {
		need += fastP
	} else {
		need += slowP
	}
	if len(values) < need {
		return MACDResult{math.NaN(), math.NaN(), math.NaN()}
	}

	fastEMA := EMA(values, float64(fastP))
	slowEMA := EMA(values, float64(slowP))
	macdLine := make([]float64, len(values))
	for i := range macdLine {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := EMA(macdLine, float64(sigP))

	macd := lastFinite(macdLine)
	signal := lastFinite(signalLine)
	hist := math.NaN()
	if isFinite(macd) && isFinite(signal) {
		hist = macd - signal
	}
	return MACDResult{MACD: macd, Signal: signal, Histogram: hist}
}

// BollingerResult is the latest {upper, middle, lower} triple.
type BollingerResult struct {
	Upper, Middle, Lower float64
}

// Bollinger returns the latest bands using population standard deviation
// (divisor = length, not length-1). All-NaN if len(values) < length.
func Bollinger(values []float64, length, mult float64) BollingerResult {
	n := clampPeriod(length)
	if len(values) < n {
		return BollingerResult{math.NaN(), math.NaN(), math.NaN()}
	}

	window := values[len(values)-n:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	stdDev := math.Sqrt(variance)

	return BollingerResult{
		Upper:  mean + stdDev*mult,
		Middle: mean,
		Lower:  mean - stdDev*mult,
	}
}

// crossPair finds the last two indices where both A and B are finite,
// returning (aPrev, bPrev, aCurr, bCurr, ok).
func crossPair(a, b []float64) (aPrev, bPrev, aCurr, bCurr float64, ok bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	idxs := make([]int, 0, 2)
	for i := n - 1; i >= 0 && len(idxs) < 2; i-- {
		if isFinite(a[i]) && isFinite(b[i]) {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) < 2 {
		return 0, 0, 0, 0, false
	}
	curr, prev := idxs[0], idxs[1]
	return a[prev], b[prev], a[curr], b[curr], true
}

// CrossUp reports whether A crossed up through B at the most recent
// both-finite pair of indices: A_prev <= B_prev and A_curr > B_curr.
func CrossUp(a, b []float64) bool {
	aPrev, bPrev, aCurr, bCurr, ok := crossPair(a, b)
	if !ok {
		return false
	}
	return aPrev <= bPrev && aCurr > bCurr
}

// CrossDown reports whether A crossed down through B at the most recent
// both-finite pair of indices: A_prev >= B_prev and A_curr < B_curr.
func CrossDown(a, b []float64) bool {
	aPrev, bPrev, aCurr, bCurr, ok := crossPair(a, b)
	if !ok {
		return false
	}
	return aPrev >= bPrev && aCurr < bCurr
}

// LastFinite scans from the tail and returns the last finite value, or NaN.
func LastFinite(s []float64) float64 {
	return lastFinite(s)
}

func lastFinite(s []float64) float64 {
	for i := len(s) - 1; i >= 0; i-- {
		if isFinite(s[i]) {
			return s[i]
		}
	}
	return math.NaN()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
