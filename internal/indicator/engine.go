package indicator

import (
	"fmt"
	"math"
	"strings"

	"strategy-runner/internal/kline"
	"strategy-runner/internal/logging"
)

// Source selects which derived price series feeds an indicator.
type Source int

const (
	SourceClose Source = iota
	SourceOpen
	SourceHigh
	SourceLow
	SourceVolume
	SourceHL2
	SourceHLC3
	SourceOHLC4
)

// ParseSource maps a case-insensitive source name to its enum value,
// including the "Typical Price" alias for HLC3. Unknown names default to
// Close.
func ParseSource(s string) Source {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return SourceOpen
	case "high":
		return SourceHigh
	case "low":
		return SourceLow
	case "volume":
		return SourceVolume
	case "hl2":
		return SourceHL2
	case "hlc3", "typical price", "typicalprice":
		return SourceHLC3
	case "ohlc4":
		return SourceOHLC4
	default:
		return SourceClose
	}
}

// Engine is a capability object scoped to one strategy invocation and one
// (exchange, symbol) context. It exposes the indicator operations a
// sandboxed strategy may call; results and intermediate series are
// memoized for the lifetime of the Engine so repeated calls with identical
// parameters within one invocation never recompute.
type Engine struct {
	cache    *kline.Cache
	exchange string
	symbol   string
	log      *logging.Logger

	series  map[string][]float64
	scalars map[string]float64
	structs map[string]any

	warnedSmoothing map[string]bool
}

// NewEngine builds an indicator engine bound to one (exchange, symbol)
// pair, backed by the given series cache. Call once per strategy
// invocation; do not share across invocations, since memoization state is
// never invalidated.
func NewEngine(cache *kline.Cache, exchange, symbol string) *Engine {
	return &Engine{
		cache:           cache,
		exchange:        exchange,
		symbol:          symbol,
		log:             logging.WithComponent("indicator"),
		series:          make(map[string][]float64),
		scalars:         make(map[string]float64),
		structs:         make(map[string]any),
		warnedSmoothing: make(map[string]bool),
	}
}

func defaultStr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// coerce floors a parameter to an integer and lower-bounds it at 1.
func coerce(n float64) int {
	p := int(math.Floor(n))
	if p < 1 {
		p = 1
	}
	return p
}

func (e *Engine) seriesKey(tf, source string) string {
	return tf + "|SRC|" + source
}

// sourceValues returns the derived series for (tf, source), computing and
// memoizing it on first use. Returns nil if no series is cached for tf.
func (e *Engine) sourceValues(tf, source string) []float64 {
	key := e.seriesKey(tf, source)
	if v, ok := e.series[key]; ok {
		return v
	}

	iv, err := kline.ParseInterval(tf)
	if err != nil {
		e.series[key] = nil
		return nil
	}
	s := e.cache.GetSeries(kline.Key{Exchange: e.exchange, Symbol: e.symbol, Interval: iv})
	if s == nil {
		e.series[key] = nil
		return nil
	}

	var out []float64
	switch ParseSource(source) {
	case SourceOpen:
		out = s.Opens
	case SourceHigh:
		out = s.Highs
	case SourceLow:
		out = s.Lows
	case SourceVolume:
		out = s.Volumes
	case SourceHL2:
		out = elementwise2(s.Highs, s.Lows, func(h, l float64) float64 { return (h + l) / 2 })
	case SourceHLC3:
		out = elementwise3(s.Highs, s.Lows, s.Closes, func(h, l, c float64) float64 { return (h + l + c) / 3 })
	case SourceOHLC4:
		out = elementwise4(s.Opens, s.Highs, s.Lows, s.Closes, func(o, h, l, c float64) float64 { return (o + h + l + c) / 4 })
	default:
		out = s.Closes
	}
	e.series[key] = out
	return out
}

func elementwise2(a, b []float64, f func(a, b float64) float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = f(a[i], b[i])
	}
	return out
}

func elementwise3(a, b, c []float64, f func(a, b, c float64) float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = f(a[i], b[i], c[i])
	}
	return out
}

func elementwise4(a, b, c, d []float64, f func(a, b, c, d float64) float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = f(a[i], b[i], c[i], d[i])
	}
	return out
}

// warnUnknownSmoothing logs a one-shot warning for an unrecognized
// smoothing value, keyed by (indicator, value) so repeated calls within one
// invocation (one Engine) don't spam the log.
func (e *Engine) warnUnknownSmoothing(indicatorName, smoothing string) {
	if smoothing == "" || strings.EqualFold(smoothing, "wilder") {
		return
	}
	key := indicatorName + "|" + smoothing
	if e.warnedSmoothing[key] {
		return
	}
	e.warnedSmoothing[key] = true
	e.log.Warn("unknown smoothing, falling back to Wilder", "indicator", indicatorName, "smoothing", smoothing)
}

// MAParams parametrizes EMA/SMA/WMA.
type MAParams struct {
	Timeframe string
	Source    string
	Length    float64
}

func (e *Engine) EMA(p MAParams) float64 { return e.movingAverage("EMA", p, EMA) }
func (e *Engine) SMA(p MAParams) float64 { return e.movingAverage("SMA", p, SMA) }
func (e *Engine) WMA(p MAParams) float64 { return e.movingAverage("WMA", p, WMA) }

func (e *Engine) movingAverage(name string, p MAParams, fn func([]float64, float64) []float64) float64 {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	length := coerce(p.Length)

	key := fmt.Sprintf("%s|%s|%s|%d", tf, name, source, length)
	if v, ok := e.scalars[key]; ok {
		return v
	}

	values := e.sourceValues(tf, source)
	result := math.NaN()
	if values != nil {
		result = lastFinite(fn(values, float64(length)))
	}
	e.scalars[key] = result
	return result
}

// RSIParams parametrizes RSI.
type RSIParams struct {
	Timeframe string
	Source    string
	Period    float64
	Smoothing string
}

func (e *Engine) RSI(p RSIParams) float64 {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	period := coerce(p.Period)
	e.warnUnknownSmoothing("RSI", p.Smoothing)

	key := fmt.Sprintf("%s|RSI|%s|%d", tf, source, period)
	if v, ok := e.scalars[key]; ok {
		return v
	}

	values := e.sourceValues(tf, source)
	result := math.NaN()
	if values != nil {
		result = RSI(values, float64(period))
	}
	e.scalars[key] = result
	return result
}

// ATRParams parametrizes ATR.
type ATRParams struct {
	Timeframe string
	Period    float64
}

func (e *Engine) ATR(p ATRParams) float64 {
	tf := defaultStr(p.Timeframe, "1m")
	period := coerce(p.Period)

	key := fmt.Sprintf("%s|ATR|%d", tf, period)
	if v, ok := e.scalars[key]; ok {
		return v
	}

	iv, err := kline.ParseInterval(tf)
	result := math.NaN()
	if err == nil {
		s := e.cache.GetSeries(kline.Key{Exchange: e.exchange, Symbol: e.symbol, Interval: iv})
		if s != nil {
			result = ATR(s.Highs, s.Lows, s.Closes, float64(period))
		}
	}
	e.scalars[key] = result
	return result
}

// MACDParams parametrizes MACD.
type MACDParams struct {
	Timeframe          string
	Source             string
	Fast, Slow, Signal float64
}

func (e *Engine) MACD(p MACDParams) MACDResult {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	fast, slow, signal := coerce(p.Fast), coerce(p.Slow), coerce(p.Signal)

	key := fmt.Sprintf("%s|MACD|%s|%d|%d|%d", tf, source, fast, slow, signal)
	if v, ok := e.structs[key]; ok {
		return v.(MACDResult)
	}

	values := e.sourceValues(tf, source)
	result := MACDResult{math.NaN(), math.NaN(), math.NaN()}
	if values != nil {
		result = MACD(values, float64(fast), float64(slow), float64(signal))
	}
	e.structs[key] = result
	return result
}

// BBANDSParams parametrizes BBANDS.
type BBANDSParams struct {
	Timeframe string
	Source    string
	Length    float64
	Mult      float64
}

func (e *Engine) BBANDS(p BBANDSParams) BollingerResult {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	length := coerce(p.Length)
	mult := p.Mult
	if mult == 0 {
		mult = 2
	}

	key := fmt.Sprintf("%s|BBANDS|%s|%d|%v", tf, source, length, mult)
	if v, ok := e.structs[key]; ok {
		return v.(BollingerResult)
	}

	values := e.sourceValues(tf, source)
	result := BollingerResult{math.NaN(), math.NaN(), math.NaN()}
	if values != nil {
		result = Bollinger(values, float64(length), mult)
	}
	e.structs[key] = result
	return result
}

// VWAPParams parametrizes VWAP; it has no length parameter because it is
// cumulative over the entire cached window.
type VWAPParams struct {
	Timeframe string
}

func (e *Engine) VWAP(p VWAPParams) float64 {
	tf := defaultStr(p.Timeframe, "1m")

	key := tf + "|VWAP"
	if v, ok := e.scalars[key]; ok {
		return v
	}

	result := math.NaN()
	iv, err := kline.ParseInterval(tf)
	if err == nil {
		s := e.cache.GetSeries(kline.Key{Exchange: e.exchange, Symbol: e.symbol, Interval: iv})
		if s != nil {
			var numerator, totalVolume float64
			for i := range s.Closes {
				h, l, c, v := s.Highs[i], s.Lows[i], s.Closes[i], s.Volumes[i]
				if !isFinite(h) || !isFinite(l) || !isFinite(c) || !isFinite(v) {
					continue
				}
				typical := (h + l + c) / 3
				numerator += typical * v
				totalVolume += v
			}
			if totalVolume != 0 {
				result = numerator / totalVolume
			}
		}
	}
	e.scalars[key] = result
	return result
}

// BreakoutParams parametrizes BREAKOUT_UP/BREAKOUT_DOWN. Level is NaN when
// unset, in which case the comparison falls back to the rolling
// lookback-window extremum.
type BreakoutParams struct {
	Timeframe string
	Source    string
	Lookback  float64
	Level     float64
}

func (e *Engine) BreakoutUp(p BreakoutParams) bool {
	return e.breakout("BREAKOUT_UP", p, func(curr, level float64) bool { return curr > level },
		func(window []float64) float64 { return maxOf(window) })
}

func (e *Engine) BreakoutDown(p BreakoutParams) bool {
	return e.breakout("BREAKOUT_DOWN", p, func(curr, level float64) bool { return curr < level },
		func(window []float64) float64 { return minOf(window) })
}

func (e *Engine) breakout(name string, p BreakoutParams, cmp func(curr, level float64) bool, extremum func([]float64) float64) bool {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	lookback := coerce(p.Lookback)

	key := fmt.Sprintf("%s|%s|%s|%d|%v", tf, name, source, lookback, p.Level)
	if v, ok := e.scalars[key]; ok {
		return v != 0
	}

	result := false
	values := e.sourceValues(tf, source)
	if values != nil && len(values) > 0 {
		curr := values[len(values)-1]
		if isFinite(curr) {
			if isFinite(p.Level) {
				result = cmp(curr, p.Level)
			} else if len(values) > lookback {
				window := values[len(values)-1-lookback : len(values)-1]
				result = cmp(curr, extremum(window))
			}
		}
	}

	if result {
		e.scalars[key] = 1
	} else {
		e.scalars[key] = 0
	}
	return result
}

func maxOf(s []float64) float64 {
	m := math.Inf(-1)
	for _, v := range s {
		if isFinite(v) && v > m {
			m = v
		}
	}
	return m
}

func minOf(s []float64) float64 {
	m := math.Inf(1)
	for _, v := range s {
		if isFinite(v) && v < m {
			m = v
		}
	}
	return m
}

// CrossParams parametrizes the EMA/SMA/MACD crossover operations.
type CrossParams struct {
	Timeframe          string
	Source             string
	Fast, Slow, Signal float64
}

func (e *Engine) EMACrossUp(p CrossParams) bool   { return e.maCross("EMA_CROSS_UP", p, EMA, CrossUp) }
func (e *Engine) EMACrossDown(p CrossParams) bool { return e.maCross("EMA_CROSS_DOWN", p, EMA, CrossDown) }
func (e *Engine) SMACrossUp(p CrossParams) bool   { return e.maCross("SMA_CROSS_UP", p, SMA, CrossUp) }

func (e *Engine) maCross(name string, p CrossParams, fn func([]float64, float64) []float64, cross func(a, b []float64) bool) bool {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	fast, slow := coerce(p.Fast), coerce(p.Slow)

	key := fmt.Sprintf("%s|%s|%s|%d|%d", tf, name, source, fast, slow)
	if v, ok := e.scalars[key]; ok {
		return v != 0
	}

	result := false
	values := e.sourceValues(tf, source)
	if values != nil {
		fastSeries := fn(values, float64(fast))
		slowSeries := fn(values, float64(slow))
		result = cross(fastSeries, slowSeries)
	}

	if result {
		e.scalars[key] = 1
	} else {
		e.scalars[key] = 0
	}
	return result
}

func (e *Engine) MACDCrossUp(p CrossParams) bool {
	tf := defaultStr(p.Timeframe, "1m")
	source := defaultStr(p.Source, "Close")
	fast, slow, signal := coerce(p.Fast), coerce(p.Slow), coerce(p.Signal)

	key := fmt.Sprintf("%s|MACD_CROSS_UP|%s|%d|%d|%d", tf, source, fast, slow, signal)
	if v, ok := e.scalars[key]; ok {
		return v != 0
	}

	result := false
	values := e.sourceValues(tf, source)
	if values != nil {
		fastEMA := EMA(values, float64(fast))
		slowEMA := EMA(values, float64(slow))
		macdLine := make([]float64, len(values))
		for i := range macdLine {
			macdLine[i] = fastEMA[i] - slowEMA[i]
		}
		signalLine := EMA(macdLine, float64(signal))
		result = CrossUp(macdLine, signalLine)
	}

	if result {
		e.scalars[key] = 1
	} else {
		e.scalars[key] = 0
	}
	return result
}
