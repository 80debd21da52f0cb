package kline

// Series is a contiguous, time-ordered bundle of parallel OHLCV arrays for a
// single (exchange, symbol, interval). Series is immutable once constructed:
// the cache replaces entries wholesale instead of mutating them in place, so
// a reader holding a *Series never observes a torn array.
type Series struct {
	Key        Key
	OpenTimes  []int64
	Opens      []float64
	Highs      []float64
	Lows       []float64
	Closes     []float64
	Volumes    []float64
	CloseTimes []int64
}

// Len returns the number of candles in the series.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.OpenTimes)
}

// NewSeries builds a Series from an ascending-by-open-time candle slice.
// Callers are responsible for ordering; NewSeries does not sort.
func NewSeries(key Key, candles []Candle) *Series {
	n := len(candles)
	s := &Series{
		Key:        key,
		OpenTimes:  make([]int64, n),
		Opens:      make([]float64, n),
		Highs:      make([]float64, n),
		Lows:       make([]float64, n),
		Closes:     make([]float64, n),
		Volumes:    make([]float64, n),
		CloseTimes: make([]int64, n),
	}
	for i, c := range candles {
		s.OpenTimes[i] = c.OpenTime
		s.Opens[i] = c.Open
		s.Highs[i] = c.High
		s.Lows[i] = c.Low
		s.Closes[i] = c.Close
		s.Volumes[i] = c.Volume
		s.CloseTimes[i] = c.CloseTime
	}
	return s
}

// Candle reconstructs the candle at index i.
func (s *Series) Candle(i int) Candle {
	return Candle{
		Exchange:  s.Key.Exchange,
		Symbol:    s.Key.Symbol,
		Interval:  s.Key.Interval,
		OpenTime:  s.OpenTimes[i],
		Open:      s.Opens[i],
		High:      s.Highs[i],
		Low:       s.Lows[i],
		Close:     s.Closes[i],
		Volume:    s.Volumes[i],
		CloseTime: s.CloseTimes[i],
	}
}

// StrictlyAscending reports whether open times strictly increase, which is
// the cache's and the preload path's ordering invariant.
func (s *Series) StrictlyAscending() bool {
	for i := 1; i < len(s.OpenTimes); i++ {
		if s.OpenTimes[i] <= s.OpenTimes[i-1] {
			return false
		}
	}
	return true
}
