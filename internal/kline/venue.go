package kline

import (
	"context"
	"fmt"
	"strconv"

	binancesdk "github.com/adshao/go-binance/v2"
)

// FetchParams bounds a single venue fetch.
type FetchParams struct {
	Symbol    string
	Interval  Interval
	StartTime int64 // ms epoch, inclusive lower bound on open_time; 0 = unset
	EndTime   int64 // ms epoch; 0 = unset
	Limit     int   // 1..1000, default 1000
}

// VenueAdapter is the single upstream-fetch operation the kline manager
// depends on.
type VenueAdapter interface {
	FetchCandles(ctx context.Context, p FetchParams) ([]Candle, error)
}

// BinanceVenue adapts github.com/adshao/go-binance/v2's spot client to
// VenueAdapter, the idiomatic ecosystem client for a Binance-compatible
// REST surface.
type BinanceVenue struct {
	exchange string
	client   *binancesdk.Client
}

// NewBinanceVenue builds a venue adapter. apiKey/secretKey may be empty: the
// klines endpoint is public and unauthenticated.
func NewBinanceVenue(exchange, apiKey, secretKey, baseURL string) *BinanceVenue {
	client := binancesdk.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceVenue{exchange: exchange, client: client}
}

// FetchCandles fetches one page of candles ascending by open-time.
func (v *BinanceVenue) FetchCandles(ctx context.Context, p FetchParams) ([]Candle, error) {
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 1000
	}

	svc := v.client.NewKlinesService().
		Symbol(NormalizeSymbol(p.Symbol)).
		Interval(string(p.Interval)).
		Limit(p.Limit)
	if p.StartTime > 0 {
		svc = svc.StartTime(p.StartTime)
	}
	if p.EndTime > 0 {
		svc = svc.EndTime(p.EndTime)
	}

	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("kline: venue fetch %s %s: %w", p.Symbol, p.Interval, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		candles = append(candles, Candle{
			Exchange:  v.exchange,
			Symbol:    NormalizeSymbol(p.Symbol),
			Interval:  p.Interval,
			OpenTime:  k.OpenTime,
			Open:      parseDefensive(k.Open),
			High:      parseDefensive(k.High),
			Low:       parseDefensive(k.Low),
			Close:     parseDefensive(k.Close),
			Volume:    parseDefensive(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
	return candles, nil
}

// parseDefensive parses a numeric string defensively: any parse failure or
// non-finite result becomes 0.
func parseDefensive(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !isFinite(v) {
		return 0
	}
	return v
}
