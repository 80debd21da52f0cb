package kline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandleValidate(t *testing.T) {
	good := Candle{
		Symbol: "BTCUSDT", OpenTime: 1000, CloseTime: 2000,
		Open: 10, High: 12, Low: 9, Close: 11, Volume: 5,
	}
	assert.NoError(t, good.Validate())

	bad := good
	bad.OpenTime, bad.CloseTime = 2000, 1000
	assert.Error(t, bad.Validate())

	bad2 := good
	bad2.High = 10.5 // below max(open,close)=11
	assert.Error(t, bad2.Validate())

	bad3 := good
	bad3.Volume = -1
	assert.Error(t, bad3.Validate())
}

func TestParseIntervalUnknown(t *testing.T) {
	_, err := ParseInterval("2m")
	assert.Error(t, err)

	iv, err := ParseInterval("1h")
	assert.NoError(t, err)
	assert.Equal(t, Interval1h, iv)
	assert.Equal(t, int64(3600000), iv.Millis())
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol(" btcusdt "))
}
