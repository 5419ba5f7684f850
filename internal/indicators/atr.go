package indicators

import (
	"math"

	"mtf-executor/pkg/exchanges/common"
)

// TrueRanges returns the true range of each candle after the first.
func TrueRanges(candles []common.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prevClose := candles[i], candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		out = append(out, tr)
	}
	return out
}

// ATR computes Wilder's average true range over period, seeded with the SMA
// of the first period true ranges. It returns 0 when there is not enough data.
func ATR(candles []common.Candle, period int) float64 {
	trs := TrueRanges(candles)
	if period <= 0 || len(trs) < period {
		return 0
	}
	atr := SMA(trs[:period], period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}
