package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mtf-executor/internal/indicators"
	"mtf-executor/pkg/exchanges/common"
)

// Volatility source labels.
const (
	SourceATR      = "atr"
	SourceFallback = "fallback"
)

// VolatilityEstimator derives an absolute volatility from recent candles,
// falling back to a fixed fraction of price when candles are unavailable.
type VolatilityEstimator struct {
	market      common.MarketReader
	period      int
	interval    string
	fallbackPct float64
	timeout     time.Duration
	log         zerolog.Logger
}

// NewVolatilityEstimator builds an estimator. market may be nil, in which case only the fallback is used.
func NewVolatilityEstimator(market common.MarketReader, period int, interval string, fallbackPct float64, log zerolog.Logger) *VolatilityEstimator {
	if period <= 0 {
		period = 14
	}
	if interval == "" {
		interval = "5m"
	}
	return &VolatilityEstimator{
		market:      market,
		period:      period,
		interval:    interval,
		fallbackPct: fallbackPct,
		timeout:     3 * time.Second,
		log:         log,
	}
}

// Estimate returns the volatility for contract and where it came from.
func (e *VolatilityEstimator) Estimate(ctx context.Context, contract string, price float64) (float64, string) {
	if e.market != nil {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		candles, err := e.market.GetCandles(cctx, contract, e.interval, e.period+1)
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Str("contract", contract).Msg("candles unavailable, using fallback volatility")
		} else if atr := indicators.ATR(candles, e.period); atr > 0 {
			return atr, SourceATR
		}
	}
	return e.fallbackPct * price, SourceFallback
}
