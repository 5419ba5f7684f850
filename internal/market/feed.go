package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mtf-executor/pkg/exchanges/common"
)

// PriceSink receives reference prices.
type PriceSink interface {
	Put(contract string, price float64, source string)
}

// Feed polls the venue ticker and keeps the price cache warm between signals.
type Feed struct {
	Market    common.MarketReader
	Prices    PriceSink
	Contracts []string
	Interval  time.Duration
	Timeout   time.Duration
	Log       zerolog.Logger
}

// Start polls until ctx ends. It returns immediately when the feed is not configured.
func (f *Feed) Start(ctx context.Context) {
	if f.Market == nil || f.Prices == nil || len(f.Contracts) == 0 {
		f.Log.Warn().Msg("market feed not fully configured; skipping start")
		return
	}
	if f.Interval <= 0 {
		f.Interval = 10 * time.Second
	}
	if f.Timeout <= 0 {
		f.Timeout = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(f.Interval)
		defer ticker.Stop()
		f.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Poll(ctx)
			}
		}
	}()
}

// Poll refreshes every contract once and returns how many were updated.
func (f *Feed) Poll(ctx context.Context) int {
	updated := 0
	for _, contract := range f.Contracts {
		cctx, cancel := context.WithTimeout(ctx, f.Timeout)
		price, err := f.Market.GetLastPrice(cctx, contract)
		cancel()
		if err != nil {
			f.Log.Debug().Err(err).Str("contract", contract).Msg("ticker poll failed")
			continue
		}
		if price <= 0 {
			continue
		}
		f.Prices.Put(contract, price, "ticker")
		updated++
	}
	return updated
}
