package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-executor/pkg/cache"
	"mtf-executor/pkg/exchanges/common"
)

type fakeMarket struct {
	prices map[string]float64
}

func (f *fakeMarket) GetCandles(ctx context.Context, contract, interval string, limit int) ([]common.Candle, error) {
	return nil, nil
}

func (f *fakeMarket) GetLastPrice(ctx context.Context, contract string) (float64, error) {
	p, ok := f.prices[contract]
	if !ok {
		return 0, errors.New("no ticker")
	}
	return p, nil
}

func TestFeedPollUpdatesCache(t *testing.T) {
	prices := cache.NewPriceCache()
	f := &Feed{
		Market:    &fakeMarket{prices: map[string]float64{"SOL_USDT": 142.5, "BTC_USDT": 0}},
		Prices:    prices,
		Contracts: []string{"SOL_USDT", "BTC_USDT", "ADA_USDT"},
		Timeout:   time.Second,
		Log:       zerolog.Nop(),
	}

	assert.Equal(t, 1, f.Poll(context.Background()))
	q, ok := prices.Quote("SOL_USDT")
	require.True(t, ok)
	assert.Equal(t, 142.5, q.Price)
	assert.Equal(t, "ticker", q.Source)

	_, ok = prices.Get("BTC_USDT")
	assert.False(t, ok)
}

func TestMockFeedWalksKnownPricesOnly(t *testing.T) {
	prices := cache.NewPriceCache()
	prices.Set("SOL_USDT", 100)

	applied := map[string]float64{}
	m := &MockFeed{
		Prices:    prices,
		Apply:     func(c string, p float64) { applied[c] = p },
		Contracts: []string{"SOL_USDT", "BTC_USDT"},
		StepBps:   10,
		Log:       zerolog.Nop(),
	}
	m.Step()

	require.Contains(t, applied, "SOL_USDT")
	assert.NotContains(t, applied, "BTC_USDT")
	assert.InDelta(t, 100, applied["SOL_USDT"], 0.1)
}
