package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-executor/internal/confirm"
	"mtf-executor/internal/signal"
	"mtf-executor/pkg/exchanges/common"
)

func testLimits() Limits {
	return Limits{
		MinLot:             1,
		MaxLot:             1000,
		LotStep:            1,
		ContractMultiplier: 1,
		PriceTick:          0.01,
		MaxLeverage:        10,
		RiskPerTrade:       0.01,
		MinStopPct:         0.002,
		MaxStopPct:         0.05,
	}
}

func decision(dir signal.Direction, strength, price float64) confirm.Decision {
	return confirm.Decision{
		Instrument:        "SOL_USDT",
		Kind:              confirm.Enter,
		Direction:         dir,
		ConfirmedStrength: strength,
		Price:             price,
		GeneratedAt:       time.Now(),
	}
}

func TestComputeLong(t *testing.T) {
	calc := NewVolatilityScaled(Settings{BaseStopFactor: 2, RewardRisk: 2, StrengthRewardBoost: 0.5})

	// stop = 2 * 1 * (1 - 0.5) = 1, tp = 1 * 2 * 1.25 = 2.5, qty = 10000*0.01/1 = 100
	p, err := calc.Compute(decision(signal.Long, 50, 100), 1, 10_000, testLimits())
	require.NoError(t, err)

	assert.InDelta(t, 1.0, p.StopDistance, 1e-9)
	assert.InDelta(t, 2.5, p.TakeProfitDistance, 1e-9)
	assert.InDelta(t, 99.0, p.StopLossPrice, 1e-9)
	assert.InDelta(t, 102.5, p.TakeProfitPrice, 1e-9)
	assert.Equal(t, 100.0, p.Quantity)
}

func TestComputeShortMirrorsPrices(t *testing.T) {
	calc := NewVolatilityScaled(Settings{BaseStopFactor: 2, RewardRisk: 2, StrengthRewardBoost: 0.5})

	p, err := calc.Compute(decision(signal.Short, 50, 100), 1, 10_000, testLimits())
	require.NoError(t, err)
	assert.InDelta(t, 101.0, p.StopLossPrice, 1e-9)
	assert.InDelta(t, 97.5, p.TakeProfitPrice, 1e-9)
}

func TestStrongerSignalTightensStopAndRaisesReward(t *testing.T) {
	calc := NewVolatilityScaled(DefaultSettings())
	lim := testLimits()

	weak, err := calc.Compute(decision(signal.Long, 10, 100), 1, 10_000, lim)
	require.NoError(t, err)
	strong, err := calc.Compute(decision(signal.Long, 80, 100), 1, 10_000, lim)
	require.NoError(t, err)

	assert.Less(t, strong.StopDistance, weak.StopDistance)
	assert.Greater(t, strong.TakeProfitDistance/strong.StopDistance, weak.TakeProfitDistance/weak.StopDistance)
}

func TestStopIsClampedToBounds(t *testing.T) {
	calc := NewVolatilityScaled(Settings{BaseStopFactor: 2, RewardRisk: 2})
	lim := testLimits()

	// full strength collapses the raw stop to zero, clamped up to 0.2% of price
	p, err := calc.Compute(decision(signal.Long, 100, 100), 1, 10_000, lim)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, p.StopDistance, 1e-9)

	// huge volatility is clamped down to 5% of price
	p, err = calc.Compute(decision(signal.Long, 0, 100), 50, 10_000, lim)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, p.StopDistance, 1e-9)
}

func TestQuantityCappedByLeverageAndMaxLot(t *testing.T) {
	calc := NewVolatilityScaled(Settings{BaseStopFactor: 2, RewardRisk: 2})
	lim := testLimits()
	lim.MaxLeverage = 2

	// risk sizing wants 10000*0.01/0.2 = 500 but leverage allows 10000*2/100 = 200
	p, err := calc.Compute(decision(signal.Long, 100, 100), 1, 10_000, lim)
	require.NoError(t, err)
	assert.Equal(t, 200.0, p.Quantity)

	lim.MaxLot = 50
	p, err = calc.Compute(decision(signal.Long, 100, 100), 1, 10_000, lim)
	require.NoError(t, err)
	assert.Equal(t, 50.0, p.Quantity)
}

func TestQuantityRoundsDownToLotStep(t *testing.T) {
	calc := NewVolatilityScaled(Settings{BaseStopFactor: 1, RewardRisk: 2})
	lim := testLimits()
	lim.LotStep = 0.1
	lim.MinLot = 0.1

	// qty = 1000*0.01/3 = 3.333...
	p, err := calc.Compute(decision(signal.Long, 0, 100), 3, 1000, lim)
	require.NoError(t, err)
	assert.InDelta(t, 3.3, p.Quantity, 1e-9)
}

func TestBelowMinLotIsViolation(t *testing.T) {
	calc := NewVolatilityScaled(DefaultSettings())
	lim := testLimits()
	lim.MinLot = 10

	_, err := calc.Compute(decision(signal.Long, 50, 100), 1, 100, lim)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRiskBoundsViolation))
}

func TestInvalidInputsAreViolations(t *testing.T) {
	calc := NewVolatilityScaled(DefaultSettings())
	lim := testLimits()

	cases := map[string]struct {
		d          confirm.Decision
		vol, equit float64
	}{
		"flat direction": {decision(signal.Flat, 50, 100), 1, 1000},
		"zero price":     {decision(signal.Long, 50, 0), 1, 1000},
		"zero equity":    {decision(signal.Long, 50, 100), 1, 0},
		"zero vol":       {decision(signal.Long, 50, 100), 0, 1000},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := calc.Compute(tc.d, tc.vol, tc.equit, lim)
			assert.ErrorIs(t, err, ErrRiskBoundsViolation)
		})
	}
}

func TestProtectionOrders(t *testing.T) {
	p := Parameters{EntryPrice: 100, StopLossPrice: 99, TakeProfitPrice: 102}
	orders, err := ProtectionOrders("SOL_USDT", common.SideLong, p, "t-abc")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, common.TriggerLTE, orders[0].Rule)
	assert.Equal(t, 99.0, orders[0].TriggerPrice)
	assert.Equal(t, "t-abc-sl", orders[0].Text)
	assert.Equal(t, common.TriggerGTE, orders[1].Rule)
	assert.Equal(t, "t-abc-tp", orders[1].Text)

	short := Parameters{EntryPrice: 100, StopLossPrice: 101, TakeProfitPrice: 97}
	orders, err = ProtectionOrders("SOL_USDT", common.SideShort, short, "t-abc")
	require.NoError(t, err)
	assert.Equal(t, common.TriggerGTE, orders[0].Rule)
	assert.Equal(t, common.TriggerLTE, orders[1].Rule)

	_, err = ProtectionOrders("SOL_USDT", common.SideLong, short, "t-abc")
	assert.Error(t, err)
	_, err = ProtectionOrders("SOL_USDT", common.SideFlat, p, "t-abc")
	assert.Error(t, err)
}

type fakeMarket struct {
	candles []common.Candle
	err     error
}

func (f *fakeMarket) GetCandles(ctx context.Context, contract, interval string, limit int) ([]common.Candle, error) {
	return f.candles, f.err
}

func (f *fakeMarket) GetLastPrice(ctx context.Context, contract string) (float64, error) {
	return 0, nil
}

func TestVolatilityEstimator(t *testing.T) {
	var candles []common.Candle
	for i := 0; i < 15; i++ {
		candles = append(candles, common.Candle{High: 101, Low: 99, Close: 100})
	}

	est := NewVolatilityEstimator(&fakeMarket{candles: candles}, 14, "5m", 0.01, zerolog.Nop())
	v, src := est.Estimate(context.Background(), "SOL_USDT", 100)
	assert.Equal(t, SourceATR, src)
	assert.InDelta(t, 2.0, v, 1e-9)

	est = NewVolatilityEstimator(&fakeMarket{err: errors.New("down")}, 14, "5m", 0.01, zerolog.Nop())
	v, src = est.Estimate(context.Background(), "SOL_USDT", 100)
	assert.Equal(t, SourceFallback, src)
	assert.InDelta(t, 1.0, v, 1e-9)

	est = NewVolatilityEstimator(nil, 14, "5m", 0.01, zerolog.Nop())
	_, src = est.Estimate(context.Background(), "SOL_USDT", 100)
	assert.Equal(t, SourceFallback, src)
}
