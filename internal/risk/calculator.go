package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"mtf-executor/internal/confirm"
	"mtf-executor/internal/signal"
)

// Calculator turns an entry decision into bounded trade parameters.
type Calculator interface {
	Compute(d confirm.Decision, volatility, equity float64, lim Limits) (Parameters, error)
}

// VolatilityScaled widens stops with volatility and tightens them with confirmed strength.
//
//	stop = BaseStopFactor * volatility * (1 - s), clamped to [MinStopPct, MaxStopPct] of price
//	tp   = stop * RewardRisk * (1 + StrengthRewardBoost * s)
//	qty  = equity * RiskPerTrade / (stop * multiplier), capped by leverage and MaxLot, floored to LotStep
type VolatilityScaled struct {
	Settings Settings
}

// NewVolatilityScaled returns the default calculator.
func NewVolatilityScaled(s Settings) *VolatilityScaled {
	return &VolatilityScaled{Settings: s}
}

// Compute sizes an Enter decision.
func (v *VolatilityScaled) Compute(d confirm.Decision, volatility, equity float64, lim Limits) (Parameters, error) {
	price := d.Price
	switch {
	case d.Direction != signal.Long && d.Direction != signal.Short:
		return Parameters{}, fmt.Errorf("%w: direction %q cannot be sized", ErrRiskBoundsViolation, d.Direction)
	case !positive(price):
		return Parameters{}, fmt.Errorf("%w: price %v", ErrRiskBoundsViolation, price)
	case !positive(equity):
		return Parameters{}, fmt.Errorf("%w: equity %v", ErrRiskBoundsViolation, equity)
	case !positive(volatility):
		return Parameters{}, fmt.Errorf("%w: volatility %v", ErrRiskBoundsViolation, volatility)
	}

	s := clamp(d.ConfirmedStrength/100, 0, 1)
	stop := v.Settings.BaseStopFactor * volatility * (1 - s)
	stop = clamp(stop, lim.MinStopPct*price, lim.MaxStopPct*price)
	if !positive(stop) || stop >= price {
		return Parameters{}, fmt.Errorf("%w: stop distance %v", ErrRiskBoundsViolation, stop)
	}
	tp := stop * v.Settings.RewardRisk * (1 + v.Settings.StrengthRewardBoost*s)
	if !positive(tp) {
		return Parameters{}, fmt.Errorf("%w: take-profit distance %v", ErrRiskBoundsViolation, tp)
	}

	mult := lim.ContractMultiplier
	if mult <= 0 {
		mult = 1
	}
	qty := equity * lim.RiskPerTrade / (stop * mult)
	if lim.MaxLeverage > 0 {
		qty = math.Min(qty, equity*lim.MaxLeverage/(price*mult))
	}
	if lim.MaxLot > 0 {
		qty = math.Min(qty, lim.MaxLot)
	}
	qty = floorToStep(qty, lim.LotStep)
	if qty < lim.MinLot || qty <= 0 {
		return Parameters{}, fmt.Errorf("%w: quantity %v below minimum lot %v", ErrRiskBoundsViolation, qty, lim.MinLot)
	}

	p := Parameters{
		EntryPrice:         price,
		Quantity:           qty,
		StopDistance:       stop,
		TakeProfitDistance: tp,
		Volatility:         volatility,
	}
	if d.Direction == signal.Long {
		p.StopLossPrice = roundToTick(price-stop, lim.PriceTick)
		p.TakeProfitPrice = roundToTick(price+tp, lim.PriceTick)
	} else {
		p.StopLossPrice = roundToTick(price+stop, lim.PriceTick)
		p.TakeProfitPrice = roundToTick(price-tp, lim.PriceTick)
	}
	if !positive(p.StopLossPrice) || !positive(p.TakeProfitPrice) {
		return Parameters{}, fmt.Errorf("%w: protective prices sl=%v tp=%v", ErrRiskBoundsViolation, p.StopLossPrice, p.TakeProfitPrice)
	}
	return p, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// floorToStep rounds down so the risk cap is never exceeded.
func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	st := decimal.NewFromFloat(step)
	f, _ := d.Div(st).Floor().Mul(st).Float64()
	return f
}

func roundToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	t := decimal.NewFromFloat(tick)
	f, _ := d.Div(t).Round(0).Mul(t).Float64()
	return f
}
