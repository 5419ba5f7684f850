package risk

import (
	"errors"

	"mtf-executor/pkg/config"
)

// ErrRiskBoundsViolation means no position can be sized within the configured bounds.
var ErrRiskBoundsViolation = errors.New("risk bounds violation")

// Parameters is the sized trade: prices in quote currency, quantity in contracts.
type Parameters struct {
	EntryPrice         float64 `json:"entry_price"`
	StopLossPrice      float64 `json:"stop_loss_price"`
	TakeProfitPrice    float64 `json:"take_profit_price"`
	Quantity           float64 `json:"quantity"`
	StopDistance       float64 `json:"stop_distance"`
	TakeProfitDistance float64 `json:"take_profit_distance"`
	Volatility         float64 `json:"volatility"`
}

// Settings shape the sizing curve and apply to every instrument.
type Settings struct {
	BaseStopFactor      float64
	RewardRisk          float64
	StrengthRewardBoost float64
}

// DefaultSettings match the original fixed 0.7% stop / 2.2% target ratio at zero strength.
func DefaultSettings() Settings {
	return Settings{BaseStopFactor: 2.0, RewardRisk: 2.2 / 0.7, StrengthRewardBoost: 0.5}
}

// Limits are the per-instrument bounds the calculator must respect.
type Limits struct {
	MinLot             float64
	MaxLot             float64
	LotStep            float64
	ContractMultiplier float64
	PriceTick          float64
	MaxLeverage        float64
	RiskPerTrade       float64
	MinStopPct         float64
	MaxStopPct         float64
}

// LimitsFor converts an instrument config into sizing limits.
func LimitsFor(in config.Instrument) Limits {
	return Limits{
		MinLot:             in.MinLot,
		MaxLot:             in.MaxLot,
		LotStep:            in.LotStep,
		ContractMultiplier: in.ContractMultiplier,
		PriceTick:          in.PriceTick,
		MaxLeverage:        in.MaxLeverage,
		RiskPerTrade:       in.RiskPerTrade,
		MinStopPct:         in.MinStopPct,
		MaxStopPct:         in.MaxStopPct,
	}
}
