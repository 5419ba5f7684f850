package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Instrument describes one tradable contract. Quantities are in contracts.
type Instrument struct {
	Contract           string   `yaml:"contract"`
	Aliases            []string `yaml:"aliases"`
	MinLot             float64  `yaml:"min_lot"`
	MaxLot             float64  `yaml:"max_lot"`
	LotStep            float64  `yaml:"lot_step"`
	ContractMultiplier float64  `yaml:"contract_multiplier"`
	PriceTick          float64  `yaml:"price_tick"`
	Leverage           int      `yaml:"leverage"`
	MaxLeverage        float64  `yaml:"max_leverage"`
	RiskPerTrade       float64  `yaml:"risk_per_trade"`
	MinStopPct         float64  `yaml:"min_stop_pct"`
	MaxStopPct         float64  `yaml:"max_stop_pct"`
}

// InstrumentsFile is the on-disk layout of instruments.yaml.
type InstrumentsFile struct {
	Instruments []Instrument `yaml:"instruments"`
	// Alerts maps a strategy alert name to the timeframe it evaluates.
	Alerts map[string]string `yaml:"alerts"`
}

// DefaultInstruments mirrors the contracts the strategy was first deployed on.
func DefaultInstruments() []Instrument {
	return []Instrument{
		{Contract: "SOL_USDT", MinLot: 1, MaxLot: 10000, LotStep: 1, ContractMultiplier: 1, PriceTick: 0.001, Leverage: 10, MaxLeverage: 10, RiskPerTrade: 0.01, MinStopPct: 0.004, MaxStopPct: 0.03},
		{Contract: "BTC_USDT", MinLot: 1, MaxLot: 100000, LotStep: 1, ContractMultiplier: 0.0001, PriceTick: 0.1, Leverage: 10, MaxLeverage: 10, RiskPerTrade: 0.01, MinStopPct: 0.002, MaxStopPct: 0.02},
		{Contract: "ADA_USDT", MinLot: 1, MaxLot: 100000, LotStep: 1, ContractMultiplier: 10, PriceTick: 0.0001, Leverage: 10, MaxLeverage: 10, RiskPerTrade: 0.01, MinStopPct: 0.004, MaxStopPct: 0.03},
		{Contract: "SUI_USDT", MinLot: 1, MaxLot: 100000, LotStep: 1, ContractMultiplier: 1, PriceTick: 0.0001, Leverage: 10, MaxLeverage: 10, RiskPerTrade: 0.01, MinStopPct: 0.004, MaxStopPct: 0.03},
	}
}

// LoadInstruments reads the YAML file at path. A missing file yields the defaults.
func LoadInstruments(path string) (*InstrumentsFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || path == "" {
		return &InstrumentsFile{Instruments: DefaultInstruments(), Alerts: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	return ParseInstruments(data)
}

// ParseInstruments decodes and validates an instruments document.
func ParseInstruments(data []byte) (*InstrumentsFile, error) {
	var f InstrumentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instruments yaml: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, errors.New("instruments file lists no instruments")
	}
	for i := range f.Instruments {
		in := &f.Instruments[i]
		in.Contract = strings.ToUpper(strings.TrimSpace(in.Contract))
		applyInstrumentDefaults(in)
		if err := in.Validate(); err != nil {
			return nil, err
		}
	}
	if f.Alerts == nil {
		f.Alerts = map[string]string{}
	}
	for name, tf := range f.Alerts {
		switch tf {
		case "1m", "3m", "5m":
		default:
			return nil, fmt.Errorf("alert %q: unsupported timeframe %q", name, tf)
		}
	}
	return &f, nil
}

func applyInstrumentDefaults(in *Instrument) {
	if in.LotStep == 0 {
		in.LotStep = 1
	}
	if in.MinLot == 0 {
		in.MinLot = in.LotStep
	}
	if in.ContractMultiplier == 0 {
		in.ContractMultiplier = 1
	}
	if in.Leverage == 0 {
		in.Leverage = 10
	}
	if in.MaxLeverage == 0 {
		in.MaxLeverage = float64(in.Leverage)
	}
	if in.RiskPerTrade == 0 {
		in.RiskPerTrade = 0.01
	}
	if in.MinStopPct == 0 {
		in.MinStopPct = 0.004
	}
	if in.MaxStopPct == 0 {
		in.MaxStopPct = 0.03
	}
}

// Validate checks lot and risk bounds for consistency.
func (in Instrument) Validate() error {
	switch {
	case in.Contract == "":
		return errors.New("instrument contract is empty")
	case in.MinLot <= 0 || in.LotStep <= 0:
		return fmt.Errorf("%s: min_lot and lot_step must be positive", in.Contract)
	case in.MaxLot <= 0:
		return fmt.Errorf("%s: max_lot must be positive", in.Contract)
	case in.MaxLot < in.MinLot:
		return fmt.Errorf("%s: max_lot below min_lot", in.Contract)
	case in.MinStopPct > in.MaxStopPct:
		return fmt.Errorf("%s: min_stop_pct above max_stop_pct", in.Contract)
	case in.RiskPerTrade <= 0 || in.RiskPerTrade >= 1:
		return fmt.Errorf("%s: risk_per_trade must be in (0,1)", in.Contract)
	}
	return nil
}

// ResolveContract maps an inbound ticker (SOLUSDT, SOL_USDT, SOLUSDT.P) to a configured contract.
func ResolveContract(instruments []Instrument, ticker string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	t = strings.TrimSuffix(t, ".P")
	if i := strings.Index(t, ":"); i >= 0 {
		t = t[i+1:]
	}
	for _, in := range instruments {
		if t == in.Contract {
			return in.Contract, true
		}
		for _, a := range in.Aliases {
			if strings.EqualFold(a, t) {
				return in.Contract, true
			}
		}
	}
	if strings.HasSuffix(t, "USDT") && !strings.Contains(t, "_") {
		candidate := strings.TrimSuffix(t, "USDT") + "_USDT"
		for _, in := range instruments {
			if in.Contract == candidate {
				return candidate, true
			}
		}
	}
	return "", false
}

func filterInstruments(all []Instrument, enabled []string) []Instrument {
	keep := make(map[string]bool, len(enabled))
	for _, e := range enabled {
		keep[strings.ToUpper(e)] = true
	}
	out := make([]Instrument, 0, len(all))
	for _, in := range all {
		if keep[in.Contract] {
			out = append(out, in)
		}
	}
	return out
}
