package risk

import (
	"fmt"

	"mtf-executor/pkg/exchanges/common"
)

// Client id suffixes for protective orders.
const (
	StopLossSuffix   = "-sl"
	TakeProfitSuffix = "-tp"
)

// ProtectionOrders builds the reduce-only stop-loss and take-profit triggers
// that guard a freshly opened position. Both close the whole position.
func ProtectionOrders(contract string, side common.Side, p Parameters, clientID string) ([]common.TriggerOrderRequest, error) {
	var slRule, tpRule common.TriggerRule
	switch side {
	case common.SideLong:
		if p.StopLossPrice >= p.EntryPrice || p.TakeProfitPrice <= p.EntryPrice {
			return nil, fmt.Errorf("long protection prices out of order: sl=%v entry=%v tp=%v", p.StopLossPrice, p.EntryPrice, p.TakeProfitPrice)
		}
		slRule, tpRule = common.TriggerLTE, common.TriggerGTE
	case common.SideShort:
		if p.StopLossPrice <= p.EntryPrice || p.TakeProfitPrice >= p.EntryPrice {
			return nil, fmt.Errorf("short protection prices out of order: sl=%v entry=%v tp=%v", p.StopLossPrice, p.EntryPrice, p.TakeProfitPrice)
		}
		slRule, tpRule = common.TriggerGTE, common.TriggerLTE
	default:
		return nil, fmt.Errorf("cannot protect side %q", side)
	}

	return []common.TriggerOrderRequest{
		{
			Contract:     contract,
			TriggerPrice: p.StopLossPrice,
			Rule:         slRule,
			Side:         side,
			Text:         clientID + StopLossSuffix,
		},
		{
			Contract:     contract,
			TriggerPrice: p.TakeProfitPrice,
			Rule:         tpRule,
			Side:         side,
			Text:         clientID + TakeProfitSuffix,
		},
	}, nil
}
