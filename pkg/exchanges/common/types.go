package common

import "time"

// Side denotes position side.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// Opposite returns the other trading side; flat stays flat.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return SideFlat
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "gtc" // Good Till Cancelled
	TIFIOC TimeInForce = "ioc" // Immediate Or Cancel
	TIFPOC TimeInForce = "poc" // Pending Or Cancelled (post only)
	TIFFOK TimeInForce = "fok" // Fill Or Kill
)

// OrderStatus follows the venue's two-state model.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFinished OrderStatus = "finished"
)

// OrderRequest captures an order intent. Size is signed contracts: positive buys, negative sells.
type OrderRequest struct {
	Contract    string
	Size        int64
	Price       float64 // 0 with TIFIOC is a market order
	TimeInForce TimeInForce
	ReduceOnly  bool
	Close       bool
	Text        string // client order id, must start with "t-"
}

// OrderResult is the venue's view of an order.
type OrderResult struct {
	ID        string
	Text      string
	Contract  string
	Size      int64
	Left      int64
	FillPrice float64
	Status    OrderStatus
	FinishAs  string
	CreatedAt time.Time
}

// Filled returns the absolute filled size in contracts.
func (o OrderResult) Filled() int64 {
	f := abs64(o.Size) - abs64(o.Left)
	if f < 0 {
		return 0
	}
	return f
}

// TriggerRule selects the comparison applied to the trigger price.
type TriggerRule int

const (
	TriggerGTE TriggerRule = 1 // fires when price >= trigger
	TriggerLTE TriggerRule = 2 // fires when price <= trigger
)

// TriggerOrderRequest is a price-triggered reduce-only close of the whole position.
type TriggerOrderRequest struct {
	Contract     string
	TriggerPrice float64
	Rule         TriggerRule
	Side         Side // side of the position being protected
	Text         string
}

// Position is the venue's position for one contract. Size is signed contracts.
type Position struct {
	Contract   string
	Size       int64
	EntryPrice float64
	Leverage   int
	UpdatedAt  time.Time
}

// Side derives the position side from the signed size.
func (p Position) Side() Side {
	switch {
	case p.Size > 0:
		return SideLong
	case p.Size < 0:
		return SideShort
	}
	return SideFlat
}

// AbsSize returns the unsigned position size.
func (p Position) AbsSize() int64 {
	return abs64(p.Size)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Candle is one OHLC bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Account carries the futures account totals used for sizing.
type Account struct {
	Total     float64
	Available float64
	Currency  string
}
