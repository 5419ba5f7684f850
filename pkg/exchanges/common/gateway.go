package common

import "context"

// Gateway abstracts the order-routing surface of a futures venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, contract, orderID string) error
	// FindOrderByText looks up an order by client id among open and recently finished orders.
	// It returns (nil, nil) when nothing matches.
	FindOrderByText(ctx context.Context, contract, text string) (*OrderResult, error)
	ListOpenOrders(ctx context.Context, contract string) ([]OrderResult, error)
	GetPosition(ctx context.Context, contract string) (Position, error)

	PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (string, error)
	ListTriggerOrders(ctx context.Context, contract string) ([]string, error)
	CancelTriggerOrders(ctx context.Context, contract string) error
}

// AccountReader exposes account equity.
type AccountReader interface {
	GetAccount(ctx context.Context) (Account, error)
}

// MarketReader exposes public market data.
type MarketReader interface {
	GetCandles(ctx context.Context, contract, interval string, limit int) ([]Candle, error)
	GetLastPrice(ctx context.Context, contract string) (float64, error)
}

// LeverageSetter configures per-contract leverage.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, contract string, leverage int) error
}

// Exchange is everything the executor stack needs from one venue.
type Exchange interface {
	Gateway
	AccountReader
	MarketReader
	LeverageSetter
}
