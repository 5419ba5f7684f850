// Package paper simulates a USDT futures venue in memory for dry runs and tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"mtf-executor/pkg/exchanges/common"
)

// PriceSource supplies the mark price used for fills and trigger evaluation.
type PriceSource interface {
	Get(contract string) (float64, bool)
	Set(contract string, price float64)
}

// Config tunes the simulation.
type Config struct {
	InitialEquity float64
	SlippageBps   float64
	FeeRate       float64
	Latency       time.Duration
	Multipliers   map[string]float64 // contract -> quanto multiplier
}

// Fault is an injected failure for the next matching call.
// When Applied is set the call takes effect before the error is returned.
type Fault struct {
	Err     error
	Applied bool
}

type position struct {
	size  int64
	entry float64
}

type trigger struct {
	id    string
	text  string
	price float64
	rule  common.TriggerRule
	side  common.Side
}

// Exchange is an in-memory common.Exchange.
type Exchange struct {
	cfg    Config
	prices PriceSource

	mu        sync.Mutex
	nextID    int64
	equity    float64
	positions map[string]position
	orders    []common.OrderResult
	triggers  map[string][]trigger
	leverage  map[string]int
	faults    map[string][]Fault
}

var _ common.Exchange = (*Exchange)(nil)

// New creates a simulated venue reading prices from prices.
func New(cfg Config, prices PriceSource) *Exchange {
	if cfg.InitialEquity == 0 {
		cfg.InitialEquity = 1000
	}
	return &Exchange{
		cfg:       cfg,
		prices:    prices,
		nextID:    1000,
		equity:    cfg.InitialEquity,
		positions: make(map[string]position),
		triggers:  make(map[string][]trigger),
		leverage:  make(map[string]int),
		faults:    make(map[string][]Fault),
	}
}

// Inject queues a fault for the next call of op: place, cancel, find, open_orders,
// position, trigger, account.
func (e *Exchange) Inject(op string, f Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], f)
}

func (e *Exchange) takeFault(op string) (Fault, bool) {
	q := e.faults[op]
	if len(q) == 0 {
		return Fault{}, false
	}
	e.faults[op] = q[1:]
	return q[0], true
}

func (e *Exchange) wait(ctx context.Context) error {
	if e.cfg.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(e.cfg.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exchange) multiplier(contract string) float64 {
	if m, ok := e.cfg.Multipliers[contract]; ok && m > 0 {
		return m
	}
	return 1
}

// PlaceOrder fills IOC market orders at the mark price plus slippage.
func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := e.wait(ctx); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	fault, hasFault := e.takeFault("place")
	if hasFault && !fault.Applied {
		return common.OrderResult{}, fault.Err
	}

	res, err := e.fillLocked(req)
	if err != nil {
		return common.OrderResult{}, err
	}
	if hasFault {
		return common.OrderResult{}, fault.Err
	}
	return res, nil
}

func (e *Exchange) fillLocked(req common.OrderRequest) (common.OrderResult, error) {
	mark, ok := e.prices.Get(req.Contract)
	if !ok || mark <= 0 {
		mark = req.Price
	}
	if mark <= 0 {
		return common.OrderResult{}, &common.APIError{Method: "POST", Path: "/orders", Status: 400, Label: "CONTRACT_NO_PRICE", Message: "no mark price for " + req.Contract}
	}

	pos := e.positions[req.Contract]
	delta := req.Size
	if req.Close {
		delta = -pos.size
	}
	if req.ReduceOnly || req.Close {
		if pos.size == 0 || sign(delta) == sign(pos.size) {
			return common.OrderResult{}, &common.APIError{Method: "POST", Path: "/orders", Status: 400, Label: "REDUCE_ONLY_FAIL", Message: "reduce only order would increase position"}
		}
		if abs(delta) > abs(pos.size) {
			delta = -pos.size
		}
	}
	if delta == 0 {
		return common.OrderResult{}, &common.APIError{Method: "POST", Path: "/orders", Status: 400, Label: "INVALID_PARAM_VALUE", Message: "size is zero"}
	}

	slip := mark * e.cfg.SlippageBps / 10000
	price := mark + slip
	if delta < 0 {
		price = mark - slip
	}

	e.applyFillLocked(req.Contract, delta, price)

	e.nextID++
	res := common.OrderResult{
		ID:        strconv.FormatInt(e.nextID, 10),
		Text:      req.Text,
		Contract:  req.Contract,
		Size:      delta,
		FillPrice: price,
		Status:    common.StatusFinished,
		FinishAs:  "filled",
		CreatedAt: time.Now(),
	}
	e.orders = append(e.orders, res)
	return res, nil
}

func (e *Exchange) applyFillLocked(contract string, delta int64, price float64) {
	pos := e.positions[contract]
	mult := e.multiplier(contract)
	e.equity -= math.Abs(float64(delta)) * price * mult * e.cfg.FeeRate

	switch {
	case pos.size == 0 || sign(delta) == sign(pos.size):
		total := abs(pos.size) + abs(delta)
		pos.entry = (pos.entry*float64(abs(pos.size)) + price*float64(abs(delta))) / float64(total)
		pos.size += delta
	default:
		closed := min64(abs(delta), abs(pos.size))
		e.equity += float64(closed) * (price - pos.entry) * float64(sign(pos.size)) * mult
		pos.size += delta
		if pos.size == 0 {
			pos.entry = 0
		} else if sign(pos.size) == sign(delta) {
			// flipped through zero
			pos.entry = price
		}
	}
	if pos.size == 0 {
		delete(e.triggers, contract)
	}
	e.positions[contract] = pos
}

// CancelOrder is a no-op for filled IOC orders and fails for unknown ids.
func (e *Exchange) CancelOrder(ctx context.Context, contract, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault("cancel"); ok {
		return f.Err
	}
	for _, o := range e.orders {
		if o.ID == orderID {
			return nil
		}
	}
	return &common.APIError{Method: "DELETE", Path: "/orders/" + orderID, Status: 404, Label: "ORDER_NOT_FOUND"}
}

// FindOrderByText returns the order carrying the client id, if any.
func (e *Exchange) FindOrderByText(ctx context.Context, contract, text string) (*common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault("find"); ok {
		return nil, f.Err
	}
	for i := len(e.orders) - 1; i >= 0; i-- {
		if e.orders[i].Contract == contract && e.orders[i].Text == text {
			o := e.orders[i]
			return &o, nil
		}
	}
	return nil, nil
}

// ListOpenOrders always returns nothing: the simulator only fills IOC orders.
func (e *Exchange) ListOpenOrders(ctx context.Context, contract string) ([]common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault("open_orders"); ok {
		return nil, f.Err
	}
	return nil, nil
}

// GetPosition returns the simulated position.
func (e *Exchange) GetPosition(ctx context.Context, contract string) (common.Position, error) {
	if err := e.wait(ctx); err != nil {
		return common.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault("position"); ok {
		return common.Position{}, f.Err
	}
	p := e.positions[contract]
	return common.Position{
		Contract:   contract,
		Size:       p.size,
		EntryPrice: p.entry,
		Leverage:   e.leverage[contract],
		UpdatedAt:  time.Now(),
	}, nil
}

// PlaceTriggerOrder registers a close-position trigger.
func (e *Exchange) PlaceTriggerOrder(ctx context.Context, req common.TriggerOrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault("trigger"); ok {
		return "", f.Err
	}
	if e.positions[req.Contract].size == 0 {
		return "", &common.APIError{Method: "POST", Path: "/price_orders", Status: 400, Label: "POSITION_EMPTY"}
	}
	e.nextID++
	id := strconv.FormatInt(e.nextID, 10)
	e.triggers[req.Contract] = append(e.triggers[req.Contract], trigger{
		id: id, text: req.Text, price: req.TriggerPrice, rule: req.Rule, side: req.Side,
	})
	return id, nil
}

// ListTriggerOrders returns ids of pending triggers.
func (e *Exchange) ListTriggerOrders(ctx context.Context, contract string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.triggers[contract]))
	for _, t := range e.triggers[contract] {
		ids = append(ids, t.id)
	}
	return ids, nil
}

// CancelTriggerOrders drops all pending triggers for a contract.
func (e *Exchange) CancelTriggerOrders(ctx context.Context, contract string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.triggers, contract)
	return nil
}

// GetAccount reports realized equity.
func (e *Exchange) GetAccount(ctx context.Context) (common.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.takeFault("account"); ok {
		return common.Account{}, f.Err
	}
	return common.Account{Total: e.equity, Available: e.equity, Currency: "USDT"}, nil
}

// GetCandles has no history to offer; callers fall back to price-based volatility.
func (e *Exchange) GetCandles(ctx context.Context, contract, interval string, limit int) ([]common.Candle, error) {
	return nil, nil
}

// GetLastPrice returns the current mark price.
func (e *Exchange) GetLastPrice(ctx context.Context, contract string) (float64, error) {
	if p, ok := e.prices.Get(contract); ok {
		return p, nil
	}
	return 0, fmt.Errorf("no price for %s", contract)
}

// SetLeverage records the leverage.
func (e *Exchange) SetLeverage(ctx context.Context, contract string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[contract] = leverage
	return nil
}

// SetPrice moves the mark price and fires any crossed triggers.
func (e *Exchange) SetPrice(contract string, price float64) {
	e.prices.Set(contract, price)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.triggers[contract] {
		fired := (t.rule == common.TriggerGTE && price >= t.price) ||
			(t.rule == common.TriggerLTE && price <= t.price)
		if !fired {
			continue
		}
		pos := e.positions[contract]
		if pos.size != 0 {
			e.applyFillLocked(contract, -pos.size, price)
			e.nextID++
			e.orders = append(e.orders, common.OrderResult{
				ID: strconv.FormatInt(e.nextID, 10), Text: t.text, Contract: contract,
				Size: -pos.size, FillPrice: price, Status: common.StatusFinished, FinishAs: "filled", CreatedAt: time.Now(),
			})
		}
		delete(e.triggers, contract)
		return
	}
}

// ForcePosition overwrites a position, simulating activity outside this process.
func (e *Exchange) ForcePosition(contract string, size int64, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[contract] = position{size: size, entry: entry}
	if size == 0 {
		delete(e.triggers, contract)
	}
}

// Orders returns every order placed so far.
func (e *Exchange) Orders() []common.OrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.OrderResult, len(e.orders))
	copy(out, e.orders)
	return out
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
