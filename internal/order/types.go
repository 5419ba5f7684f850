package order

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"mtf-executor/internal/risk"
	"mtf-executor/internal/signal"
	"mtf-executor/internal/state"
)

// ErrRetriesExhausted is returned when an order could not be placed within the retry budget.
var ErrRetriesExhausted = errors.New("order retries exhausted")

// Action is what an intent asks the executor to do.
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
	// ActionFlatten is the exit sub-step taken before reversing into the opposite side.
	ActionFlatten Action = "flatten"
)

// Order kinds stored in the orders table.
const (
	KindEntry      = "entry"
	KindExit       = "exit"
	KindStopLoss   = "stop_loss"
	KindTakeProfit = "take_profit"
)

// Intent is one execution request produced by a confirmed decision.
type Intent struct {
	Instrument string
	Nonce      string
	Action     Action
	Direction  signal.Direction // Enter only
	Params     risk.Parameters  // Enter only
}

// Status is the final outcome of an execution.
type Status string

const (
	StatusFilled   Status = "filled"
	StatusNoop     Status = "noop"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// ExecutionResult summarizes what happened on the exchange.
type ExecutionResult struct {
	Instrument    string         `json:"instrument"`
	Nonce         string         `json:"nonce"`
	Action        Action         `json:"action"`
	ClientID      string         `json:"client_id"`
	ExchangeID    string         `json:"exchange_id,omitempty"`
	Status        Status         `json:"status"`
	Filled        int64          `json:"filled"`
	FillPrice     float64        `json:"fill_price,omitempty"`
	Attempts      int            `json:"attempts"`
	ProtectionIDs []string       `json:"protection_ids,omitempty"`
	Position      state.Position `json:"position"`
	Detail        string         `json:"detail,omitempty"`
	// Reconciled is set when the position was re-read from the exchange before returning.
	Reconciled bool `json:"reconciled"`
}

// IdempotencyKey derives the exchange client order id for (instrument, nonce, action).
// The same inputs always give the same key, so a resent request can be recognized.
func IdempotencyKey(instrument, nonce string, action Action) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{instrument, nonce, string(action)}, "|")))
	return "t-" + hex.EncodeToString(sum[:])[:24]
}
