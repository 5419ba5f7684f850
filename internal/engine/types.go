package engine

import (
	"errors"
	"time"

	"mtf-executor/internal/confirm"
	"mtf-executor/internal/order"
	"mtf-executor/internal/signal"
	"mtf-executor/internal/state"
)

// ErrShuttingDown is returned for signals that arrive after intake was closed.
var ErrShuttingDown = errors.New("engine is shutting down")

// Status is the externally visible result of one webhook delivery.
type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusDuplicate   Status = "duplicate"
	StatusExecuted    Status = "executed"
	StatusNoop        Status = "noop"
	StatusSkippedRisk Status = "skipped_risk"
	StatusFailed      Status = "failed"
	StatusInvalid     Status = "invalid"
	StatusUnavailable Status = "unavailable"
)

// Outcome describes how a signal moved through the pipeline.
type Outcome struct {
	Status     Status                 `json:"status"`
	Instrument string                 `json:"instrument,omitempty"`
	Nonce      string                 `json:"nonce,omitempty"`
	State      string                 `json:"state,omitempty"`
	Decision   *confirm.Decision      `json:"decision,omitempty"`
	Execution  *order.ExecutionResult `json:"execution,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
}

// InstrumentView is the operator snapshot of one instrument.
type InstrumentView struct {
	Instrument string                             `json:"instrument"`
	State      confirm.State                      `json:"state"`
	Frames     map[signal.Timeframe]confirm.Frame `json:"frames"`
	Position   state.Position                     `json:"position"`
	Price      float64                            `json:"price,omitempty"`
	PriceAt    time.Time                          `json:"price_at,omitempty"`
}
