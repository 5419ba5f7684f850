package events

import "time"

// Event enumerates topics published inside the executor.
type Event string

const (
	EventSignalAccepted  Event = "signal.accepted"
	EventDecision        Event = "decision"
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderAccepted   Event = "order.accepted"
	EventOrderRejected   Event = "order.rejected"
	EventOrderFilled     Event = "order.filled"
	EventPositionChange  Event = "position_change"
	EventDriftDetected   Event = "drift.detected"
	EventExecutionFailed Event = "execution.failed"
)

// OperatorAlerts are the topics streamed to operators.
var OperatorAlerts = []Event{EventDriftDetected, EventExecutionFailed}

// Message wraps a payload with its topic for multi-topic subscribers.
type Message struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// OrderEvent describes one order lifecycle step.
type OrderEvent struct {
	Instrument string  `json:"instrument"`
	ClientID   string  `json:"client_id"`
	ExchangeID string  `json:"exchange_id,omitempty"`
	Kind       string  `json:"kind"`
	Size       int64   `json:"size"`
	Price      float64 `json:"price,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ExecutionFailure is raised when an execution gives up after its retry budget.
type ExecutionFailure struct {
	Instrument string `json:"instrument"`
	Nonce      string `json:"nonce"`
	Action     string `json:"action"`
	ClientID   string `json:"client_id"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}
