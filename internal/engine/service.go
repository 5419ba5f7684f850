// Package engine runs the signal pipeline: validate, dedupe, confirm, size,
// execute and reconcile, serialized per instrument.
package engine

import (
	"context"

	"mtf-executor/internal/signal"
	"mtf-executor/internal/state"
	"mtf-executor/pkg/db"
)

// Service is what the HTTP layer may ask of the engine.
type Service interface {
	HandleSignal(ctx context.Context, p signal.Payload) (Outcome, error)
	Reconcile(ctx context.Context, instrument string) (state.Position, error)
	Snapshot() []InstrumentView
	Positions() []state.Position
	Ready() bool
}

// ReadOnlyDB defines the audit queries exposed to operators.
type ReadOnlyDB interface {
	ListExecutions(ctx context.Context, limit int) ([]db.Execution, error)
	ListDriftEvents(ctx context.Context, limit int) ([]db.DriftEvent, error)
	ListOrders(ctx context.Context, instrument string, limit int) ([]db.Order, error)
}

var (
	_ Service    = (*Engine)(nil)
	_ ReadOnlyDB = (*db.Database)(nil)
)
