package order

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-executor/internal/events"
	"mtf-executor/internal/reconciliation"
	"mtf-executor/internal/risk"
	"mtf-executor/internal/signal"
	"mtf-executor/internal/state"
	"mtf-executor/pkg/cache"
	"mtf-executor/pkg/db"
	"mtf-executor/pkg/exchanges/common"
	"mtf-executor/pkg/exchanges/paper"
)

const sol = "SOL_USDT"

type recorder struct{ calls []string }

func (r *recorder) Execution(action, status string) { r.calls = append(r.calls, action+":"+status) }

type harness struct {
	ex      *paper.Exchange
	state   *state.Manager
	db      *db.Database
	bus     *events.Bus
	metrics *recorder
	exec    *Executor
	sleeps  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	prices := cache.NewPriceCache()
	prices.Set(sol, 100)

	h := &harness{
		ex:      paper.New(paper.Config{InitialEquity: 10_000}, prices),
		state:   state.NewManager(database),
		db:      database,
		bus:     events.NewBus(),
		metrics: &recorder{},
	}
	recon := reconciliation.NewService(h.ex, h.state, reconciliation.Options{Database: database, Tolerance: 0.5}, zerolog.Nop())
	h.exec = NewExecutor(h.ex, h.state, recon, Config{Timeout: time.Second, MaxRetries: 3, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}, zerolog.Nop())
	h.exec.DB = database
	h.exec.Bus = h.bus
	h.exec.Metrics = h.metrics
	h.exec.Sleep = func(time.Duration) { h.sleeps++ }
	return h
}

func enterIntent(nonce string, dir signal.Direction) Intent {
	p := risk.Parameters{EntryPrice: 100, StopLossPrice: 98, TakeProfitPrice: 104, Quantity: 5, StopDistance: 2, TakeProfitDistance: 4}
	if dir == signal.Short {
		p.StopLossPrice, p.TakeProfitPrice = 102, 96
	}
	return Intent{Instrument: sol, Nonce: nonce, Action: ActionEnter, Direction: dir, Params: p}
}

func TestIdempotencyKey(t *testing.T) {
	k := IdempotencyKey(sol, "n1", ActionEnter)
	assert.Equal(t, k, IdempotencyKey(sol, "n1", ActionEnter))
	assert.NotEqual(t, k, IdempotencyKey(sol, "n1", ActionExit))
	assert.NotEqual(t, k, IdempotencyKey(sol, "n2", ActionEnter))
	assert.NotEqual(t, k, IdempotencyKey("BTC_USDT", "n1", ActionEnter))
	assert.Len(t, k, 26)
	assert.Equal(t, "t-", k[:2])
	// protective suffixes must still fit the venue's 28 byte text limit after the prefix
	assert.LessOrEqual(t, len(k+risk.StopLossSuffix)-2, 28)
}

func TestEnterFromFlatPlacesOrderAndProtection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, int64(5), res.Filled)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.ProtectionIDs, 2)

	pos := h.state.Get(sol)
	assert.Equal(t, common.SideLong, pos.Side)
	assert.Equal(t, 5.0, pos.Size)
	assert.ElementsMatch(t, res.ProtectionIDs, pos.OpenOrderIDs)

	triggers, err := h.ex.ListTriggerOrders(ctx, sol)
	require.NoError(t, err)
	assert.Len(t, triggers, 2)

	orders, err := h.db.ListOrders(ctx, sol, 10)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	execs, err := h.db.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "filled", execs[0].Status)
	assert.Equal(t, []string{"enter:filled"}, h.metrics.calls)
}

func TestEnterSameSideIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)

	res, err := h.exec.Execute(ctx, enterIntent("n2", signal.Long))
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, res.Status)
	assert.Len(t, h.ex.Orders(), 1)
}

func TestExitWhileFlatIsNoop(t *testing.T) {
	h := newHarness(t)
	res, err := h.exec.Execute(context.Background(), Intent{Instrument: sol, Nonce: "n1", Action: ActionExit})
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, res.Status)
	assert.Empty(t, h.ex.Orders())
}

func TestExitClosesPositionAndProtection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)

	res, err := h.exec.Execute(ctx, Intent{Instrument: sol, Nonce: "n2", Action: ActionExit})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.True(t, h.state.Get(sol).IsFlat())

	p, err := h.ex.GetPosition(ctx, sol)
	require.NoError(t, err)
	assert.Zero(t, p.Size)
	triggers, err := h.ex.ListTriggerOrders(ctx, sol)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestFailedExitKeepsProtection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		h.ex.Inject("place", paper.Fault{Err: &common.APIError{Method: "POST", Path: "/orders", Status: 429, Label: "TOO_MANY_REQUESTS"}})
	}
	res, err := h.exec.Execute(ctx, Intent{Instrument: sol, Nonce: "n2", Action: ActionExit})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StatusFailed, res.Status)

	p, err := h.ex.GetPosition(ctx, sol)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Size)
	triggers, err := h.ex.ListTriggerOrders(ctx, sol)
	require.NoError(t, err)
	assert.Len(t, triggers, 2, "stop-loss and take-profit must survive a failed close")

	local := h.state.Get(sol)
	assert.Equal(t, common.SideLong, local.Side)
	assert.ElementsMatch(t, triggers, local.OpenOrderIDs)
}

func TestFailedFlattenKeepsPositionAndProtection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)

	h.ex.Inject("place", paper.Fault{Err: &common.APIError{Method: "POST", Path: "/orders", Status: 400, Label: "INSUFFICIENT_AVAILABLE"}})
	_, err = h.exec.Execute(ctx, enterIntent("n2", signal.Short))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrExchangeRejected)

	triggers, err := h.ex.ListTriggerOrders(ctx, sol)
	require.NoError(t, err)
	assert.Len(t, triggers, 2)
	assert.Len(t, h.ex.Orders(), 1, "no entry after a failed flatten")
	assert.Equal(t, common.SideLong, h.state.Get(sol).Side)
}

func TestOppositeEntryFlattensThenEnters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)

	res, err := h.exec.Execute(ctx, enterIntent("n2", signal.Short))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)

	orders := h.ex.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, IdempotencyKey(sol, "n2", ActionFlatten), orders[1].Text)
	assert.Equal(t, int64(-5), orders[1].Size)
	assert.Equal(t, IdempotencyKey(sol, "n2", ActionEnter), orders[2].Text)

	p, err := h.ex.GetPosition(ctx, sol)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), p.Size)
	assert.Equal(t, common.SideShort, h.state.Get(sol).Side)
}

func TestAmbiguousAcceptedOrderIsNotResent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.Inject("place", paper.Fault{Err: context.DeadlineExceeded, Applied: true})

	res, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, h.ex.Orders(), 1, "order must not be duplicated")
	assert.Zero(t, h.sleeps)
	assert.Equal(t, common.SideLong, h.state.Get(sol).Side)
}

func TestAmbiguousUnacceptedOrderIsRetriedAfterReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.Inject("place", paper.Fault{Err: context.DeadlineExceeded})

	res, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, h.ex.Orders(), 1)
	assert.Equal(t, 1, h.sleeps)

	row, err := h.db.GetOrder(ctx, IdempotencyKey(sol, "n1", ActionEnter))
	require.NoError(t, err)
	assert.Equal(t, 2, row.Attempts)
}

func TestAmbiguousWithFailedLookupNeverResends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.Inject("place", paper.Fault{Err: context.DeadlineExceeded})
	for i := 0; i < 10; i++ {
		h.ex.Inject("find", paper.Fault{Err: context.DeadlineExceeded})
	}

	res, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, h.ex.Orders())
}

func TestTransientExhaustionReportsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alerts, unsub := h.bus.Subscribe(4, events.EventExecutionFailed)
	defer unsub()

	for i := 0; i < 4; i++ {
		h.ex.Inject("place", paper.Fault{Err: &common.APIError{Method: "POST", Path: "/orders", Status: 429, Label: "TOO_MANY_REQUESTS"}})
	}

	res, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, common.ErrExchangeTransient)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, h.sleeps)
	assert.True(t, res.Reconciled)

	select {
	case msg := <-alerts:
		failure, ok := msg.Payload.(events.ExecutionFailure)
		require.True(t, ok)
		assert.Equal(t, sol, failure.Instrument)
		assert.Equal(t, 4, failure.Attempts)
	case <-time.After(time.Second):
		t.Fatal("execution failure not published")
	}

	execs, err := h.db.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "failed", execs[0].Status)
}

func TestRejectionIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.ex.Inject("place", paper.Fault{Err: &common.APIError{Method: "POST", Path: "/orders", Status: 400, Label: "INSUFFICIENT_AVAILABLE"}})

	res, err := h.exec.Execute(context.Background(), enterIntent("n1", signal.Long))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrExchangeRejected)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, h.sleeps)
	assert.True(t, h.state.Get(sol).IsFlat())
}

func TestExitAfterExternalCloseSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, enterIntent("n1", signal.Long))
	require.NoError(t, err)

	// stop-loss fires on the venue
	h.ex.SetPrice(sol, 90)

	res, err := h.exec.Execute(ctx, Intent{Instrument: sol, Nonce: "n2", Action: ActionExit})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, "already flat on exchange", res.Detail)
	assert.True(t, h.state.Get(sol).IsFlat())
}

func TestFractionalQuantityIsRejectedLocally(t *testing.T) {
	h := newHarness(t)
	in := enterIntent("n1", signal.Long)
	in.Params.Quantity = 0.5

	_, err := h.exec.Execute(context.Background(), in)
	assert.ErrorIs(t, err, risk.ErrRiskBoundsViolation)
	assert.Empty(t, h.ex.Orders())
}
