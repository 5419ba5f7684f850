package engine

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-executor/internal/confirm"
	"mtf-executor/internal/dedup"
	"mtf-executor/internal/events"
	"mtf-executor/internal/order"
	"mtf-executor/internal/reconciliation"
	"mtf-executor/internal/risk"
	"mtf-executor/internal/signal"
	"mtf-executor/internal/state"
	"mtf-executor/pkg/cache"
	"mtf-executor/pkg/config"
	"mtf-executor/pkg/db"
	"mtf-executor/pkg/exchanges/common"
	"mtf-executor/pkg/exchanges/paper"
)

const sol = "SOL_USDT"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type counts struct {
	mu        sync.Mutex
	signals   map[string]int
	decisions map[string]int
}

func (c *counts) Signal(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals[s]++
}

func (c *counts) Decision(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[k]++
}

type harness struct {
	t       *testing.T
	clock   *clock
	ex      *paper.Exchange
	db      *db.Database
	state   *state.Manager
	bus     *events.Bus
	metrics *counts
	engine  *Engine
}

func newHarness(t *testing.T, equity float64, database *db.Database) *harness {
	t.Helper()
	return newHarnessWith(t, paper.Config{InitialEquity: equity}, database)
}

func newHarnessWith(t *testing.T, venue paper.Config, database *db.Database) *harness {
	t.Helper()
	if database == nil {
		var err error
		database, err = db.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = database.Close() })
	}

	h := &harness{
		t:       t,
		clock:   &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		db:      database,
		bus:     events.NewBus(),
		metrics: &counts{signals: map[string]int{}, decisions: map[string]int{}},
	}
	prices := cache.NewPriceCache()
	prices.Set(sol, 100)
	h.ex = paper.New(venue, prices)
	h.state = state.NewManager(database)

	log := zerolog.Nop()
	recon := reconciliation.NewService(h.ex, h.state, reconciliation.Options{Database: database, Bus: h.bus, Tolerance: 0.5}, log)
	exec := order.NewExecutor(h.ex, h.state, recon, order.Config{Timeout: time.Second, MaxRetries: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}, log)
	exec.DB = database
	exec.Bus = h.bus
	exec.Sleep = func(time.Duration) {}

	instruments := config.DefaultInstruments()
	h.engine = New(Deps{
		Instruments: instruments,
		Rules: signal.Rules{
			Instruments:     instruments,
			Alerts:          map[string]string{"mtf-5": "5m"},
			SkewBase:        30 * time.Second,
			FutureTolerance: 5 * time.Second,
		},
		Confirm:     confirm.DefaultConfig(),
		Ledger:      dedup.NewMemoryLedger(24 * time.Hour),
		Retention:   24 * time.Hour,
		Calculator:  risk.NewVolatilityScaled(risk.DefaultSettings()),
		Volatility:  risk.NewVolatilityEstimator(h.ex, 14, "5m", 0.0075, log),
		Venue:       h.ex,
		Executor:    exec,
		Reconciler:  recon,
		State:       h.state,
		Journal:     database,
		Bus:         h.bus,
		Prices:      prices,
		Metrics:     h.metrics,
		CallTimeout: time.Second,
		Now:         h.clock.Now,
	}, log)
	require.NoError(t, h.engine.Start(context.Background()))
	return h
}

func (h *harness) payload(tf, position, nonce string, strength float64) signal.Payload {
	return signal.Payload{
		Signal:    "entry",
		Position:  position,
		Ticker:    "SOLUSDT",
		Price:     signal.FlexNumber{Value: 100, Set: true},
		Time:      signal.FlexString(strconv.FormatInt(h.clock.Now().UnixMilli(), 10)),
		Timeframe: signal.FlexString(tf),
		Strength:  signal.FlexNumber{Value: strength, Set: true},
		Nonce:     signal.FlexString(nonce),
	}
}

func (h *harness) send(p signal.Payload) Outcome {
	h.t.Helper()
	out, err := h.engine.HandleSignal(context.Background(), p)
	require.NoError(h.t, err)
	return out
}

func (h *harness) confirmLong() {
	h.t.Helper()
	assert.Equal(h.t, StatusAccepted, h.send(h.payload("1m", "long", "a1", 80)).Status)
	assert.Equal(h.t, StatusAccepted, h.send(h.payload("3m", "long", "a3", 80)).Status)
	out := h.send(h.payload("5m", "long", "a5", 80))
	require.Equal(h.t, StatusExecuted, out.Status)
	require.NotNil(h.t, out.Decision)
	assert.Equal(h.t, confirm.Enter, out.Decision.Kind)
}

func TestThreeAgreeingTimeframesEnterOnce(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.confirmLong()

	orders := h.ex.Orders()
	require.Len(t, orders, 1)
	assert.Greater(t, orders[0].Size, int64(0))

	pos := h.state.Get(sol)
	assert.Equal(t, common.SideLong, pos.Side)
	assert.Equal(t, float64(orders[0].Size), pos.Size)
	assert.Len(t, pos.OpenOrderIDs, 2, "stop-loss and take-profit")

	// every re-delivery is a duplicate and places nothing
	for _, p := range []signal.Payload{
		h.payload("1m", "long", "a1", 80),
		h.payload("3m", "long", "a3", 80),
		h.payload("5m", "long", "a5", 80),
	} {
		assert.Equal(t, StatusDuplicate, h.send(p).Status)
	}
	assert.Len(t, h.ex.Orders(), 1)
	assert.Equal(t, 1, h.metrics.decisions["enter"])
	assert.Equal(t, 3, h.metrics.signals["duplicate"])
}

func TestDisagreementEmitsNoDecision(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	for _, p := range []signal.Payload{
		h.payload("1m", "long", "b1", 80),
		h.payload("3m", "long", "b3", 80),
		h.payload("5m", "short", "b5", 80),
	} {
		out := h.send(p)
		assert.Equal(t, StatusAccepted, out.Status)
		assert.Nil(t, out.Decision)
	}
	assert.Empty(t, h.ex.Orders())
}

func TestReversalOnFiveMinuteExitsOnce(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.confirmLong()

	out := h.send(h.payload("5m", "short", "c5", 70))
	require.Equal(t, StatusExecuted, out.Status)
	require.NotNil(t, out.Decision)
	assert.Equal(t, confirm.Exit, out.Decision.Kind)
	assert.Equal(t, "neutral", out.State)

	require.Len(t, h.ex.Orders(), 2)
	p, err := h.ex.GetPosition(context.Background(), sol)
	require.NoError(t, err)
	assert.Zero(t, p.Size)
	assert.True(t, h.state.Get(sol).IsFlat())

	view := h.engine.Snapshot()[0]
	assert.Equal(t, confirm.Neutral, view.State.Kind)
}

func TestStaleTimeframeDropsConfirmationWithoutExit(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.confirmLong()

	h.clock.Advance(4 * time.Minute)
	h.engine.SweepStaleness(h.clock.Now())

	var view InstrumentView
	for _, v := range h.engine.Snapshot() {
		if v.Instrument == sol {
			view = v
		}
	}
	assert.Equal(t, confirm.Neutral, view.State.Kind)
	assert.Len(t, h.ex.Orders(), 1, "staleness never exits")
	assert.Equal(t, common.SideLong, view.Position.Side)
}

func TestInvalidSignalNeverReachesLedger(t *testing.T) {
	h := newHarness(t, 10_000, nil)

	bad := h.payload("1m", "long", "d1", 80)
	bad.Price = signal.FlexNumber{}
	out, err := h.engine.HandleSignal(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, signal.ErrInvalidSignal)
	assert.Equal(t, StatusInvalid, out.Status)

	// the same nonce is still admissible once the body is fixed
	assert.Equal(t, StatusAccepted, h.send(h.payload("1m", "long", "d1", 80)).Status)
}

func TestAlertNameResolvesTimeframe(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	p := h.payload("", "long", "e5", 80)
	p.Alert = "mtf-5"
	out := h.send(p)
	assert.Equal(t, StatusAccepted, out.Status)
	assert.Contains(t, h.engine.Snapshot()[0].Frames, signal.TF5m)
}

func TestRiskViolationSkipsExecution(t *testing.T) {
	h := newHarness(t, 1, nil)
	assert.Equal(t, StatusAccepted, h.send(h.payload("1m", "long", "f1", 80)).Status)
	assert.Equal(t, StatusAccepted, h.send(h.payload("3m", "long", "f3", 80)).Status)
	out := h.send(h.payload("5m", "long", "f5", 80))
	assert.Equal(t, StatusSkippedRisk, out.Status)
	assert.Empty(t, h.ex.Orders())
}

func TestConcurrentDeliveriesPlaceOneOrder(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.send(h.payload("1m", "long", "g1", 80))
	h.send(h.payload("3m", "long", "g3", 80))

	p := h.payload("5m", "long", "g5", 80)
	var wg sync.WaitGroup
	results := make(chan Status, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := h.engine.HandleSignal(context.Background(), p)
			results <- out.Status
		}()
	}
	wg.Wait()
	close(results)

	tally := map[Status]int{}
	for s := range results {
		tally[s]++
	}
	assert.Equal(t, 1, tally[StatusExecuted])
	assert.Equal(t, 9, tally[StatusDuplicate])
	assert.Len(t, h.ex.Orders(), 1)
}

func TestRestartReplaysJournal(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	first := newHarness(t, 10_000, database)
	first.send(first.payload("1m", "long", "h1", 80))
	first.send(first.payload("3m", "long", "h3", 80))

	second := newHarness(t, 10_000, database)
	second.clock.now = first.clock.Now()
	assert.Equal(t, StatusDuplicate, second.send(second.payload("1m", "long", "h1", 80)).Status)

	// the restored 1m and 3m readings combine with a fresh 5m
	out := second.send(second.payload("5m", "long", "h5", 80))
	assert.Equal(t, StatusExecuted, out.Status)
}

func TestManualReconcileFixesDrift(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.ex.ForcePosition(sol, -3, 99)

	pos, err := h.engine.Reconcile(context.Background(), sol)
	require.NoError(t, err)
	assert.Equal(t, common.SideShort, pos.Side)
	assert.Equal(t, 3.0, pos.Size)

	_, err = h.engine.Reconcile(context.Background(), "DOGE_USDT")
	assert.Error(t, err)
}

func TestShutdownClosesIntake(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	assert.True(t, h.engine.Ready())

	require.NoError(t, h.engine.Shutdown(context.Background()))
	assert.False(t, h.engine.Ready())

	out, err := h.engine.HandleSignal(context.Background(), h.payload("1m", "long", "i1", 80))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, StatusUnavailable, out.Status)
}

func TestFailedEntryLeavesInstrumentUnconfirmed(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.send(h.payload("1m", "long", "j1", 80))
	h.send(h.payload("3m", "long", "j3", 80))

	h.ex.Inject("place", paper.Fault{Err: &common.APIError{Method: "POST", Path: "/orders", Status: 400, Label: "INSUFFICIENT_AVAILABLE"}})
	out, err := h.engine.HandleSignal(context.Background(), h.payload("5m", "long", "j5", 80))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrExchangeRejected)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "partially_confirmed(long,3)", out.State)
	assert.True(t, h.state.Get(sol).IsFlat())

	// a redelivery is still a duplicate, but the next fresh unanimous update enters
	assert.Equal(t, StatusDuplicate, h.send(h.payload("5m", "long", "j5", 80)).Status)
	h.clock.Advance(time.Minute)
	out = h.send(h.payload("1m", "long", "j1b", 80))
	assert.Equal(t, StatusExecuted, out.Status)
	require.NotNil(t, out.Decision)
	assert.Equal(t, confirm.Enter, out.Decision.Kind)
	assert.Len(t, h.ex.Orders(), 1)
	assert.Equal(t, common.SideLong, h.state.Get(sol).Side)
}

func TestRiskSkippedEntryRetriesOnNextUpdate(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.send(h.payload("1m", "long", "m1", 80))
	h.send(h.payload("3m", "long", "m3", 80))
	out := h.send(h.payload("5m", "long", "m5", 80))
	require.Equal(t, StatusSkippedRisk, out.Status)
	assert.NotEqual(t, "confirmed(long)", out.State)

	out = h.send(h.payload("1m", "long", "m1b", 80))
	assert.Equal(t, StatusSkippedRisk, out.Status)
	assert.Equal(t, 2, h.metrics.decisions["enter"])
	assert.Empty(t, h.ex.Orders())
}

func TestFailedExitKeepsConfirmation(t *testing.T) {
	h := newHarness(t, 10_000, nil)
	h.confirmLong()

	for i := 0; i < 3; i++ {
		h.ex.Inject("place", paper.Fault{Err: &common.APIError{Method: "POST", Path: "/orders", Status: 429, Label: "TOO_MANY_REQUESTS"}})
	}
	out, err := h.engine.HandleSignal(context.Background(), h.payload("5m", "short", "k5", 70))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "confirmed(long)", out.State)
	assert.Equal(t, common.SideLong, h.state.Get(sol).Side)

	// the next disagreeing update exits again
	out = h.send(h.payload("3m", "short", "k3", 70))
	assert.Equal(t, StatusExecuted, out.Status)
	require.NotNil(t, out.Decision)
	assert.Equal(t, confirm.Exit, out.Decision.Kind)
	assert.True(t, h.state.Get(sol).IsFlat())
	p, err := h.ex.GetPosition(context.Background(), sol)
	require.NoError(t, err)
	assert.Zero(t, p.Size)
}

func TestShutdownWaitsForInFlightOrder(t *testing.T) {
	h := newHarnessWith(t, paper.Config{InitialEquity: 10_000, Latency: 100 * time.Millisecond}, nil)
	h.send(h.payload("1m", "long", "l1", 80))
	h.send(h.payload("3m", "long", "l3", 80))

	decisions, unsubscribe := h.bus.Subscribe(1, events.EventDecision)
	defer unsubscribe()

	type result struct {
		out Outcome
		err error
		at  time.Time
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.engine.HandleSignal(context.Background(), h.payload("5m", "long", "l5", 80))
		done <- result{out: out, err: err, at: time.Now()}
	}()

	select {
	case <-decisions:
	case <-time.After(5 * time.Second):
		t.Fatal("no decision published")
	}
	require.NoError(t, h.engine.Shutdown(context.Background()))
	stopped := time.Now()

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusExecuted, res.out.Status)
	assert.False(t, res.at.After(stopped), "shutdown returned before the order completed")
	require.Len(t, h.ex.Orders(), 1)

	p, err := h.ex.GetPosition(context.Background(), sol)
	require.NoError(t, err)
	local := h.state.Get(sol)
	assert.Equal(t, common.SideLong, local.Side)
	assert.Equal(t, float64(p.Size), local.Size)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	// a different key is independent
	unlockB := k.Lock("b")
	unlockB()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	assert.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, time.Millisecond)
}
