package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

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
)

// Executor carries out intents on the exchange.
type Executor interface {
	Execute(ctx context.Context, in order.Intent) (order.ExecutionResult, error)
}

// Reconciler re-reads one instrument from the exchange.
type Reconciler interface {
	Reconcile(ctx context.Context, instrument string) (state.Position, *reconciliation.DriftReport, error)
}

// VolatilitySource estimates absolute volatility for sizing.
type VolatilitySource interface {
	Estimate(ctx context.Context, contract string, price float64) (float64, string)
}

// Recorder counts pipeline outcomes.
type Recorder interface {
	Signal(status string)
	Decision(kind string)
}

// Venue is the part of the exchange the engine talks to directly.
type Venue interface {
	common.AccountReader
	common.MarketReader
	common.LeverageSetter
}

// Deps wires the engine's collaborators. Journal, Bus, Prices and Metrics are optional.
type Deps struct {
	Instruments []config.Instrument
	Rules       signal.Rules
	Confirm     confirm.Config
	Ledger      dedup.Ledger
	Retention   time.Duration

	Calculator risk.Calculator
	Volatility VolatilitySource
	Venue      Venue
	Executor   Executor
	Reconciler Reconciler
	State      *state.Manager

	Journal *db.Database
	Bus     *events.Bus
	Prices  *cache.PriceCache
	Metrics Recorder

	CallTimeout time.Duration
	Now         func() time.Time
}

// Engine owns the per-instrument confirmation machines and runs the pipeline.
type Engine struct {
	deps      Deps
	locks     *KeyedMutex
	machines  map[string]*confirm.Machine
	limits    map[string]risk.Limits
	contracts []string
	log       zerolog.Logger

	intake   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	ready    atomic.Bool
}

// New creates an engine with one Neutral machine per configured instrument.
func New(deps Deps, log zerolog.Logger) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = 5 * time.Second
	}
	e := &Engine{
		deps:     deps,
		locks:    NewKeyedMutex(),
		machines: make(map[string]*confirm.Machine, len(deps.Instruments)),
		limits:   make(map[string]risk.Limits, len(deps.Instruments)),
		log:      log,
	}
	for _, in := range deps.Instruments {
		e.machines[in.Contract] = confirm.NewMachine(in.Contract, deps.Confirm)
		e.limits[in.Contract] = risk.LimitsFor(in)
		e.contracts = append(e.contracts, in.Contract)
	}
	return e
}

// Start restores journaled state, configures leverage, reconciles every instrument
// and marks the engine ready.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.deps.State.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("restore signal journal: %w", err)
	}
	e.applyLeverage(ctx)
	if err := e.ReconcileAll(ctx); err != nil {
		// The periodic pass retries; the venue may simply be slow to answer.
		e.log.Error().Err(err).Msg("startup reconciliation incomplete")
	}
	e.ready.Store(true)
	e.log.Info().Strs("instruments", e.contracts).Msg("engine started")
	return nil
}

// Run drives the periodic reconciliation and staleness sweep until ctx ends.
func (e *Engine) Run(ctx context.Context, reconcileEvery, sweepEvery time.Duration) {
	reconcileTicker := time.NewTicker(reconcileEvery)
	sweepTicker := time.NewTicker(sweepEvery)
	defer reconcileTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-reconcileTicker.C:
			if err := e.ReconcileAll(ctx); err != nil {
				e.log.Error().Err(err).Msg("periodic reconciliation error")
			}
			e.pruneJournal(ctx)
		case <-sweepTicker.C:
			e.SweepStaleness(e.deps.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Ready reports whether startup finished and shutdown has not begun.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// HandleSignal runs one webhook payload through the pipeline.
func (e *Engine) HandleSignal(ctx context.Context, p signal.Payload) (Outcome, error) {
	if !e.admitIntake() {
		e.count(StatusUnavailable)
		return Outcome{Status: StatusUnavailable}, ErrShuttingDown
	}
	defer e.inflight.Done()

	now := e.deps.Now()
	env, err := signal.Validate(p, e.deps.Rules, now)
	if err != nil {
		e.count(StatusInvalid)
		return Outcome{Status: StatusInvalid, Detail: err.Error()}, err
	}
	env.ReceivedAt = now
	machine, ok := e.machines[env.Instrument]
	if !ok {
		// Validate only resolves configured instruments.
		err := fmt.Errorf("%w: instrument %s has no state machine", signal.ErrInvalidSignal, env.Instrument)
		e.count(StatusInvalid)
		return Outcome{Status: StatusInvalid, Detail: err.Error()}, err
	}

	unlock := e.locks.Lock(env.Instrument)
	defer unlock()

	out, err := e.pipeline(ctx, machine, env, now)
	out.Instrument, out.Nonce = env.Instrument, env.Nonce
	e.count(out.Status)
	return out, err
}

// pipeline is everything after validation; the instrument lock is held.
func (e *Engine) pipeline(ctx context.Context, machine *confirm.Machine, env signal.Envelope, now time.Time) (Outcome, error) {
	log := e.log.With().Str("instrument", env.Instrument).Str("nonce", env.Nonce).Str("timeframe", string(env.Timeframe)).Logger()

	res, err := e.deps.Ledger.Admit(ctx, env.Instrument, env.Nonce, now)
	if err != nil {
		log.Error().Err(err).Msg("dedup ledger unavailable")
		return Outcome{Status: StatusFailed, Detail: err.Error()}, fmt.Errorf("dedup admit: %w", err)
	}
	if res == dedup.Duplicate {
		log.Info().Msg("duplicate signal ignored")
		return Outcome{Status: StatusDuplicate}, nil
	}
	e.journal(ctx, env)
	if e.deps.Prices != nil {
		e.deps.Prices.Put(env.Instrument, env.Price, "signal")
	}

	decision, st := machine.Apply(env, now)
	e.publish(events.EventSignalAccepted, env)
	log.Info().
		Str("direction", string(env.Direction)).
		Float64("strength", env.Strength).
		Str("state", st.String()).
		Msg("signal accepted")
	if decision == nil {
		return Outcome{Status: StatusAccepted, State: st.String()}, nil
	}

	e.publish(events.EventDecision, *decision)
	if e.deps.Metrics != nil {
		e.deps.Metrics.Decision(string(decision.Kind))
	}
	log.Info().Str("decision", string(decision.Kind)).Str("direction", string(decision.Direction)).Msg("decision")

	out, err := e.act(ctx, log, *decision)
	out.Decision = decision
	out.State = e.align(machine, *decision, now).String()
	if out.State != st.String() {
		log.Info().Str("state", out.State).Msg("confirmation realigned with position")
	}
	return out, err
}

// act sizes and executes a decision, then re-reads the position before reporting.
func (e *Engine) act(ctx context.Context, log zerolog.Logger, decision confirm.Decision) (Outcome, error) {
	var out Outcome
	intent := order.Intent{Instrument: decision.Instrument, Nonce: decision.Nonce, Action: order.ActionExit}
	if decision.Kind == confirm.Enter {
		params, err := e.size(ctx, decision)
		if errors.Is(err, risk.ErrRiskBoundsViolation) {
			log.Warn().Err(err).Msg("entry skipped by risk bounds")
			out.Status, out.Detail = StatusSkippedRisk, err.Error()
			return out, nil
		}
		if err != nil {
			log.Error().Err(err).Msg("sizing failed")
			out.Status, out.Detail = StatusFailed, err.Error()
			return out, err
		}
		intent.Action = order.ActionEnter
		intent.Direction = decision.Direction
		intent.Params = params
	}

	result, execErr := e.deps.Executor.Execute(ctx, intent)
	if !result.Reconciled {
		// No outcome is reported before the position has been re-read.
		pos, _, err := e.deps.Reconciler.Reconcile(ctx, decision.Instrument)
		if err != nil {
			log.Error().Err(err).Msg("post-execution reconcile failed")
		} else {
			result.Position = pos
			result.Reconciled = true
		}
	}
	out.Execution = &result
	out.Detail = result.Detail

	switch {
	case errors.Is(execErr, risk.ErrRiskBoundsViolation):
		out.Status = StatusSkippedRisk
		return out, nil
	case execErr != nil:
		out.Status = StatusFailed
		return out, execErr
	case result.Status == order.StatusNoop:
		out.Status = StatusNoop
	case result.Status == order.StatusFilled:
		out.Status = StatusExecuted
	default:
		out.Status = StatusFailed
	}
	return out, nil
}

// align keeps the machine consistent with the position after a decision ran. An entry
// that did not leave the position on its side is unconfirmed, so the next unanimous
// update enters again. An exit that left the position open restores Confirmed, so the
// next disagreeing update exits again.
func (e *Engine) align(machine *confirm.Machine, d confirm.Decision, now time.Time) confirm.State {
	pos := e.deps.State.Get(d.Instrument)
	switch d.Kind {
	case confirm.Enter:
		if pos.IsFlat() || string(pos.Side) != string(d.Direction) {
			return machine.Revert(now)
		}
	case confirm.Exit:
		if !pos.IsFlat() {
			return machine.Hold(signal.Direction(pos.Side))
		}
	}
	return machine.State()
}

// size turns an Enter decision into trade parameters using live price, volatility and equity.
func (e *Engine) size(ctx context.Context, d confirm.Decision) (risk.Parameters, error) {
	d.Price = e.referencePrice(ctx, d.Instrument, d.Price)

	cctx, cancel := context.WithTimeout(ctx, e.deps.CallTimeout)
	acct, err := e.deps.Venue.GetAccount(cctx)
	cancel()
	if err != nil {
		return risk.Parameters{}, fmt.Errorf("read account equity: %w", err)
	}
	equity := acct.Total
	if equity <= 0 {
		equity = acct.Available
	}

	vol, source := e.deps.Volatility.Estimate(ctx, d.Instrument, d.Price)
	params, err := e.deps.Calculator.Compute(d, vol, equity, e.limits[d.Instrument])
	if err != nil {
		return risk.Parameters{}, err
	}
	e.log.Info().
		Str("instrument", d.Instrument).
		Float64("equity", equity).
		Float64("volatility", vol).
		Str("volatility_source", source).
		Float64("qty", params.Quantity).
		Float64("sl", params.StopLossPrice).
		Float64("tp", params.TakeProfitPrice).
		Msg("sized entry")
	return params, nil
}

// referencePrice prefers the venue's last trade price over the signal's bar close.
func (e *Engine) referencePrice(ctx context.Context, instrument string, fallback float64) float64 {
	cctx, cancel := context.WithTimeout(ctx, e.deps.CallTimeout)
	defer cancel()
	p, err := e.deps.Venue.GetLastPrice(cctx, instrument)
	if err != nil || p <= 0 {
		if err != nil {
			e.log.Debug().Err(err).Str("instrument", instrument).Msg("ticker unavailable, using signal price")
		}
		return fallback
	}
	if e.deps.Prices != nil {
		e.deps.Prices.Put(instrument, p, "ticker")
	}
	return p
}

// Reconcile re-reads one instrument under its lock.
func (e *Engine) Reconcile(ctx context.Context, instrument string) (state.Position, error) {
	if _, ok := e.machines[instrument]; !ok {
		return state.Position{}, fmt.Errorf("unknown instrument %q", instrument)
	}
	unlock := e.locks.Lock(instrument)
	defer unlock()
	pos, _, err := e.deps.Reconciler.Reconcile(ctx, instrument)
	return pos, err
}

// ReconcileAll reconciles every instrument, each under its own lock.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, inst := range e.contracts {
		if _, err := e.Reconcile(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepStaleness re-evaluates every machine so stale readings drop confirmation
// even when no new signal arrives.
func (e *Engine) SweepStaleness(now time.Time) {
	for _, inst := range e.contracts {
		unlock := e.locks.Lock(inst)
		m := e.machines[inst]
		before := m.State()
		after := m.Sweep(now)
		unlock()
		if before != after {
			e.log.Info().Str("instrument", inst).Str("from", before.String()).Str("to", after.String()).Msg("confirmation state decayed")
		}
	}
}

// Snapshot returns the operator view of every instrument.
func (e *Engine) Snapshot() []InstrumentView {
	views := make([]InstrumentView, 0, len(e.contracts))
	for _, inst := range e.contracts {
		unlock := e.locks.Lock(inst)
		m := e.machines[inst]
		v := InstrumentView{
			Instrument: inst,
			State:      m.State(),
			Frames:     m.Frames(),
			Position:   e.deps.State.Get(inst),
		}
		unlock()
		if e.deps.Prices != nil {
			if q, ok := e.deps.Prices.Quote(inst); ok {
				v.Price, v.PriceAt = q.Price, q.UpdatedAt
			}
		}
		views = append(views, v)
	}
	return views
}

// Positions returns the local position records.
func (e *Engine) Positions() []state.Position {
	return e.deps.State.Snapshot()
}

// Shutdown closes intake, waits for in-flight pipelines and reconciles every instrument.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.intake.Lock()
	e.closed = true
	e.intake.Unlock()
	e.ready.Store(false)

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight signals: %w", ctx.Err())
	}

	if err := e.ReconcileAll(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("final reconciliation: %w", err)
	}
	e.log.Info().Msg("engine stopped")
	return nil
}

func (e *Engine) admitIntake() bool {
	e.intake.RLock()
	defer e.intake.RUnlock()
	if e.closed {
		return false
	}
	e.inflight.Add(1)
	return true
}

func (e *Engine) applyLeverage(ctx context.Context) {
	for _, in := range e.deps.Instruments {
		if in.Leverage <= 0 {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.deps.CallTimeout)
		err := e.deps.Venue.SetLeverage(cctx, in.Contract, in.Leverage)
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Str("instrument", in.Contract).Int("leverage", in.Leverage).Msg("failed to set leverage")
			continue
		}
		e.log.Info().Str("instrument", in.Contract).Int("leverage", in.Leverage).Msg("leverage set")
	}
}

// restore replays the signal journal into the dedup ledger and the machines.
func (e *Engine) restore(ctx context.Context) error {
	if e.deps.Journal == nil {
		return nil
	}
	now := e.deps.Now()
	rows, err := e.deps.Journal.ListSignalsSince(ctx, now.Add(-e.deps.Retention))
	if err != nil {
		return err
	}

	entries := make([]dedup.Entry, 0, len(rows))
	seeded := 0
	for _, r := range rows {
		entries = append(entries, dedup.Entry{Instrument: r.Instrument, Nonce: r.Nonce, ProcessedAt: r.ReceivedAt})
		m, ok := e.machines[r.Instrument]
		if !ok {
			continue
		}
		m.Seed(signal.Envelope{
			Instrument: r.Instrument,
			Timeframe:  signal.Timeframe(r.Timeframe),
			Direction:  signal.Direction(r.Direction),
			Strength:   r.Strength,
			Price:      r.Price,
			Timestamp:  r.SignalTime,
			Nonce:      r.Nonce,
			ReceivedAt: r.ReceivedAt,
		}, now)
		seeded++
	}
	if restorer, ok := e.deps.Ledger.(interface{ Restore([]dedup.Entry) }); ok {
		restorer.Restore(entries)
	}
	e.log.Info().Int("signals", seeded).Msg("signal journal replayed")
	return nil
}

func (e *Engine) journal(ctx context.Context, env signal.Envelope) {
	if e.deps.Journal == nil {
		return
	}
	_, err := e.deps.Journal.InsertSignal(context.WithoutCancel(ctx), db.SignalRecord{
		Instrument: env.Instrument,
		Nonce:      env.Nonce,
		Timeframe:  string(env.Timeframe),
		Direction:  string(env.Direction),
		Strength:   env.Strength,
		Price:      env.Price,
		SignalTime: env.Timestamp,
		ReceivedAt: env.ReceivedAt,
	})
	if err != nil {
		e.log.Error().Err(err).Str("instrument", env.Instrument).Msg("journal signal error")
	}
}

func (e *Engine) pruneJournal(ctx context.Context) {
	if e.deps.Journal == nil {
		return
	}
	n, err := e.deps.Journal.PruneSignals(ctx, e.deps.Now().Add(-e.deps.Retention))
	if err != nil {
		e.log.Error().Err(err).Msg("prune signal journal error")
		return
	}
	if n > 0 {
		e.log.Debug().Int64("rows", n).Msg("pruned signal journal")
	}
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ev, payload)
	}
}

func (e *Engine) count(s Status) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.Signal(string(s))
	}
}
