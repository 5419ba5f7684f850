package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mtf-executor/internal/events"
	"mtf-executor/internal/reconciliation"
	"mtf-executor/internal/risk"
	"mtf-executor/internal/signal"
	"mtf-executor/internal/state"
	"mtf-executor/pkg/db"
	"mtf-executor/pkg/exchanges/common"
)

// Reconciler re-reads an instrument's position from the exchange.
type Reconciler interface {
	Reconcile(ctx context.Context, instrument string) (state.Position, *reconciliation.DriftReport, error)
}

// Recorder counts final execution outcomes.
type Recorder interface {
	Execution(action, status string)
}

// Config bounds exchange calls and retries.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig matches the documented ORDER_* defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

// Executor sends intents to the exchange exactly once per idempotency key and keeps the
// local position in step with acknowledged fills. Callers hold the instrument lock.
type Executor struct {
	DB      *db.Database
	Bus     *events.Bus
	Metrics Recorder
	// Sleep waits between retries; tests replace it.
	Sleep func(time.Duration)

	gateway common.Gateway
	state   *state.Manager
	recon   Reconciler
	cfg     Config
	log     zerolog.Logger
}

func NewExecutor(gw common.Gateway, st *state.Manager, recon Reconciler, cfg Config, log zerolog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Executor{
		Sleep:   time.Sleep,
		gateway: gw,
		state:   st,
		recon:   recon,
		cfg:     cfg,
		log:     log,
	}
}

// Execute carries out one intent. A no-op is not an error.
func (e *Executor) Execute(ctx context.Context, in Intent) (ExecutionResult, error) {
	res, err := e.execute(ctx, in)
	e.record(ctx, in, res, err)
	return res, err
}

func (e *Executor) execute(ctx context.Context, in Intent) (ExecutionResult, error) {
	pos := e.state.Get(in.Instrument)
	switch in.Action {
	case ActionExit:
		if pos.IsFlat() {
			return noop(in, pos, "already flat"), nil
		}
		return e.exit(ctx, in, ActionExit)

	case ActionEnter:
		side, err := sideOf(in.Direction)
		if err != nil {
			return ExecutionResult{}, err
		}
		if !pos.IsFlat() && pos.Side == side {
			return noop(in, pos, "already "+string(side)), nil
		}
		if !pos.IsFlat() {
			// Reverse: flatten under its own key, then enter.
			flat, err := e.exit(ctx, in, ActionFlatten)
			if err != nil {
				return flat, fmt.Errorf("flatten before entry: %w", err)
			}
			if !flat.Position.IsFlat() {
				return flat, fmt.Errorf("flatten before entry left %s %v", flat.Position.Side, flat.Position.Size)
			}
		}
		return e.enter(ctx, in, side)
	}
	return ExecutionResult{}, fmt.Errorf("unknown action %q", in.Action)
}

func (e *Executor) enter(ctx context.Context, in Intent, side common.Side) (ExecutionResult, error) {
	key := IdempotencyKey(in.Instrument, in.Nonce, ActionEnter)
	res := ExecutionResult{Instrument: in.Instrument, Nonce: in.Nonce, Action: ActionEnter, ClientID: key}

	qty := int64(math.Floor(in.Params.Quantity))
	if qty <= 0 {
		return res, fmt.Errorf("%w: quantity %v is not a whole contract", risk.ErrRiskBoundsViolation, in.Params.Quantity)
	}
	size := qty
	if side == common.SideShort {
		size = -qty
	}

	req := common.OrderRequest{
		Contract:    in.Instrument,
		Size:        size,
		TimeInForce: common.TIFIOC,
		Text:        key,
	}
	accepted := func(p state.Position) bool { return p.Side == side && p.Size > 0 }

	ack, attempts, err := e.submit(ctx, in, KindEntry, req, accepted)
	res.Attempts = attempts
	if err != nil {
		return e.fail(ctx, in, res, err)
	}
	res.ExchangeID = ack.ID
	res.Filled = ack.Filled()
	res.FillPrice = ack.FillPrice
	if res.Filled == 0 {
		res.Status = StatusFailed
		res.Detail = "order accepted without fill"
		res.Position, res.Reconciled = e.reconcile(ctx, in.Instrument)
		return res, nil
	}

	entry := ack.FillPrice
	if entry <= 0 {
		entry = in.Params.EntryPrice
	}
	pos, err := e.state.Set(ctx, state.Position{
		Instrument: in.Instrument,
		Side:       side,
		Size:       float64(res.Filled),
		EntryPrice: entry,
	})
	if err != nil {
		e.log.Error().Err(err).Str("instrument", in.Instrument).Msg("failed to persist position after entry")
	}
	e.publish(events.EventPositionChange, pos)

	res.ProtectionIDs, res.Detail = e.protect(ctx, in, side, entry, key)
	if len(res.ProtectionIDs) > 0 {
		pos.OpenOrderIDs = append(pos.OpenOrderIDs, res.ProtectionIDs...)
		if pos, err = e.state.Set(ctx, pos); err != nil {
			e.log.Error().Err(err).Str("instrument", in.Instrument).Msg("failed to persist protection order ids")
		}
	}
	res.Position = pos
	res.Status = StatusFilled
	return res, nil
}

// protect places exchange-side stop-loss and take-profit triggers around the actual fill.
func (e *Executor) protect(ctx context.Context, in Intent, side common.Side, fill float64, key string) ([]string, string) {
	p := in.Params
	shift := fill - p.EntryPrice
	p.EntryPrice = fill
	p.StopLossPrice += shift
	p.TakeProfitPrice += shift

	reqs, err := risk.ProtectionOrders(in.Instrument, side, p, key)
	if err != nil {
		e.log.Error().Err(err).Str("instrument", in.Instrument).Msg("cannot build protection orders")
		return nil, "unprotected: " + err.Error()
	}

	var ids []string
	var detail string
	for i, r := range reqs {
		kind := KindStopLoss
		if i == 1 {
			kind = KindTakeProfit
		}
		cctx, cancel := e.callContext(ctx)
		id, err := e.gateway.PlaceTriggerOrder(cctx, r)
		cancel()

		row := db.Order{
			ID:         r.Text,
			ExchangeID: id,
			Instrument: in.Instrument,
			Kind:       kind,
			Price:      r.TriggerPrice,
			Status:     "open",
			CreatedAt:  time.Now(),
		}
		if err != nil {
			row.Status = "rejected"
			detail = "unprotected: " + kind + ": " + err.Error()
			e.log.Error().Err(err).Str("instrument", in.Instrument).Str("kind", kind).Msg("failed to place protection order")
			e.publish(events.EventOrderRejected, events.OrderEvent{Instrument: in.Instrument, ClientID: r.Text, Kind: kind, Price: r.TriggerPrice, Reason: err.Error()})
		} else {
			ids = append(ids, id)
			e.publish(events.EventOrderAccepted, events.OrderEvent{Instrument: in.Instrument, ClientID: r.Text, ExchangeID: id, Kind: kind, Price: r.TriggerPrice})
		}
		e.saveOrder(ctx, row)
	}
	return ids, detail
}

func (e *Executor) exit(ctx context.Context, in Intent, action Action) (ExecutionResult, error) {
	key := IdempotencyKey(in.Instrument, in.Nonce, action)
	res := ExecutionResult{Instrument: in.Instrument, Nonce: in.Nonce, Action: action, ClientID: key}

	// Protection stays on the venue until the close is confirmed; a failed close must not
	// leave the position naked.
	req := common.OrderRequest{
		Contract:    in.Instrument,
		TimeInForce: common.TIFIOC,
		ReduceOnly:  true,
		Close:       true,
		Text:        key,
	}
	ack, attempts, err := e.submit(ctx, in, KindExit, req, state.Position.IsFlat)
	res.Attempts = attempts
	if err != nil && errors.Is(err, common.ErrExchangeRejected) {
		// Stops, targets and liquidations close positions without us; an empty close is then rejected.
		if pos, ok := e.reconcile(ctx, in.Instrument); ok && pos.IsFlat() {
			e.cancelProtection(ctx, in.Instrument)
			res.Status = StatusFilled
			res.Position = pos
			res.Reconciled = true
			res.Detail = "already flat on exchange"
			return res, nil
		}
	}
	if err != nil {
		return e.fail(ctx, in, res, err)
	}
	res.ExchangeID = ack.ID
	res.Filled = ack.Filled()
	res.FillPrice = ack.FillPrice
	e.cancelProtection(ctx, in.Instrument)

	pos, err := e.state.Set(ctx, state.Flat(in.Instrument))
	if err != nil {
		e.log.Error().Err(err).Str("instrument", in.Instrument).Msg("failed to persist flat position")
	}
	e.publish(events.EventPositionChange, pos)
	res.Position = pos
	res.Status = StatusFilled
	return res, nil
}

// cancelProtection drops the stop-loss and take-profit triggers of a closed position.
// A failure is left to reconciliation, which cancels triggers orphaned by a flat position.
func (e *Executor) cancelProtection(ctx context.Context, instrument string) {
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.gateway.CancelTriggerOrders(cctx, instrument); err != nil {
		e.log.Warn().Err(err).Str("instrument", instrument).Msg("failed to cancel protection orders after exit")
	}
}

// submit places req, retrying transient failures with backoff. An ambiguous failure is never
// retried blind: the position is reconciled and the order looked up by its client id first.
// accepted reports whether a reconciled position already reflects the order.
func (e *Executor) submit(ctx context.Context, in Intent, kind string, req common.OrderRequest, accepted func(state.Position) bool) (common.OrderResult, int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BackoffInitial
	policy.MaxInterval = e.cfg.BackoffMax
	policy.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(policy, uint64(e.cfg.MaxRetries))
	retries.Reset()

	log := e.log.With().Str("instrument", in.Instrument).Str("client_id", req.Text).Str("kind", kind).Logger()
	var (
		lastErr   error
		attempts  int
		unsettled bool // a previous attempt may have reached the exchange
	)
	for {
		if unsettled {
			found, ok := e.verify(ctx, in.Instrument, req.Text, accepted)
			if found != nil {
				log.Info().Str("exchange_id", found.ID).Msg("ambiguous order found on exchange, not resending")
				e.markOrder(ctx, req.Text, found.ID, "filled")
				return *found, attempts, nil
			}
			if !ok {
				// Could not prove the order is absent; wait and check again without sending.
				next := retries.NextBackOff()
				if next == backoff.Stop {
					break
				}
				e.Sleep(next)
				continue
			}
			unsettled = false
		}

		attempts++
		e.saveOrder(ctx, db.Order{
			ID:         req.Text,
			Instrument: in.Instrument,
			Kind:       kind,
			Size:       float64(req.Size),
			Status:     "submitted",
			CreatedAt:  time.Now(),
		})
		e.publish(events.EventOrderSubmitted, events.OrderEvent{Instrument: in.Instrument, ClientID: req.Text, Kind: kind, Size: req.Size})

		cctx, cancel := e.callContext(ctx)
		ack, err := e.gateway.PlaceOrder(cctx, req)
		cancel()
		if err == nil {
			e.markOrder(ctx, req.Text, ack.ID, "filled")
			e.publish(events.EventOrderFilled, events.OrderEvent{Instrument: in.Instrument, ClientID: req.Text, ExchangeID: ack.ID, Kind: kind, Size: ack.Size, Price: ack.FillPrice})
			return ack, attempts, nil
		}
		lastErr = err

		switch common.Classify(err) {
		case common.ClassRejected:
			log.Warn().Err(err).Int("attempt", attempts).Msg("order rejected")
			e.markOrder(ctx, req.Text, "", "rejected")
			e.publish(events.EventOrderRejected, events.OrderEvent{Instrument: in.Instrument, ClientID: req.Text, Kind: kind, Size: req.Size, Reason: err.Error()})
			return common.OrderResult{}, attempts, err
		case common.ClassAmbiguous:
			log.Warn().Err(err).Int("attempt", attempts).Msg("order outcome unknown, reconciling")
			e.markOrder(ctx, req.Text, "", "unknown")
			unsettled = true
			found, ok := e.verify(ctx, in.Instrument, req.Text, accepted)
			if found != nil {
				log.Info().Str("exchange_id", found.ID).Msg("ambiguous order found on exchange, not resending")
				e.markOrder(ctx, req.Text, found.ID, "filled")
				return *found, attempts, nil
			}
			unsettled = !ok
		default:
			log.Warn().Err(err).Int("attempt", attempts).Msg("order failed, will retry")
			e.markOrder(ctx, req.Text, "", "retrying")
		}

		next := retries.NextBackOff()
		if next == backoff.Stop {
			break
		}
		e.Sleep(next)
	}
	if lastErr == nil {
		lastErr = errors.New("order state could not be verified")
	}
	e.markOrder(ctx, req.Text, "", "failed")
	return common.OrderResult{}, attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// verify reconciles the instrument and looks for the order by client id.
// ok is true only when the order is proven absent.
func (e *Executor) verify(ctx context.Context, instrument, text string, accepted func(state.Position) bool) (*common.OrderResult, bool) {
	pos, _, err := e.recon.Reconcile(ctx, instrument)
	if err != nil {
		e.log.Warn().Err(err).Str("instrument", instrument).Msg("reconcile after ambiguous outcome failed")
		return nil, false
	}

	cctx, cancel := e.callContext(ctx)
	found, err := e.gateway.FindOrderByText(cctx, instrument, text)
	cancel()
	if err != nil {
		e.log.Warn().Err(err).Str("instrument", instrument).Str("client_id", text).Msg("order lookup failed")
		return nil, false
	}
	if found != nil {
		return found, false
	}
	if accepted(pos) {
		// The fill shows in the position even though the order has aged out of the listing.
		size := int64(pos.Size)
		if pos.Side == common.SideShort {
			size = -size
		}
		return &common.OrderResult{Text: text, Contract: instrument, Size: size, FillPrice: pos.EntryPrice, Status: common.StatusFinished, FinishAs: "filled"}, false
	}
	return nil, true
}

func (e *Executor) fail(ctx context.Context, in Intent, res ExecutionResult, err error) (ExecutionResult, error) {
	res.Status = StatusFailed
	if errors.Is(err, common.ErrExchangeRejected) {
		res.Status = StatusRejected
	}
	res.Detail = err.Error()
	res.Position, res.Reconciled = e.reconcile(ctx, in.Instrument)

	e.log.Error().Err(err).
		Str("instrument", in.Instrument).
		Str("nonce", in.Nonce).
		Str("action", string(res.Action)).
		Int("attempts", res.Attempts).
		Msg("execution failed")
	e.publish(events.EventExecutionFailed, events.ExecutionFailure{
		Instrument: in.Instrument,
		Nonce:      in.Nonce,
		Action:     string(res.Action),
		ClientID:   res.ClientID,
		Attempts:   res.Attempts,
		Error:      err.Error(),
	})
	return res, err
}

func (e *Executor) reconcile(ctx context.Context, instrument string) (state.Position, bool) {
	pos, _, err := e.recon.Reconcile(ctx, instrument)
	if err != nil {
		e.log.Error().Err(err).Str("instrument", instrument).Msg("reconcile after execution failed")
		return e.state.Get(instrument), false
	}
	return pos, true
}

// callContext detaches from the caller so shutdown never interrupts an in-flight call.
func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
}

func (e *Executor) saveOrder(ctx context.Context, o db.Order) {
	if e.DB == nil {
		return
	}
	if err := e.DB.UpsertOrder(context.WithoutCancel(ctx), o); err != nil {
		e.log.Error().Err(err).Str("client_id", o.ID).Msg("store order error")
	}
}

func (e *Executor) markOrder(ctx context.Context, id, exchangeID, status string) {
	if e.DB == nil {
		return
	}
	if err := e.DB.UpdateOrderStatus(context.WithoutCancel(ctx), id, exchangeID, status); err != nil {
		e.log.Error().Err(err).Str("client_id", id).Msg("update order error")
	}
}

func (e *Executor) record(ctx context.Context, in Intent, res ExecutionResult, err error) {
	status := string(res.Status)
	if status == "" {
		status = string(StatusFailed)
	}
	if e.Metrics != nil {
		e.Metrics.Execution(string(in.Action), status)
	}
	if e.DB == nil {
		return
	}
	detail := res.Detail
	if err != nil && detail == "" {
		detail = err.Error()
	}
	row := db.Execution{
		ID:         uuid.NewString(),
		Instrument: in.Instrument,
		Nonce:      in.Nonce,
		Action:     string(in.Action),
		Status:     status,
		ClientID:   res.ClientID,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	if err := e.DB.CreateExecution(context.WithoutCancel(ctx), row); err != nil {
		e.log.Error().Err(err).Str("instrument", in.Instrument).Msg("store execution error")
	}
}

func (e *Executor) publish(ev events.Event, payload any) {
	if e.Bus != nil {
		e.Bus.Publish(ev, payload)
	}
}

func noop(in Intent, pos state.Position, reason string) ExecutionResult {
	return ExecutionResult{
		Instrument: in.Instrument,
		Nonce:      in.Nonce,
		Action:     in.Action,
		Status:     StatusNoop,
		Position:   pos,
		Detail:     reason,
	}
}

func sideOf(d signal.Direction) (common.Side, error) {
	switch d {
	case signal.Long:
		return common.SideLong, nil
	case signal.Short:
		return common.SideShort, nil
	}
	return common.SideFlat, fmt.Errorf("cannot enter direction %q", d)
}
