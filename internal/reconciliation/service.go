package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mtf-executor/internal/events"
	"mtf-executor/internal/state"
	"mtf-executor/pkg/db"
	"mtf-executor/pkg/exchanges/common"
)

// ExchangeClient is the read side of the venue needed to rebuild a position.
type ExchangeClient interface {
	GetPosition(ctx context.Context, contract string) (common.Position, error)
	ListOpenOrders(ctx context.Context, contract string) ([]common.OrderResult, error)
	ListTriggerOrders(ctx context.Context, contract string) ([]string, error)
	CancelTriggerOrders(ctx context.Context, contract string) error
}

// DriftRecorder counts detected drift.
type DriftRecorder interface {
	DriftDetected(instrument string)
}

// DriftReport describes a local/exchange divergence that was overwritten.
type DriftReport struct {
	Instrument string         `json:"instrument"`
	Local      state.Position `json:"local"`
	Exchange   state.Position `json:"exchange"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Service rebuilds local positions from the exchange, which is always authoritative.
// Callers must hold the instrument's lock.
type Service struct {
	exchange  ExchangeClient
	stateMgr  *state.Manager
	database  *db.Database
	bus       *events.Bus
	drift     DriftRecorder
	tolerance float64
	timeout   time.Duration
	log       zerolog.Logger
}

// Options are the optional collaborators of a Service.
type Options struct {
	Database  *db.Database
	Bus       *events.Bus
	Drift     DriftRecorder
	Tolerance float64
	Timeout   time.Duration
}

// NewService creates a new reconciliation service.
func NewService(exchange ExchangeClient, stateMgr *state.Manager, opts Options, log zerolog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Service{
		exchange:  exchange,
		stateMgr:  stateMgr,
		database:  opts.Database,
		bus:       opts.Bus,
		drift:     opts.Drift,
		tolerance: opts.Tolerance,
		timeout:   opts.Timeout,
		log:       log,
	}
}

// Reconcile reads the exchange view of instrument and makes it the local record.
// The report is nil when no drift was found.
func (s *Service) Reconcile(ctx context.Context, instrument string) (state.Position, *DriftReport, error) {
	// Reads must complete even when the triggering request is gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	exPos, err := s.exchange.GetPosition(ctx, instrument)
	if err != nil {
		return state.Position{}, nil, fmt.Errorf("reconcile %s: get position: %w", instrument, err)
	}
	open, err := s.exchange.ListOpenOrders(ctx, instrument)
	if err != nil {
		return state.Position{}, nil, fmt.Errorf("reconcile %s: list open orders: %w", instrument, err)
	}
	triggers, err := s.exchange.ListTriggerOrders(ctx, instrument)
	if err != nil {
		return state.Position{}, nil, fmt.Errorf("reconcile %s: list trigger orders: %w", instrument, err)
	}

	if exPos.Size == 0 && len(triggers) > 0 {
		// Protection left behind after a stop, a target or a liquidation closed the position.
		if err := s.exchange.CancelTriggerOrders(ctx, instrument); err != nil {
			s.log.Warn().Err(err).Str("instrument", instrument).Msg("failed to cancel orphaned trigger orders")
		} else {
			s.log.Info().Str("instrument", instrument).Int("count", len(triggers)).Msg("cancelled orphaned trigger orders")
			triggers = nil
		}
	}

	ids := make([]string, 0, len(open)+len(triggers))
	for _, o := range open {
		ids = append(ids, o.ID)
	}
	ids = append(ids, triggers...)

	exchangeView := state.Position{
		Instrument:   instrument,
		Side:         exPos.Side(),
		Size:         float64(exPos.AbsSize()),
		EntryPrice:   exPos.EntryPrice,
		OpenOrderIDs: ids,
		UpdatedAt:    time.Now(),
	}
	local := s.stateMgr.Get(instrument)

	var report *DriftReport
	if local.Diverges(exchangeView, s.tolerance) {
		report = &DriftReport{
			Instrument: instrument,
			Local:      local,
			Exchange:   exchangeView,
			DetectedAt: exchangeView.UpdatedAt,
		}
	} else if !exchangeView.IsFlat() && local.EntryPrice != 0 {
		// Sizes agree; keep the locally known entry when the venue rounds it.
		if exchangeView.EntryPrice == 0 {
			exchangeView.EntryPrice = local.EntryPrice
		}
	}

	synced, err := s.stateMgr.Set(ctx, exchangeView)
	if err != nil {
		return state.Position{}, report, fmt.Errorf("reconcile %s: persist: %w", instrument, err)
	}
	if report != nil {
		s.handleReport(ctx, report)
	}
	return synced, report, nil
}

// handleReport surfaces drift to logs, metrics, the event bus and the audit table.
func (s *Service) handleReport(ctx context.Context, report *DriftReport) {
	s.log.Warn().
		Str("instrument", report.Instrument).
		Str("local_side", string(report.Local.Side)).
		Float64("local_size", report.Local.Size).
		Str("exchange_side", string(report.Exchange.Side)).
		Float64("exchange_size", report.Exchange.Size).
		Msg("position drift detected, local state overwritten")

	if s.drift != nil {
		s.drift.DriftDetected(report.Instrument)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventDriftDetected, *report)
	}
	s.saveReport(ctx, report)
}

func (s *Service) saveReport(ctx context.Context, report *DriftReport) {
	if s.database == nil {
		return
	}
	err := s.database.CreateDriftEvent(ctx, db.DriftEvent{
		Instrument:   report.Instrument,
		LocalSide:    string(report.Local.Side),
		LocalSize:    report.Local.Size,
		ExchangeSide: string(report.Exchange.Side),
		ExchangeSize: report.Exchange.Size,
		DetectedAt:   report.DetectedAt,
	})
	if err != nil {
		s.log.Error().Err(err).Str("instrument", report.Instrument).Msg("failed to save drift event")
	}
}
