// Package gateway selects and builds the venue the executor trades on.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"mtf-executor/internal/logging"
	"mtf-executor/pkg/cache"
	"mtf-executor/pkg/config"
	"mtf-executor/pkg/exchanges/common"
	gatefut "mtf-executor/pkg/exchanges/gateio/futures_usdt"
	"mtf-executor/pkg/exchanges/paper"
)

const (
	VenuePaper   = "paper"
	VenueGateUSD = "gateio-futures-usdt"
)

// ErrMissingCredentials is returned for live trading without API keys.
var ErrMissingCredentials = errors.New("API_KEY and SECRET_KEY are required unless DRY_RUN=true")

// Observer is told about every exchange request.
type Observer func(op string, elapsed time.Duration, err error)

// Built is the selected venue. Paper is set only in dry-run mode.
type Built struct {
	Exchange common.Exchange
	Venue    string
	Paper    *paper.Exchange
}

// Build returns the simulated venue when cfg.DryRun is set and the Gate.io client otherwise.
// The live client starts its clock sync on ctx.
func Build(ctx context.Context, cfg *config.Config, prices *cache.PriceCache, observe Observer, log zerolog.Logger) (Built, error) {
	if cfg.DryRun {
		mult := make(map[string]float64, len(cfg.Instruments))
		for _, in := range cfg.Instruments {
			mult[in.Contract] = in.ContractMultiplier
		}
		ex := paper.New(paper.Config{
			InitialEquity: cfg.DryRunEquity,
			SlippageBps:   2,
			FeeRate:       0.0005,
			Multipliers:   mult,
		}, prices)
		log.Warn().Float64("equity", cfg.DryRunEquity).Msg("dry-run mode: orders are simulated")
		return Built{Exchange: ex, Venue: VenuePaper, Paper: ex}, nil
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Built{}, ErrMissingCredentials
	}
	client, err := gatefut.NewClient(gatefut.Config{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.GateBaseURL,
		Timeout:   cfg.OrderTimeout,
		Observe:   observe,
	}, logging.Component(log, "gateio"))
	if err != nil {
		return Built{}, err
	}
	client.StartTimeSync(ctx)
	return Built{Exchange: client, Venue: VenueGateUSD}, nil
}
