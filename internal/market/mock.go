package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// PriceSource reads the last known price.
type PriceSource interface {
	Get(contract string) (float64, bool)
}

// MockFeed random-walks prices for dry runs so simulated stops and targets can trigger.
// A contract is walked only once a price is known for it, usually from the first signal.
type MockFeed struct {
	Prices    PriceSource
	Apply     func(contract string, price float64)
	Contracts []string
	StepBps   float64
	Interval  time.Duration
	Log       zerolog.Logger

	rng *rand.Rand
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Prices == nil || m.Apply == nil {
		m.Log.Warn().Msg("mock feed: price source or sink not set")
		return
	}
	if m.StepBps <= 0 {
		m.StepBps = 5
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Step()
			}
		}
	}()
}

// Step moves every known price once.
func (m *MockFeed) Step() {
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for _, contract := range m.Contracts {
		price, ok := m.Prices.Get(contract)
		if !ok || price <= 0 {
			continue
		}
		// simple random walk
		next := price * (1 + (m.rng.Float64()*2-1)*m.StepBps/10000)
		if next <= 0 {
			continue
		}
		m.Apply(contract, next)
	}
}
