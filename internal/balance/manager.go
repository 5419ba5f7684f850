// Package balance keeps the account equity used for position sizing.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-executor/pkg/exchanges/common"
)

// Manager reads equity from the venue and remembers the last good snapshot.
// A failed live read falls back to that snapshot while it is younger than maxStale.
type Manager struct {
	exchange     common.AccountReader
	syncInterval time.Duration
	maxStale     time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu       sync.RWMutex
	cache    common.Account
	lastSync time.Time
}

// NewManager creates a new balance manager.
func NewManager(exchange common.AccountReader, syncInterval, maxStale time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		exchange:     exchange,
		syncInterval: syncInterval,
		maxStale:     maxStale,
		now:          time.Now,
		log:          log,
	}
}

// Start begins periodic balance sync.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.log.Warn().Err(err).Msg("initial balance sync failed")
	}
	if m.syncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.log.Warn().Err(err).Msg("balance sync error")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balance from the exchange.
func (m *Manager) Sync(ctx context.Context) error {
	acct, err := m.exchange.GetAccount(ctx)
	if err != nil {
		return err
	}
	m.store(acct)
	m.log.Debug().Float64("total", acct.Total).Float64("available", acct.Available).Msg("balance synced")
	return nil
}

// GetAccount prefers a live read and falls back to a recent snapshot.
func (m *Manager) GetAccount(ctx context.Context) (common.Account, error) {
	acct, err := m.exchange.GetAccount(ctx)
	if err == nil {
		m.store(acct)
		return acct, nil
	}

	cached, at := m.Snapshot()
	if at.IsZero() || m.now().Sub(at) > m.maxStale {
		return common.Account{}, err
	}
	m.log.Warn().Err(err).Dur("age", m.now().Sub(at)).Msg("using cached balance")
	return cached, nil
}

// Snapshot returns the cached balance and when it was read.
func (m *Manager) Snapshot() (common.Account, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache, m.lastSync
}

func (m *Manager) store(acct common.Account) {
	m.mu.Lock()
	m.cache = acct
	m.lastSync = m.now()
	m.mu.Unlock()
}

// Venue overrides the account reads of an exchange with a Manager.
type Venue struct {
	common.Exchange
	Balance *Manager
}

func (v Venue) GetAccount(ctx context.Context) (common.Account, error) {
	if v.Balance == nil {
		return v.Exchange.GetAccount(ctx)
	}
	acct, err := v.Balance.GetAccount(ctx)
	if err != nil {
		return common.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}
