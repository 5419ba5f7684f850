package state

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"mtf-executor/pkg/db"
	"mtf-executor/pkg/exchanges/common"
)

// Position is the local belief about the venue's live position for one instrument.
type Position struct {
	Instrument   string      `json:"instrument"`
	Side         common.Side `json:"side"`
	Size         float64     `json:"size"`
	EntryPrice   float64     `json:"entry_price"`
	OpenOrderIDs []string    `json:"open_order_ids,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Flat returns an empty position for instrument.
func Flat(instrument string) Position {
	return Position{Instrument: instrument, Side: common.SideFlat}
}

// IsFlat reports whether no exposure is held.
func (p Position) IsFlat() bool {
	return p.Side == common.SideFlat || p.Side == "" || p.Size == 0
}

// Diverges reports whether two views disagree on side or on size beyond tolerance.
func (p Position) Diverges(other Position, tolerance float64) bool {
	if p.IsFlat() && other.IsFlat() {
		return false
	}
	if p.Side != other.Side {
		return true
	}
	return math.Abs(p.Size-other.Size) > tolerance
}

// Manager keeps an in-memory view of positions while persisting to DB for durability.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]Position
	db        *db.Database
}

func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:        database,
		positions: make(map[string]Position),
	}
}

// Load seeds in-memory state from DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.positions[r.Instrument] = fromRow(r)
	}
	return nil
}

// Get returns the latest snapshot for an instrument; unknown instruments are flat.
func (m *Manager) Get(instrument string) Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[instrument]
	if !ok {
		return Flat(instrument)
	}
	p.OpenOrderIDs = append([]string(nil), p.OpenOrderIDs...)
	return p
}

// Snapshot returns all known positions ordered by instrument.
func (m *Manager) Snapshot() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		p.OpenOrderIDs = append([]string(nil), p.OpenOrderIDs...)
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Instrument < res[j].Instrument })
	return res
}

// Set persists p and then makes it the in-memory view. A flat position drops its size,
// entry price and order ids.
func (m *Manager) Set(ctx context.Context, p Position) (Position, error) {
	if p.IsFlat() {
		p = Position{Instrument: p.Instrument, Side: common.SideFlat, OpenOrderIDs: p.OpenOrderIDs}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	p.OpenOrderIDs = dedupeIDs(p.OpenOrderIDs)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, toRow(p)); err != nil {
			return Position{}, err
		}
	}
	m.positions[p.Instrument] = p
	return p, nil
}

func dedupeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func fromRow(r db.Position) Position {
	return Position{
		Instrument:   r.Instrument,
		Side:         common.Side(r.Side),
		Size:         r.Size,
		EntryPrice:   r.EntryPrice,
		OpenOrderIDs: r.OpenOrderIDs,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toRow(p Position) db.Position {
	return db.Position{
		Instrument:   p.Instrument,
		Side:         string(p.Side),
		Size:         p.Size,
		EntryPrice:   p.EntryPrice,
		OpenOrderIDs: p.OpenOrderIDs,
		UpdatedAt:    p.UpdatedAt,
	}
}
