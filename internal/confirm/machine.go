package confirm

import (
	"fmt"
	"time"

	"mtf-executor/internal/signal"
)

// Kind of confirmation state.
type Kind int

const (
	Neutral Kind = iota
	PartiallyConfirmed
	Confirmed
)

func (k Kind) String() string {
	switch k {
	case PartiallyConfirmed:
		return "partially_confirmed"
	case Confirmed:
		return "confirmed"
	}
	return "neutral"
}

// State is the per-instrument confirmation state. Count is only set for PartiallyConfirmed.
type State struct {
	Kind      Kind             `json:"kind"`
	Direction signal.Direction `json:"direction,omitempty"`
	Count     int              `json:"count,omitempty"`
}

func (s State) String() string {
	switch s.Kind {
	case PartiallyConfirmed:
		return fmt.Sprintf("partially_confirmed(%s,%d)", s.Direction, s.Count)
	case Confirmed:
		return fmt.Sprintf("confirmed(%s)", s.Direction)
	}
	return "neutral"
}

// DecisionKind says whether a decision opens or closes exposure.
type DecisionKind string

const (
	Enter DecisionKind = "enter"
	Exit  DecisionKind = "exit"
)

// Decision is emitted on unanimous confirmation or on reversal out of Confirmed.
// For Exit, Direction is the side being left.
type Decision struct {
	Instrument        string           `json:"instrument"`
	Kind              DecisionKind     `json:"kind"`
	Direction         signal.Direction `json:"direction"`
	ConfirmedStrength float64          `json:"confirmed_strength"`
	Price             float64          `json:"price"`
	Nonce             string           `json:"nonce"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// Frame is the latest reading for one timeframe.
type Frame struct {
	Direction signal.Direction `json:"direction"`
	Strength  float64          `json:"strength"`
	Timestamp time.Time        `json:"timestamp"`
}

// Config sets staleness windows and strength weights per timeframe.
type Config struct {
	Staleness map[signal.Timeframe]time.Duration
	Weights   map[signal.Timeframe]float64
}

// DefaultConfig uses three bars of staleness and equal weights.
func DefaultConfig() Config {
	return Config{
		Staleness: map[signal.Timeframe]time.Duration{
			signal.TF1m: 3 * time.Minute,
			signal.TF3m: 9 * time.Minute,
			signal.TF5m: 15 * time.Minute,
		},
		Weights: map[signal.Timeframe]float64{signal.TF1m: 1, signal.TF3m: 1, signal.TF5m: 1},
	}
}

// Machine tracks one instrument. It is not safe for concurrent use; callers
// serialize access per instrument.
type Machine struct {
	instrument string
	cfg        Config
	frames     map[signal.Timeframe]Frame
	state      State
}

// NewMachine creates a Neutral machine.
func NewMachine(instrument string, cfg Config) *Machine {
	return &Machine{
		instrument: instrument,
		cfg:        cfg,
		frames:     make(map[signal.Timeframe]Frame, len(signal.Timeframes)),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Frames returns a copy of the per-timeframe readings.
func (m *Machine) Frames() map[signal.Timeframe]Frame {
	out := make(map[signal.Timeframe]Frame, len(m.frames))
	for tf, f := range m.frames {
		out[tf] = f
	}
	return out
}

// Apply folds a validated envelope into the machine and returns a decision when one is due.
// An envelope older than the reading already held for its timeframe is ignored.
func (m *Machine) Apply(env signal.Envelope, now time.Time) (*Decision, State) {
	// Settle staleness first so the outcome never depends on when Sweep last ran.
	if m.state.Kind == Confirmed {
		m.Sweep(now)
	}
	if cur, ok := m.frames[env.Timeframe]; ok && env.Timestamp.Before(cur.Timestamp) {
		return nil, m.state
	}
	m.frames[env.Timeframe] = Frame{Direction: env.Direction, Strength: env.Strength, Timestamp: env.Timestamp}

	if m.state.Kind == Confirmed {
		held := m.state.Direction
		if env.Direction != held {
			m.state = State{Kind: Neutral}
			return &Decision{
				Instrument:        m.instrument,
				Kind:              Exit,
				Direction:         held,
				ConfirmedStrength: env.Strength,
				Price:             env.Price,
				Nonce:             env.Nonce,
				GeneratedAt:       now,
			}, m.state
		}
	}

	dir, strength, unanimous := m.unanimity(now)
	if unanimous {
		if m.state.Kind == Confirmed && m.state.Direction == dir {
			return nil, m.state
		}
		m.state = State{Kind: Confirmed, Direction: dir}
		return &Decision{
			Instrument:        m.instrument,
			Kind:              Enter,
			Direction:         dir,
			ConfirmedStrength: strength,
			Price:             env.Price,
			Nonce:             env.Nonce,
			GeneratedAt:       now,
		}, m.state
	}

	m.settle(now)
	return nil, m.state
}

// Sweep re-evaluates staleness without new input. It never emits a decision:
// a Confirmed state that loses unanimity only through staleness drops to Neutral.
func (m *Machine) Sweep(now time.Time) State {
	if m.state.Kind == Confirmed {
		if m.lapsed(now) {
			m.state = State{Kind: Neutral}
		}
		return m.state
	}
	m.state = m.partial(now)
	return m.state
}

// Revert drops a Confirmed state whose entry did not take effect on the venue, so the
// next unanimous fresh update decides again.
func (m *Machine) Revert(now time.Time) State {
	if m.state.Kind == Confirmed {
		m.state = m.partial(now)
	}
	return m.state
}

// Hold puts the machine back in Confirmed(dir) after an exit that left the position open.
// The next disagreeing update then emits Exit again.
func (m *Machine) Hold(dir signal.Direction) State {
	m.state = State{Kind: Confirmed, Direction: dir}
	return m.state
}

// Seed restores a reading without evaluating decisions, used when replaying
// the signal journal after a restart.
func (m *Machine) Seed(env signal.Envelope, now time.Time) {
	if cur, ok := m.frames[env.Timeframe]; ok && env.Timestamp.Before(cur.Timestamp) {
		return
	}
	m.frames[env.Timeframe] = Frame{Direction: env.Direction, Strength: env.Strength, Timestamp: env.Timestamp}
	if dir, _, unanimous := m.unanimity(now); unanimous {
		m.state = State{Kind: Confirmed, Direction: dir}
		return
	}
	m.state = m.partial(now)
}

// settle moves to the non-confirmed state implied by the fresh readings.
func (m *Machine) settle(now time.Time) {
	if m.state.Kind == Confirmed {
		m.state = State{Kind: Neutral}
		return
	}
	m.state = m.partial(now)
}

// lapsed reports whether any timeframe lacks a fresh reading.
func (m *Machine) lapsed(now time.Time) bool {
	for _, tf := range signal.Timeframes {
		f, ok := m.frames[tf]
		if !ok || m.stale(tf, f, now) {
			return true
		}
	}
	return false
}

func (m *Machine) stale(tf signal.Timeframe, f Frame, now time.Time) bool {
	window, ok := m.cfg.Staleness[tf]
	if !ok {
		window = 3 * tf.Duration()
	}
	return now.Sub(f.Timestamp) > window
}

// unanimity reports whether every timeframe holds a fresh, identical, non-flat
// reading, and the weighted mean strength when it does.
func (m *Machine) unanimity(now time.Time) (signal.Direction, float64, bool) {
	var (
		dir          signal.Direction
		sum, weights float64
	)
	for _, tf := range signal.Timeframes {
		f, ok := m.frames[tf]
		if !ok || m.stale(tf, f, now) || f.Direction == signal.Flat {
			return "", 0, false
		}
		if dir == "" {
			dir = f.Direction
		} else if f.Direction != dir {
			return "", 0, false
		}
		w := m.weight(tf)
		sum += w * f.Strength
		weights += w
	}
	if weights == 0 {
		return "", 0, false
	}
	return dir, sum / weights, true
}

func (m *Machine) weight(tf signal.Timeframe) float64 {
	if w, ok := m.cfg.Weights[tf]; ok && w > 0 {
		return w
	}
	return 1
}

func (m *Machine) partial(now time.Time) State {
	counts := map[signal.Direction]int{}
	for _, tf := range signal.Timeframes {
		f, ok := m.frames[tf]
		if !ok || m.stale(tf, f, now) || f.Direction == signal.Flat {
			continue
		}
		counts[f.Direction]++
	}
	switch {
	case counts[signal.Long] > counts[signal.Short]:
		return State{Kind: PartiallyConfirmed, Direction: signal.Long, Count: counts[signal.Long]}
	case counts[signal.Short] > counts[signal.Long]:
		return State{Kind: PartiallyConfirmed, Direction: signal.Short, Count: counts[signal.Short]}
	}
	return State{Kind: Neutral}
}
