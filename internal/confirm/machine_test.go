package confirm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-executor/internal/signal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func env(tf signal.Timeframe, dir signal.Direction, strength float64, at time.Time) signal.Envelope {
	return signal.Envelope{
		Instrument: "SOL_USDT", Timeframe: tf, Direction: dir, Strength: strength,
		Price: 150, Timestamp: at, Nonce: string(tf) + string(dir) + at.Format(time.RFC3339),
	}
}

func confirmLong(t *testing.T, m *Machine) {
	t.Helper()
	d, _ := m.Apply(env(signal.TF1m, signal.Long, 80, t0), t0)
	require.Nil(t, d)
	d, _ = m.Apply(env(signal.TF3m, signal.Long, 80, t0), t0)
	require.Nil(t, d)
	d, st := m.Apply(env(signal.TF5m, signal.Long, 80, t0), t0)
	require.NotNil(t, d)
	require.Equal(t, Confirmed, st.Kind)
}

func TestUnanimousLongEmitsSingleEnter(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())

	d, st := m.Apply(env(signal.TF1m, signal.Long, 70, t0), t0)
	assert.Nil(t, d)
	assert.Equal(t, State{Kind: PartiallyConfirmed, Direction: signal.Long, Count: 1}, st)

	d, st = m.Apply(env(signal.TF3m, signal.Long, 80, t0), t0)
	assert.Nil(t, d)
	assert.Equal(t, 2, st.Count)

	d, st = m.Apply(env(signal.TF5m, signal.Long, 90, t0), t0)
	require.NotNil(t, d)
	assert.Equal(t, Enter, d.Kind)
	assert.Equal(t, signal.Long, d.Direction)
	assert.InDelta(t, 80, d.ConfirmedStrength, 1e-9)
	assert.Equal(t, State{Kind: Confirmed, Direction: signal.Long}, st)

	// Re-confirming the same direction emits nothing.
	d, _ = m.Apply(env(signal.TF1m, signal.Long, 60, t0.Add(time.Minute)), t0.Add(time.Minute))
	assert.Nil(t, d)
}

func TestMixedDirectionsNeverDecide(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	m.Apply(env(signal.TF1m, signal.Long, 80, t0), t0)
	m.Apply(env(signal.TF3m, signal.Long, 80, t0), t0)
	d, st := m.Apply(env(signal.TF5m, signal.Short, 80, t0), t0)
	assert.Nil(t, d)
	assert.Equal(t, State{Kind: PartiallyConfirmed, Direction: signal.Long, Count: 2}, st)
}

func TestTieIsNeutral(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	m.Apply(env(signal.TF1m, signal.Long, 80, t0), t0)
	_, st := m.Apply(env(signal.TF3m, signal.Short, 80, t0), t0)
	assert.Equal(t, Neutral, st.Kind)
}

func TestFlipWhileConfirmedEmitsExit(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)

	at := t0.Add(time.Minute)
	d, st := m.Apply(env(signal.TF5m, signal.Short, 60, at), at)
	require.NotNil(t, d)
	assert.Equal(t, Exit, d.Kind)
	assert.Equal(t, signal.Long, d.Direction)
	assert.Equal(t, Neutral, st.Kind)

	// A further short reading does not exit again.
	d, _ = m.Apply(env(signal.TF3m, signal.Short, 60, at), at)
	assert.Nil(t, d)
}

func TestFlatWhileConfirmedEmitsExit(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)
	d, st := m.Apply(env(signal.TF1m, signal.Flat, 0, t0.Add(time.Second)), t0.Add(time.Second))
	require.NotNil(t, d)
	assert.Equal(t, Exit, d.Kind)
	assert.Equal(t, Neutral, st.Kind)
}

func TestStalenessDropsConfirmedWithoutExit(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)

	// 1m reading goes stale after 3m; 3m and 5m are still fresh.
	st := m.Sweep(t0.Add(4 * time.Minute))
	assert.Equal(t, Neutral, st.Kind)

	// A fresh 1m long re-confirms and enters again.
	at := t0.Add(4 * time.Minute)
	d, st := m.Apply(env(signal.TF1m, signal.Long, 80, at), at)
	require.NotNil(t, d)
	assert.Equal(t, Enter, d.Kind)
	assert.Equal(t, Confirmed, st.Kind)
}

func TestStaleReadingsDoNotCountTowardUnanimity(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	m.Apply(env(signal.TF1m, signal.Long, 80, t0), t0)
	m.Apply(env(signal.TF3m, signal.Long, 80, t0), t0)
	later := t0.Add(5 * time.Minute)
	d, st := m.Apply(env(signal.TF5m, signal.Long, 80, later), later)
	assert.Nil(t, d)
	assert.Equal(t, State{Kind: PartiallyConfirmed, Direction: signal.Long, Count: 2}, st)
}

func TestOutOfOrderEnvelopeIgnored(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	m.Apply(env(signal.TF1m, signal.Long, 80, t0.Add(time.Minute)), t0.Add(time.Minute))
	m.Apply(env(signal.TF1m, signal.Short, 80, t0), t0.Add(time.Minute))
	assert.Equal(t, signal.Long, m.Frames()[signal.TF1m].Direction)
}

func TestWeightedStrength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[signal.Timeframe]float64{signal.TF1m: 1, signal.TF3m: 1, signal.TF5m: 2}
	m := NewMachine("SOL_USDT", cfg)
	m.Apply(env(signal.TF1m, signal.Short, 40, t0), t0)
	m.Apply(env(signal.TF3m, signal.Short, 60, t0), t0)
	d, _ := m.Apply(env(signal.TF5m, signal.Short, 100, t0), t0)
	require.NotNil(t, d)
	assert.InDelta(t, 75, d.ConfirmedStrength, 1e-9)
}

func TestSeedRestoresWithoutDecision(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	for _, tf := range signal.Timeframes {
		m.Seed(env(tf, signal.Short, 50, t0), t0)
	}
	assert.Equal(t, State{Kind: Confirmed, Direction: signal.Short}, m.State())

	d, _ := m.Apply(env(signal.TF1m, signal.Long, 50, t0.Add(time.Second)), t0.Add(time.Second))
	require.NotNil(t, d)
	assert.Equal(t, Exit, d.Kind)
}

func TestStaleConfirmedSettlesBeforeApply(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)

	// No Sweep ran; the 1m reading is stale by the time the next one arrives.
	at := t0.Add(4 * time.Minute)
	d, st := m.Apply(env(signal.TF1m, signal.Long, 80, at), at)
	require.NotNil(t, d)
	assert.Equal(t, Enter, d.Kind)
	assert.Equal(t, Confirmed, st.Kind)
}

func TestFlipAfterStalenessDoesNotExit(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)

	at := t0.Add(4 * time.Minute)
	d, st := m.Apply(env(signal.TF5m, signal.Short, 80, at), at)
	assert.Nil(t, d)
	assert.NotEqual(t, Confirmed, st.Kind)
}

func TestRevertReopensEntry(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)

	st := m.Revert(t0)
	assert.Equal(t, State{Kind: PartiallyConfirmed, Direction: signal.Long, Count: 3}, st)

	at := t0.Add(30 * time.Second)
	d, st := m.Apply(env(signal.TF1m, signal.Long, 80, at), at)
	require.NotNil(t, d)
	assert.Equal(t, Enter, d.Kind)
	assert.Equal(t, Confirmed, st.Kind)
}

func TestHoldRestoresExitOnNextFlip(t *testing.T) {
	m := NewMachine("SOL_USDT", DefaultConfig())
	confirmLong(t, m)

	at := t0.Add(time.Minute)
	d, _ := m.Apply(env(signal.TF5m, signal.Short, 60, at), at)
	require.NotNil(t, d)

	assert.Equal(t, State{Kind: Confirmed, Direction: signal.Long}, m.Hold(signal.Long))
	d, _ = m.Apply(env(signal.TF3m, signal.Short, 60, at), at)
	require.NotNil(t, d)
	assert.Equal(t, Exit, d.Kind)
}
