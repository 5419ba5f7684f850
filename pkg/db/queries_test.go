package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestInsertSignalIsIdempotentPerKey(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	rec := SignalRecord{
		Instrument: "SOL_USDT", Nonce: "n-1", Timeframe: "1m", Direction: "long",
		Strength: 80, Price: 150, SignalTime: time.Now(), ReceivedAt: time.Now(),
	}

	inserted, err := database.InsertSignal(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = database.InsertSignal(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	rec.Instrument = "BTC_USDT"
	inserted, err = database.InsertSignal(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted, "same nonce on another instrument is a different key")
}

func TestListAndPruneSignals(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for i, age := range []time.Duration{48 * time.Hour, 2 * time.Hour, time.Minute} {
		_, err := database.InsertSignal(ctx, SignalRecord{
			Instrument: "SOL_USDT", Nonce: string(rune('a' + i)), Timeframe: "1m", Direction: "long",
			Strength: 50, Price: 1, SignalTime: now.Add(-age), ReceivedAt: now.Add(-age),
		})
		require.NoError(t, err)
	}

	recent, err := database.ListSignalsSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Nonce)

	removed, err := database.PruneSignals(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestUpsertOrderCountsAttempts(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	o := Order{ID: "t-abc", Instrument: "SOL_USDT", Kind: "market", Size: 3, Status: "submitting"}

	require.NoError(t, database.UpsertOrder(ctx, o))
	o.Status = "submitting"
	require.NoError(t, database.UpsertOrder(ctx, o))
	require.NoError(t, database.UpdateOrderStatus(ctx, "t-abc", "12345", "filled"))

	got, err := database.GetOrder(ctx, "t-abc")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "12345", got.ExchangeID)
	assert.Equal(t, "filled", got.Status)

	_, err = database.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := database.ListOrders(ctx, "SOL_USDT", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPositionRoundTripKeepsOpenOrders(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.UpsertPosition(ctx, Position{
		Instrument: "SOL_USDT", Side: "long", Size: 4, EntryPrice: 151.2, OpenOrderIDs: []string{"1", "2"},
	}))
	require.NoError(t, database.UpsertPosition(ctx, Position{Instrument: "BTC_USDT", Side: "flat"}))

	positions, err := database.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	for _, p := range positions {
		if p.Instrument == "SOL_USDT" {
			assert.Equal(t, []string{"1", "2"}, p.OpenOrderIDs)
			assert.Equal(t, 4.0, p.Size)
		} else {
			assert.Empty(t, p.OpenOrderIDs)
		}
	}
}

func TestExecutionAndDriftAudit(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.CreateExecution(ctx, Execution{
		ID: "e1", Instrument: "SOL_USDT", Nonce: "n", Action: "enter_long", Status: "filled", ClientID: "t-x",
	}))
	require.NoError(t, database.CreateDriftEvent(ctx, DriftEvent{
		Instrument: "SOL_USDT", LocalSide: "long", LocalSize: 3, ExchangeSide: "flat",
	}))

	execs, err := database.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "t-x", execs[0].ClientID)

	drift, err := database.ListDriftEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, "flat", drift[0].ExchangeSide)
}
