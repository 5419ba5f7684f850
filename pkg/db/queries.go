package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ----------------------------------------
// Signal journal
// ----------------------------------------

// SignalRecord is an admitted signal envelope.
type SignalRecord struct {
	Instrument string
	Nonce      string
	Timeframe  string
	Direction  string
	Strength   float64
	Price      float64
	SignalTime time.Time
	ReceivedAt time.Time
}

// InsertSignal journals an admitted signal. inserted is false when the key already exists.
func (d *Database) InsertSignal(ctx context.Context, s SignalRecord) (inserted bool, err error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (instrument, nonce, timeframe, direction, strength, price, signal_time, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Instrument, s.Nonce, s.Timeframe, s.Direction, s.Strength, s.Price, millis(s.SignalTime), millis(s.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListSignalsSince returns journaled signals received at or after since, oldest first.
func (d *Database) ListSignalsSince(ctx context.Context, since time.Time) ([]SignalRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT instrument, nonce, timeframe, direction, strength, price, signal_time, received_at
		FROM signals
		WHERE received_at >= ?
		ORDER BY received_at ASC`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SignalRecord
	for rows.Next() {
		var (
			s           SignalRecord
			sigT, recvT int64
		)
		if err := rows.Scan(&s.Instrument, &s.Nonce, &s.Timeframe, &s.Direction, &s.Strength, &s.Price, &sigT, &recvT); err != nil {
			return nil, err
		}
		s.SignalTime = time.UnixMilli(sigT)
		s.ReceivedAt = time.UnixMilli(recvT)
		res = append(res, s)
	}
	return res, rows.Err()
}

// PruneSignals deletes journal rows received before cutoff.
func (d *Database) PruneSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM signals WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ----------------------------------------
// Execution audit
// ----------------------------------------

// Execution records the final outcome of one executor invocation.
type Execution struct {
	ID         string
	Instrument string
	Nonce      string
	Action     string
	Status     string
	ClientID   string
	Detail     string
	CreatedAt  time.Time
}

// CreateExecution inserts an execution audit row.
func (d *Database) CreateExecution(ctx context.Context, e Execution) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO executions (id, instrument, nonce, action, status, client_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Instrument, e.Nonce, e.Action, e.Status, e.ClientID, e.Detail, millis(e.CreatedAt))
	return err
}

// ListExecutions returns the most recent executions.
func (d *Database) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, instrument, nonce, action, status, COALESCE(client_id, ''), COALESCE(detail, ''), created_at
		FROM executions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Execution
	for rows.Next() {
		var (
			e       Execution
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Instrument, &e.Nonce, &e.Action, &e.Status, &e.ClientID, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		res = append(res, e)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Drift audit
// ----------------------------------------

// DriftEvent is one detected divergence between local and exchange positions.
type DriftEvent struct {
	ID           int64
	Instrument   string
	LocalSide    string
	LocalSize    float64
	ExchangeSide string
	ExchangeSize float64
	DetectedAt   time.Time
}

// CreateDriftEvent appends a drift audit row.
func (d *Database) CreateDriftEvent(ctx context.Context, e DriftEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO drift_events (instrument, local_side, local_size, exchange_side, exchange_size, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Instrument, e.LocalSide, e.LocalSize, e.ExchangeSide, e.ExchangeSize, millis(e.DetectedAt))
	return err
}

// ListDriftEvents returns the most recent drift events.
func (d *Database) ListDriftEvents(ctx context.Context, limit int) ([]DriftEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, instrument, local_side, local_size, exchange_side, exchange_size, detected_at
		FROM drift_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []DriftEvent
	for rows.Next() {
		var (
			e        DriftEvent
			detected int64
		)
		if err := rows.Scan(&e.ID, &e.Instrument, &e.LocalSide, &e.LocalSize, &e.ExchangeSide, &e.ExchangeSize, &detected); err != nil {
			return nil, err
		}
		e.DetectedAt = time.UnixMilli(detected)
		res = append(res, e)
	}
	return res, rows.Err()
}
