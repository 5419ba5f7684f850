package db

import (
	"context"
	"strings"
	"time"
)

// Order is one exchange order attempt keyed by its client id.
type Order struct {
	ID         string // client order id (text field on the exchange)
	ExchangeID string
	Instrument string
	Kind       string // market, stop_loss, take_profit
	Size       float64
	Price      float64
	FilledSize float64
	Status     string
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position is the persisted local view of one instrument.
type Position struct {
	Instrument   string
	Side         string
	Size         float64
	EntryPrice   float64
	OpenOrderIDs []string
	UpdatedAt    time.Time
}

// UpsertOrder inserts an order row or refreshes it when the client id was seen before.
// Re-submitting the same client id bumps the attempt counter.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	now := time.Now()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, exchange_id, instrument, kind, size, price, filled_size, status, attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_id = CASE WHEN excluded.exchange_id != '' THEN excluded.exchange_id ELSE orders.exchange_id END,
			price = excluded.price,
			filled_size = excluded.filled_size,
			status = excluded.status,
			attempts = orders.attempts + 1,
			updated_at = excluded.updated_at
	`,
		o.ID, o.ExchangeID, o.Instrument, o.Kind, o.Size, o.Price, o.FilledSize, o.Status,
		millis(o.CreatedAt), millis(now),
	)
	return err
}

// UpdateOrderStatus sets the status (and exchange id once known) of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, exchangeID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
		    exchange_id = CASE WHEN ? != '' THEN ? ELSE exchange_id END,
		    updated_at = ?
		WHERE id = ?
	`, status, exchangeID, exchangeID, time.Now().UnixMilli(), id)
	return err
}

// GetOrder returns the order with the given client id, or ErrNotFound.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, COALESCE(exchange_id, ''), instrument, kind, size, price, filled_size, status, attempts, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ListOrders returns the most recent orders, optionally for one instrument.
func (d *Database) ListOrders(ctx context.Context, instrument string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(exchange_id, ''), instrument, kind, size, price, filled_size, status, attempts, created_at, updated_at
		FROM orders
		WHERE (? = '' OR instrument = ?)
		ORDER BY created_at DESC
		LIMIT ?`, instrument, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (Order, error) {
	var (
		o                Order
		created, updated int64
	)
	if err := s.Scan(&o.ID, &o.ExchangeID, &o.Instrument, &o.Kind, &o.Size, &o.Price, &o.FilledSize, &o.Status, &o.Attempts, &created, &updated); err != nil {
		return Order{}, err
	}
	o.CreatedAt = time.UnixMilli(created)
	o.UpdatedAt = time.UnixMilli(updated)
	return o, nil
}

// UpsertPosition stores the latest position for an instrument.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (instrument, side, size, entry_price, open_order_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument) DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			entry_price = excluded.entry_price,
			open_order_ids = excluded.open_order_ids,
			updated_at = excluded.updated_at
	`, p.Instrument, p.Side, p.Size, p.EntryPrice, strings.Join(p.OpenOrderIDs, ","), millis(p.UpdatedAt))
	return err
}

// ListPositions returns all current positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT instrument, side, size, entry_price, COALESCE(open_order_ids, ''), updated_at
		FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var (
			p       Position
			ids     string
			updated int64
		)
		if err := rows.Scan(&p.Instrument, &p.Side, &p.Size, &p.EntryPrice, &ids, &updated); err != nil {
			return nil, err
		}
		if ids != "" {
			p.OpenOrderIDs = strings.Split(ids, ",")
		}
		p.UpdatedAt = time.UnixMilli(updated)
		res = append(res, p)
	}
	return res, rows.Err()
}
