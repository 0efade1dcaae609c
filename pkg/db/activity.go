package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertHeartbeat records a liveness ping.
func (d *Database) InsertHeartbeat(ctx context.Context, botID int64, at time.Time) (*HeartBeat, error) {
	res, err := d.DB.ExecContext(ctx, `INSERT INTO heartbeats (bot_id, time) VALUES (?, ?)`, botID, toMicros(at))
	if err != nil {
		return nil, fmt.Errorf("insert heartbeat: %w", err)
	}
	id, _ := res.LastInsertId()
	return &HeartBeat{ID: id, BotID: botID, Time: at.UTC()}, nil
}

// RecentHeartbeats returns the newest heartbeats first.
func (d *Database) RecentHeartbeats(ctx context.Context, botID int64, limit int) ([]HeartBeat, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, bot_id, time FROM heartbeats WHERE bot_id = ? ORDER BY time DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []HeartBeat
	for rows.Next() {
		var (
			hb HeartBeat
			us int64
		)
		if err := rows.Scan(&hb.ID, &hb.BotID, &us); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Time = fromMicros(us)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// LastHeartbeat returns the newest heartbeat time, zero when none.
func (d *Database) LastHeartbeat(ctx context.Context, botID int64) (time.Time, error) {
	var us sql.NullInt64
	err := d.DB.QueryRowContext(ctx, `SELECT MAX(time) FROM heartbeats WHERE bot_id = ?`, botID).Scan(&us)
	if err != nil {
		return time.Time{}, fmt.Errorf("last heartbeat: %w", err)
	}
	if !us.Valid {
		return time.Time{}, nil
	}
	return fromMicros(us.Int64), nil
}

// InsertErrorReport stores a bot-reported error.
func (d *Database) InsertErrorReport(ctx context.Context, e *ErrorReport) error {
	res, err := d.DB.ExecContext(ctx,
		`INSERT INTO bot_errors (bot_id, time, title, message) VALUES (?, ?, ?, ?)`,
		e.BotID, toMicros(e.Time), e.Title, e.Message)
	if err != nil {
		return fmt.Errorf("insert error report: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// RecentErrors returns the newest error reports first.
func (d *Database) RecentErrors(ctx context.Context, botID int64, limit int) ([]ErrorReport, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, bot_id, time, title, message FROM bot_errors WHERE bot_id = ? ORDER BY time DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorReport
	for rows.Next() {
		var (
			e  ErrorReport
			us int64
		)
		if err := rows.Scan(&e.ID, &e.BotID, &us, &e.Title, &e.Message); err != nil {
			return nil, fmt.Errorf("scan error report: %w", err)
		}
		e.Time = fromMicros(us)
		out = append(out, e)
	}
	return out, rows.Err()
}

const placedOrderColumns = `id, bot_id, time, side, base, quote, price, amount, price_usd, updated`

func scanPlacedOrder(row rowScanner) (*PlacedOrder, error) {
	var (
		o        PlacedOrder
		us       int64
		priceUSD sql.NullFloat64
		updated  int
	)
	if err := row.Scan(&o.ID, &o.BotID, &us, &o.Side, &o.Base, &o.Quote, &o.Price, &o.Amount, &priceUSD, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan placed order: %w", err)
	}
	o.Time = fromMicros(us)
	o.PriceUSD = floatPtr(priceUSD)
	o.Updated = updated == 1
	return &o, nil
}

// InsertPlacedOrder stores a raw placed order with updated=false.
func (d *Database) InsertPlacedOrder(ctx context.Context, o *PlacedOrder) error {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO placed_orders (bot_id, time, side, base, quote, price, amount, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, o.BotID, toMicros(o.Time), o.Side, o.Base, o.Quote, o.Price, o.Amount)
	if err != nil {
		return fmt.Errorf("insert placed order: %w", err)
	}
	o.ID, _ = res.LastInsertId()
	o.Updated = false
	return nil
}

// GetPlacedOrder loads one placed order.
func (d *Database) GetPlacedOrder(ctx context.Context, id int64) (*PlacedOrder, error) {
	return scanPlacedOrder(d.DB.QueryRowContext(ctx, `SELECT `+placedOrderColumns+` FROM placed_orders WHERE id = ?`, id))
}

// SetPlacedOrderUSD writes the enrichment result and marks the row updated.
func (d *Database) SetPlacedOrderUSD(ctx context.Context, id int64, priceUSD float64) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE placed_orders SET price_usd = ?, updated = 1 WHERE id = ?`, priceUSD, id)
	if err != nil {
		return fmt.Errorf("update placed order %d: %w", id, err)
	}
	return requireAffected(res)
}

// PlacedOrdersSince returns enriched placed orders from since onward, oldest first.
func (d *Database) PlacedOrdersSince(ctx context.Context, botID int64, since time.Time) ([]PlacedOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+placedOrderColumns+` FROM placed_orders
		WHERE bot_id = ? AND time >= ? AND updated = 1 ORDER BY time ASC`, botID, toMicros(since))
	if err != nil {
		return nil, fmt.Errorf("query placed orders: %w", err)
	}
	defer rows.Close()

	var out []PlacedOrder
	for rows.Next() {
		o, err := scanPlacedOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
