package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const priceColumns = `id, bot_id, time, price, price_usd, bid_price, bid_price_usd, ask_price, ask_price_usd,
	market_price, market_price_usd, base_price, quote_price, unit, updated`

func scanPrice(row rowScanner) (*PriceSample, error) {
	var (
		p                                  PriceSample
		us                                 int64
		priceUSD, bid, bidUSD, ask, askUSD sql.NullFloat64
		market, marketUSD, base, quote     sql.NullFloat64
		updated                            int
	)
	err := row.Scan(&p.ID, &p.BotID, &us, &p.Price, &priceUSD, &bid, &bidUSD, &ask, &askUSD,
		&market, &marketUSD, &base, &quote, &p.Unit, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan price: %w", err)
	}
	p.Time = fromMicros(us)
	p.PriceUSD = floatPtr(priceUSD)
	p.BidPrice, p.BidPriceUSD = floatPtr(bid), floatPtr(bidUSD)
	p.AskPrice, p.AskPriceUSD = floatPtr(ask), floatPtr(askUSD)
	p.MarketPrice, p.MarketPriceUSD = floatPtr(market), floatPtr(marketUSD)
	p.BasePrice, p.QuotePrice = floatPtr(base), floatPtr(quote)
	p.Updated = updated == 1
	return &p, nil
}

// InsertPrice stores a raw price sample with updated=false.
func (d *Database) InsertPrice(ctx context.Context, p *PriceSample) error {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO prices (bot_id, time, price, bid_price, ask_price, market_price, unit, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, p.BotID, toMicros(p.Time), p.Price, nullFloat(p.BidPrice), nullFloat(p.AskPrice), nullFloat(p.MarketPrice), p.Unit)
	if err != nil {
		return fmt.Errorf("insert price: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.Updated = false
	return nil
}

// GetPrice loads one price sample.
func (d *Database) GetPrice(ctx context.Context, id int64) (*PriceSample, error) {
	return scanPrice(d.DB.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM prices WHERE id = ?`, id))
}

// SetPriceUSD writes the USD fields of an enriched sample and marks it updated.
func (d *Database) SetPriceUSD(ctx context.Context, p *PriceSample) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE prices SET price_usd = ?, bid_price_usd = ?, ask_price_usd = ?, market_price_usd = ?,
			base_price = ?, quote_price = ?, updated = 1
		WHERE id = ?
	`, nullFloat(p.PriceUSD), nullFloat(p.BidPriceUSD), nullFloat(p.AskPriceUSD), nullFloat(p.MarketPriceUSD),
		nullFloat(p.BasePrice), nullFloat(p.QuotePrice), p.ID)
	if err != nil {
		return fmt.Errorf("update price %d: %w", p.ID, err)
	}
	return requireAffected(res)
}

// LatestEnrichedPrice returns the newest sample with price_usd set.
func (d *Database) LatestEnrichedPrice(ctx context.Context, botID int64) (*PriceSample, error) {
	return scanPrice(d.DB.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM prices
		WHERE bot_id = ? AND price_usd IS NOT NULL ORDER BY time DESC, id DESC LIMIT 1`, botID))
}

// PriceNeighbours returns the closest enriched samples strictly before and
// strictly after at. Either may be nil.
func (d *Database) PriceNeighbours(ctx context.Context, botID int64, at time.Time) (before, after *PriceSample, err error) {
	us := toMicros(at)
	before, err = scanPrice(d.DB.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM prices
		WHERE bot_id = ? AND updated = 1 AND time < ? ORDER BY time DESC, id DESC LIMIT 1`, botID, us))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	after, err = scanPrice(d.DB.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM prices
		WHERE bot_id = ? AND updated = 1 AND time > ? ORDER BY time ASC, id ASC LIMIT 1`, botID, us))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	return before, after, nil
}

const balanceColumns = `id, bot_id, time, bid_available, bid_available_as_base, ask_available, bid_on_order,
	ask_on_order, bid_available_usd, ask_available_usd, bid_on_order_usd, ask_on_order_usd, unit, updated`

func scanBalance(row rowScanner) (*Balance, error) {
	var (
		b                                         Balance
		us                                        int64
		bidAvail, bidBase, askAvail, bidOn, askOn sql.NullFloat64
		bidAvailUSD, askAvailUSD, bidOnUSD        sql.NullFloat64
		askOnUSD                                  sql.NullFloat64
		updated                                   int
	)
	err := row.Scan(&b.ID, &b.BotID, &us, &bidAvail, &bidBase, &askAvail, &bidOn, &askOn,
		&bidAvailUSD, &askAvailUSD, &bidOnUSD, &askOnUSD, &b.Unit, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan balance: %w", err)
	}
	b.Time = fromMicros(us)
	b.BidAvailable, b.BidAvailableAsBase, b.AskAvailable = floatPtr(bidAvail), floatPtr(bidBase), floatPtr(askAvail)
	b.BidOnOrder, b.AskOnOrder = floatPtr(bidOn), floatPtr(askOn)
	b.BidAvailableUSD, b.AskAvailableUSD = floatPtr(bidAvailUSD), floatPtr(askAvailUSD)
	b.BidOnOrderUSD, b.AskOnOrderUSD = floatPtr(bidOnUSD), floatPtr(askOnUSD)
	b.Updated = updated == 1
	return &b, nil
}

// InsertBalance stores a raw balance snapshot with updated=false.
func (d *Database) InsertBalance(ctx context.Context, b *Balance) error {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO balances (bot_id, time, bid_available, ask_available, bid_on_order, ask_on_order, unit, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, b.BotID, toMicros(b.Time), nullFloat(b.BidAvailable), nullFloat(b.AskAvailable),
		nullFloat(b.BidOnOrder), nullFloat(b.AskOnOrder), b.Unit)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	b.ID, _ = res.LastInsertId()
	b.Updated = false
	return nil
}

// GetBalance loads one balance snapshot.
func (d *Database) GetBalance(ctx context.Context, id int64) (*Balance, error) {
	return scanBalance(d.DB.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM balances WHERE id = ?`, id))
}

// SetBalanceUSD writes the USD fields; updated is set only when all four are present.
func (d *Database) SetBalanceUSD(ctx context.Context, b *Balance) error {
	b.Updated = b.USDComplete()
	res, err := d.DB.ExecContext(ctx, `
		UPDATE balances SET bid_available_usd = ?, ask_available_usd = ?, bid_on_order_usd = ?,
			ask_on_order_usd = ?, bid_available_as_base = ?, updated = ?
		WHERE id = ?
	`, nullFloat(b.BidAvailableUSD), nullFloat(b.AskAvailableUSD), nullFloat(b.BidOnOrderUSD),
		nullFloat(b.AskOnOrderUSD), nullFloat(b.BidAvailableAsBase), boolInt(b.Updated), b.ID)
	if err != nil {
		return fmt.Errorf("update balance %d: %w", b.ID, err)
	}
	return requireAffected(res)
}

// MarkBalancePending clears the updated flag so the sweeper retries the row.
func (d *Database) MarkBalancePending(ctx context.Context, id int64) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE balances SET updated = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark balance %d pending: %w", id, err)
	}
	return nil
}

// BalancesSince returns balances from since onward, oldest first.
func (d *Database) BalancesSince(ctx context.Context, botID int64, since time.Time) ([]Balance, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+balanceColumns+` FROM balances
		WHERE bot_id = ? AND time >= ? ORDER BY time ASC, id ASC`, botID, toMicros(since))
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// LatestBalance returns the newest balance snapshot.
func (d *Database) LatestBalance(ctx context.Context, botID int64) (*Balance, error) {
	return scanBalance(d.DB.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM balances
		WHERE bot_id = ? ORDER BY time DESC, id DESC LIMIT 1`, botID))
}

// LatestPrice returns the newest sample regardless of enrichment.
func (d *Database) LatestPrice(ctx context.Context, botID int64) (*PriceSample, error) {
	return scanPrice(d.DB.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM prices
		WHERE bot_id = ? ORDER BY time DESC, id DESC LIMIT 1`, botID))
}
