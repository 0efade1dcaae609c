package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tradeColumns = `id, bot_id, trade_id, time, side, bot_trade, price, amount, total, age,
	target_price_usd, trade_price_usd, difference_usd, profit_usd, updated`

func scanTrade(row rowScanner) (*Trade, error) {
	var (
		t                              Trade
		us                             int64
		botTrade, updated              int
		age, target, tradeUSD, diff, p sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.BotID, &t.TradeID, &us, &t.Side, &botTrade, &t.Price, &t.Amount, &t.Total, &age,
		&target, &tradeUSD, &diff, &p, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.Time = fromMicros(us)
	t.BotTrade = botTrade == 1
	t.Age = floatPtr(age)
	t.TargetPriceUSD, t.TradePriceUSD = floatPtr(target), floatPtr(tradeUSD)
	t.DifferenceUSD, t.ProfitUSD = floatPtr(diff), floatPtr(p)
	t.Updated = updated == 1
	return &t, nil
}

// InsertTrade stores a raw trade. A second insert of the same (bot, trade_id)
// writes nothing and returns ErrDuplicateTrade.
func (d *Database) InsertTrade(ctx context.Context, t *Trade) error {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (bot_id, trade_id, time, side, bot_trade, price, amount, total, age, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(bot_id, trade_id) DO NOTHING
	`, t.BotID, t.TradeID, toMicros(t.Time), t.Side, boolInt(t.BotTrade), t.Price, t.Amount, t.Total, nullFloat(t.Age))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateTrade
	}
	t.ID, _ = res.LastInsertId()
	t.Updated = false
	return nil
}

// GetTrade loads one trade.
func (d *Database) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	return scanTrade(d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id))
}

// SetTradeUSD writes the valuation fields and marks the trade updated.
func (d *Database) SetTradeUSD(ctx context.Context, t *Trade) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET target_price_usd = ?, trade_price_usd = ?, difference_usd = ?, profit_usd = ?, updated = 1
		WHERE id = ?
	`, nullFloat(t.TargetPriceUSD), nullFloat(t.TradePriceUSD), nullFloat(t.DifferenceUSD), nullFloat(t.ProfitUSD), t.ID)
	if err != nil {
		return fmt.Errorf("update trade %d: %w", t.ID, err)
	}
	return requireAffected(res)
}

// TradesSince returns the bot's trades from since onward, oldest first.
func (d *Database) TradesSince(ctx context.Context, botID int64, since time.Time) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE bot_id = ? AND time >= ? ORDER BY time ASC, id ASC`, botID, toMicros(since))
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RecentTrades returns the newest trades first.
func (d *Database) RecentTrades(ctx context.Context, botID int64, limit int) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE bot_id = ? ORDER BY time DESC, id DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// BotProfits returns enriched profit_usd values of bot trades from since onward.
func (d *Database) BotProfits(ctx context.Context, botID int64, since time.Time) ([]float64, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT profit_usd FROM trades
		WHERE bot_id = ? AND bot_trade = 1 AND profit_usd IS NOT NULL AND time >= ?`, botID, toMicros(since))
	if err != nil {
		return nil, fmt.Errorf("query profits: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan profit: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
