package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const botColumns = `id, owner_id, name, exchange, market, active, use_market_price,
	peg_currency, peg_side, tolerance, fee, bid_spread, ask_spread, order_amount,
	total_bid, total_ask, base_price_url, quote_price_url, peg_price_url,
	base_decimal_places, quote_decimal_places, peg_decimal_places,
	api_secret, last_nonce, created_at, updated_at`

func (d *Database) sealSecret(secret string) (string, error) {
	if d.sealer == nil {
		return secret, nil
	}
	return d.sealer.Seal(secret)
}

func (d *Database) scanBot(row rowScanner) (*Bot, error) {
	var (
		b                 Bot
		active, useMarket int
		created, updated  sql.NullTime
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Exchange, &b.Market, &active, &useMarket,
		&b.PegCurrency, &b.PegSide, &b.Tolerance, &b.Fee, &b.BidSpread, &b.AskSpread, &b.OrderAmount,
		&b.TotalBid, &b.TotalAsk, &b.BasePriceURL, &b.QuotePriceURL, &b.PegPriceURL,
		&b.BaseDecimalPlaces, &b.QuoteDecimalPlaces, &b.PegDecimalPlaces,
		&b.APISecret, &b.LastNonce, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	b.Active = active == 1
	b.UseMarketPrice = useMarket == 1
	b.CreatedAt = created.Time
	b.UpdatedAt = updated.Time
	if d.sealer != nil {
		plain, err := d.sealer.Open(b.APISecret)
		if err != nil {
			return nil, fmt.Errorf("open api secret for bot %d: %w", b.ID, err)
		}
		b.APISecret = plain
	}
	return &b, nil
}

// CreateBot inserts a bot and returns its id.
func (d *Database) CreateBot(ctx context.Context, b *Bot) (int64, error) {
	secret, err := d.sealSecret(b.APISecret)
	if err != nil {
		return 0, fmt.Errorf("seal api secret: %w", err)
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO bots (owner_id, name, exchange, market, active, use_market_price,
			peg_currency, peg_side, tolerance, fee, bid_spread, ask_spread, order_amount,
			total_bid, total_ask, base_price_url, quote_price_url, peg_price_url,
			base_decimal_places, quote_decimal_places, peg_decimal_places, api_secret, last_nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.OwnerID, b.Name, b.Exchange, b.Market, boolInt(b.Active), boolInt(b.UseMarketPrice),
		b.PegCurrency, b.PegSide, b.Tolerance, b.Fee, b.BidSpread, b.AskSpread, b.OrderAmount,
		b.TotalBid, b.TotalAsk, b.BasePriceURL, b.QuotePriceURL, b.PegPriceURL,
		b.BaseDecimalPlaces, b.QuoteDecimalPlaces, b.PegDecimalPlaces, secret, b.LastNonce)
	if err != nil {
		return 0, fmt.Errorf("insert bot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("bot id: %w", err)
	}
	b.ID = id
	return id, nil
}

// UpdateBotSettings rewrites the operator-editable fields. Secret and nonce are untouched.
func (d *Database) UpdateBotSettings(ctx context.Context, b *Bot) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET owner_id = ?, market = ?, active = ?, use_market_price = ?,
			peg_currency = ?, peg_side = ?, tolerance = ?, fee = ?, bid_spread = ?, ask_spread = ?,
			order_amount = ?, total_bid = ?, total_ask = ?, base_price_url = ?, quote_price_url = ?,
			peg_price_url = ?, base_decimal_places = ?, quote_decimal_places = ?, peg_decimal_places = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, b.OwnerID, b.Market, boolInt(b.Active), boolInt(b.UseMarketPrice),
		b.PegCurrency, b.PegSide, b.Tolerance, b.Fee, b.BidSpread, b.AskSpread,
		b.OrderAmount, b.TotalBid, b.TotalAsk, b.BasePriceURL, b.QuotePriceURL,
		b.PegPriceURL, b.BaseDecimalPlaces, b.QuoteDecimalPlaces, b.PegDecimalPlaces, b.ID)
	if err != nil {
		return fmt.Errorf("update bot %d: %w", b.ID, err)
	}
	return requireAffected(res)
}

// GetBot loads a bot by id.
func (d *Database) GetBot(ctx context.Context, id int64) (*Bot, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	return d.scanBot(row)
}

// GetBotByName finds a bot by case-insensitive name and exchange label.
func (d *Database) GetBotByName(ctx context.Context, name, exchange string) (*Bot, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE name = ? AND exchange = ?`, name, exchange)
	return d.scanBot(row)
}

// ListBots returns the owner's bots ordered by name. Empty owner lists all bots.
func (d *Database) ListBots(ctx context.Context, ownerID string, activeOnly bool) ([]*Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE (? = '' OR owner_id = ?)`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY name`

	rows, err := d.DB.QueryContext(ctx, query, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		b, err := d.scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// AdvanceNonce stores nonce as the bot's last nonce only when it is strictly
// greater than the stored value. Reports whether the row moved.
func (d *Database) AdvanceNonce(ctx context.Context, botID, nonce int64) (bool, error) {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE bots SET last_nonce = ? WHERE id = ? AND last_nonce < ?`, nonce, botID, nonce)
	if err != nil {
		return false, fmt.Errorf("advance nonce for bot %d: %w", botID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetBotActive flips the active flag.
func (d *Database) SetBotActive(ctx context.Context, botID int64, active bool) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE bots SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, boolInt(active), botID)
	if err != nil {
		return fmt.Errorf("set bot %d active: %w", botID, err)
	}
	return requireAffected(res)
}

// RotateBotSecret replaces the api secret and resets the nonce window.
func (d *Database) RotateBotSecret(ctx context.Context, botID int64, secret string) error {
	sealed, err := d.sealSecret(secret)
	if err != nil {
		return fmt.Errorf("seal api secret: %w", err)
	}
	res, err := d.DB.ExecContext(ctx,
		`UPDATE bots SET api_secret = ?, last_nonce = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, sealed, botID)
	if err != nil {
		return fmt.Errorf("rotate secret for bot %d: %w", botID, err)
	}
	return requireAffected(res)
}

// DeleteBot removes a bot and every record it owns in one transaction.
func (d *Database) DeleteBot(ctx context.Context, botID int64) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"heartbeats", "bot_errors", "placed_orders", "prices", "balances", "trades"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("delete %s for bot %d: %w", table, botID, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("delete bot %d: %w", botID, err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
