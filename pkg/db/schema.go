package db

import (
	"database/sql"
	"fmt"
)

// Times are INTEGER unix microseconds (see toMicros).
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS bots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL COLLATE NOCASE,
    exchange TEXT NOT NULL COLLATE NOCASE,
    market TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    use_market_price INTEGER NOT NULL DEFAULT 1,
    peg_currency TEXT NOT NULL DEFAULT '',
    peg_side TEXT NOT NULL DEFAULT '',
    tolerance REAL NOT NULL DEFAULT 0,
    fee REAL NOT NULL DEFAULT 0,
    bid_spread REAL NOT NULL DEFAULT 0,
    ask_spread REAL NOT NULL DEFAULT 0,
    order_amount REAL NOT NULL DEFAULT 0,
    total_bid REAL NOT NULL DEFAULT 0,
    total_ask REAL NOT NULL DEFAULT 0,
    api_secret TEXT NOT NULL,
    last_nonce INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(name, exchange)
);

CREATE TABLE IF NOT EXISTS heartbeats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_bot_time ON heartbeats(bot_id, time);

CREATE TABLE IF NOT EXISTS bot_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    time INTEGER NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_bot_errors_bot_time ON bot_errors(bot_id, time);

CREATE TABLE IF NOT EXISTS placed_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    time INTEGER NOT NULL,
    side TEXT NOT NULL,
    base TEXT NOT NULL DEFAULT '',
    quote TEXT NOT NULL DEFAULT '',
    price REAL NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    price_usd REAL,
    updated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_placed_orders_bot_time ON placed_orders(bot_id, time);

CREATE TABLE IF NOT EXISTS prices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    time INTEGER NOT NULL,
    price REAL NOT NULL,
    price_usd REAL,
    bid_price REAL,
    bid_price_usd REAL,
    ask_price REAL,
    ask_price_usd REAL,
    market_price REAL,
    market_price_usd REAL,
    base_price REAL,
    quote_price REAL,
    unit TEXT NOT NULL DEFAULT '',
    updated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_prices_bot_time ON prices(bot_id, updated, time);

CREATE TABLE IF NOT EXISTS balances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    time INTEGER NOT NULL,
    bid_available REAL,
    bid_available_as_base REAL,
    ask_available REAL,
    bid_on_order REAL,
    ask_on_order REAL,
    bid_available_usd REAL,
    ask_available_usd REAL,
    bid_on_order_usd REAL,
    ask_on_order_usd REAL,
    unit TEXT NOT NULL DEFAULT '',
    updated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_balances_bot_time ON balances(bot_id, time);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    trade_id TEXT NOT NULL,
    time INTEGER NOT NULL,
    side TEXT NOT NULL,
    bot_trade INTEGER NOT NULL DEFAULT 1,
    price REAL NOT NULL,
    amount REAL NOT NULL,
    total REAL NOT NULL DEFAULT 0,
    age REAL,
    target_price_usd REAL,
    trade_price_usd REAL,
    difference_usd REAL,
    profit_usd REAL,
    updated INTEGER NOT NULL DEFAULT 0,
    UNIQUE(bot_id, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trades_bot_time ON trades(bot_id, time);
`

// ApplyMigrations creates tables and backfills columns added after first release.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	botColumns := []struct{ name, def string }{
		{"base_price_url", "TEXT NOT NULL DEFAULT ''"},
		{"quote_price_url", "TEXT NOT NULL DEFAULT ''"},
		{"peg_price_url", "TEXT NOT NULL DEFAULT ''"},
		{"base_decimal_places", "INTEGER NOT NULL DEFAULT 8"},
		{"quote_decimal_places", "INTEGER NOT NULL DEFAULT 8"},
		{"peg_decimal_places", "INTEGER NOT NULL DEFAULT 8"},
	}
	for _, col := range botColumns {
		if err := ensureColumn(d.DB, "bots", col.name, col.def); err != nil {
			return err
		}
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
