package db

import (
	"context"
	"database/sql"
	"fmt"
)

// balanceValuable excludes balances that can never be valued; they would
// otherwise hold the head of every sweep.
const balanceValuable = ` AND bid_available IS NOT NULL AND ask_available IS NOT NULL
	AND bid_on_order IS NOT NULL AND ask_on_order IS NOT NULL`

// PendingRecords lists up to limit records of kind still waiting for
// enrichment, oldest first.
func (d *Database) PendingRecords(ctx context.Context, kind RecordKind, limit int) ([]PendingRecord, error) {
	table := kind.table()
	if table == "" {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	where := `updated = 0`
	if kind == KindBalance {
		where += balanceValuable
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, bot_id, time FROM `+table+` WHERE `+where+` ORDER BY time ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending %s: %w", kind, err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		r := PendingRecord{Kind: kind}
		var us int64
		if err := rows.Scan(&r.ID, &r.BotID, &us); err != nil {
			return nil, fmt.Errorf("scan pending %s: %w", kind, err)
		}
		r.Time = fromMicros(us)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingSummary counts the backlog of kind and its oldest record time.
func (d *Database) PendingSummary(ctx context.Context, kind RecordKind) (PendingStats, error) {
	table := kind.table()
	if table == "" {
		return PendingStats{}, fmt.Errorf("unknown record kind %q", kind)
	}
	var (
		count  int
		oldest sql.NullInt64
	)
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*), MIN(time) FROM `+table+` WHERE updated = 0`).Scan(&count, &oldest)
	if err != nil {
		return PendingStats{}, fmt.Errorf("pending summary %s: %w", kind, err)
	}
	stats := PendingStats{Kind: kind, Count: count}
	if oldest.Valid {
		stats.Oldest = fromMicros(oldest.Int64)
	}
	return stats, nil
}
