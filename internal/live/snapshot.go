package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"overwatch/pkg/db"
)

// DataUpdate is the per-bot row a dashboard renders.
type DataUpdate struct {
	Bot            int64      `json:"bot"`
	Name           string     `json:"name"`
	Exchange       string     `json:"exchange"`
	Market         string     `json:"market"`
	Active         bool       `json:"active"`
	Activity       string     `json:"activity"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
	Price          *float64   `json:"price"`
	PriceUSD       *float64   `json:"price_usd"`
	UseMarketPrice bool       `json:"use_market_price"`
	MarketPrice    *float64   `json:"market_price"`
	AskBalance     *float64   `json:"ask_balance"`
	BidBalance     *float64   `json:"bid_balance"`
	Profit         float64    `json:"profit"`
}

// Snapshot builds the current data_update payload of one bot.
func (f *Fanout) Snapshot(ctx context.Context, botID int64) (*DataUpdate, error) {
	bot, err := f.db.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	return f.snapshot(ctx, bot)
}

func (f *Fanout) snapshot(ctx context.Context, bot *db.Bot) (*DataUpdate, error) {
	u := &DataUpdate{
		Bot:            bot.ID,
		Name:           bot.Name,
		Exchange:       bot.Exchange,
		Market:         bot.Market,
		Active:         bot.Active,
		UseMarketPrice: bot.UseMarketPrice,
	}

	hb, err := f.db.LastHeartbeat(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	if !hb.IsZero() {
		u.LastHeartbeat = &hb
		u.Activity = sinceText(f.now().Sub(hb))
	}

	price, err := f.db.LatestEnrichedPrice(ctx, bot.ID)
	switch {
	case err == nil:
		u.Price = &price.Price
		u.PriceUSD = price.PriceUSD
		u.MarketPrice = price.MarketPriceUSD
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	bal, err := f.db.LatestBalance(ctx, bot.ID)
	switch {
	case err == nil:
		u.AskBalance = bal.AskOnOrderUSD
		u.BidBalance = bal.BidOnOrderUSD
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	if f.metrics != nil {
		if u.Profit, err = f.metrics.Profit(ctx, bot.ID, 1); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// sinceText renders an elapsed duration as at most two adjacent units,
// e.g. "2 hours, 5 minutes".
func sinceText(d time.Duration) string {
	if d < time.Minute {
		return "0 minutes"
	}
	units := []struct {
		name string
		size time.Duration
	}{
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
	}
	var parts []string
	for i, u := range units {
		n := int64(d / u.size)
		if n == 0 {
			if len(parts) > 0 {
				break
			}
			continue
		}
		parts = append(parts, plural(n, u.name))
		d -= time.Duration(n) * u.size
		if len(parts) == 2 || i == len(units)-1 {
			break
		}
	}
	return strings.Join(parts, ", ")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
