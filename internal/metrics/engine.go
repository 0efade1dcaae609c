// Package metrics derives performance figures from enriched bot records.
package metrics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"overwatch/internal/enrich"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
	"overwatch/pkg/oracle"
)

var (
	// ErrNoPriceSample means the bot has no enriched price sample yet.
	ErrNoPriceSample = errors.New("no enriched price sample")
	// ErrInvalidWindow rejects a negative lookback.
	ErrInvalidWindow = errors.New("window must not be negative")
)

// DefaultChartDays are the profit chart windows used when none are given.
var DefaultChartDays = []int{1, 3, 7, 14, 30}

const (
	chartHistory     = 60 * 24 * time.Hour
	balanceHistory   = 30 * 24 * time.Hour
	balanceStep      = 6 * time.Hour
	dailyProfitDays  = 30
	placedOrderHours = 48
)

// MovementSource supplies per-window price movement factors.
type MovementSource interface {
	GetMovement(ctx context.Context, sourceURL, currency string) (oracle.Movement, bool)
}

// Enqueuer accepts enrichment tasks.
type Enqueuer interface {
	Enqueue(t enrich.Task) bool
}

// Engine computes profit, spread and chart series.
type Engine struct {
	db       *db.Database
	movement MovementSource
	queue    Enqueuer
	log      *logrus.Entry
	now      func() time.Time

	chartDays []int
}

// NewEngine creates a metrics engine. movement and queue may be nil.
func NewEngine(database *db.Database, movement MovementSource, queue Enqueuer, log logrus.FieldLogger) *Engine {
	return &Engine{
		db:       database,
		movement: movement,
		queue:    queue,
		log:      logger.Component(log, "metrics"),
		now:      time.Now,

		chartDays: DefaultChartDays,
	}
}

// SetChartDays overrides the windows ProfitChart uses when none are given.
func (e *Engine) SetChartDays(days []int) {
	if len(days) > 0 {
		e.chartDays = days
	}
}

// Profit sums the enriched profit of the bot's own trades with
// time >= now - days. A zero window only counts trades stamped now or later.
func (e *Engine) Profit(ctx context.Context, botID int64, days int) (float64, error) {
	if days < 0 {
		return 0, ErrInvalidWindow
	}
	if _, err := e.db.GetBot(ctx, botID); err != nil {
		return 0, err
	}
	profits, err := e.db.BotProfits(ctx, botID, e.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return 0, err
	}
	total := decimal.Zero
	for _, p := range profits {
		total = total.Add(decimal.NewFromFloat(p))
	}
	return total.InexactFloat64(), nil
}

// Spread is the gap between bid and ask of the newest enriched sample.
func (e *Engine) Spread(ctx context.Context, botID int64) (float64, error) {
	if _, err := e.db.GetBot(ctx, botID); err != nil {
		return 0, err
	}
	p, err := e.db.LatestEnrichedPrice(ctx, botID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, ErrNoPriceSample
	}
	if err != nil {
		return 0, err
	}
	if p.BidPrice == nil || p.AskPrice == nil {
		return 0, ErrNoPriceSample
	}
	bid, ask := decimal.NewFromFloat(*p.BidPrice), decimal.NewFromFloat(*p.AskPrice)
	return decimal.Max(bid, ask).Sub(decimal.Min(bid, ask)).InexactFloat64(), nil
}

// ProfitChart is a stacked profit series, one running total per side.
type ProfitChart struct {
	Days []int     `json:"days"`
	Buy  []float64 `json:"buy"`
	Sell []float64 `json:"sell"`
}

// ProfitChart buckets the last 60 days of bot trade profit into the given
// windows. Each bucket covers [now-day, now-previousDay) and is scaled by
// the base currency's movement factor for that window.
func (e *Engine) ProfitChart(ctx context.Context, botID int64, days []int) (*ProfitChart, error) {
	if len(days) == 0 {
		days = e.chartDays
	}
	chart := &ProfitChart{Days: days, Buy: []float64{}, Sell: []float64{}}

	bot, err := e.db.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Base() == "" {
		return chart, nil
	}

	now := e.now()
	trades, err := e.db.TradesSince(ctx, botID, now.Add(-chartHistory))
	if err != nil {
		return nil, err
	}

	var movement oracle.Movement
	if e.movement != nil {
		if m, ok := e.movement.GetMovement(ctx, bot.BasePriceURL, bot.Base()); ok {
			movement = m
		} else {
			e.log.WithField("bot", botID).Debug("movement unavailable; using factor 1")
		}
	}

	for _, side := range []string{db.SideBuy, db.SideSell} {
		running := decimal.Zero
		previous := 0
		series := make([]float64, 0, len(days))
		for _, day := range days {
			upper := now.Add(-time.Duration(previous) * 24 * time.Hour)
			lower := now.Add(-time.Duration(day) * 24 * time.Hour)
			bucket := decimal.Zero
			for _, t := range trades {
				if !t.BotTrade || t.ProfitUSD == nil || t.Side != side {
					continue
				}
				if t.Time.Before(lower) || !t.Time.Before(upper) {
					continue
				}
				bucket = bucket.Add(decimal.NewFromFloat(*t.ProfitUSD))
			}
			running = running.Add(bucket.Mul(decimal.NewFromFloat(movement.Factor(day))))
			series = append(series, running.InexactFloat64())
			previous = day
		}
		if side == db.SideBuy {
			chart.Buy = series
		} else {
			chart.Sell = series
		}
	}
	return chart, nil
}

// BalancePoint is one step of the balance series in USD.
type BalancePoint struct {
	Time time.Time `json:"time"`
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
}

// Total is the combined USD value of both sides.
func (p BalancePoint) Total() float64 {
	return decimal.NewFromFloat(p.Bid).Add(decimal.NewFromFloat(p.Ask)).InexactFloat64()
}

// BalanceSeries samples the last 30 days of balances in 6 hour steps. The
// first valued snapshot anchors the series. Snapshots missing a USD value
// are flagged pending, handed back to enrichment and skipped.
func (e *Engine) BalanceSeries(ctx context.Context, botID int64) ([]BalancePoint, error) {
	balances, err := e.db.BalancesSince(ctx, botID, e.now().Add(-balanceHistory))
	if err != nil {
		return nil, err
	}

	points := []BalancePoint{}
	var next time.Time
	for i := range balances {
		b := &balances[i]
		if len(points) > 0 && b.Time.Before(next) {
			continue
		}
		if !b.USDComplete() {
			e.reflag(ctx, b)
			continue
		}
		points = append(points, BalancePoint{
			Time: b.Time,
			Bid:  decimal.NewFromFloat(*b.BidAvailableUSD).Add(decimal.NewFromFloat(*b.BidOnOrderUSD)).InexactFloat64(),
			Ask:  decimal.NewFromFloat(*b.AskAvailableUSD).Add(decimal.NewFromFloat(*b.AskOnOrderUSD)).InexactFloat64(),
		})
		if len(points) == 1 {
			next = b.Time.Add(balanceStep)
		} else {
			next = next.Add(balanceStep)
		}
	}
	return points, nil
}

func (e *Engine) reflag(ctx context.Context, b *db.Balance) {
	entry := e.log.WithFields(logrus.Fields{"bot": b.BotID, "balance": b.ID})
	if err := e.db.MarkBalancePending(ctx, b.ID); err != nil {
		entry.WithError(err).Warn("could not flag incomplete balance")
		return
	}
	if e.queue != nil {
		e.queue.Enqueue(enrich.Task{Kind: db.KindBalance, ID: b.ID, BotID: b.BotID})
	}
	entry.Debug("incomplete balance sent back to enrichment")
}

// Drift is the change in total USD balance across the series.
func (e *Engine) Drift(ctx context.Context, botID int64) (float64, error) {
	points, err := e.BalanceSeries(ctx, botID)
	if err != nil || len(points) == 0 {
		return 0, err
	}
	first := decimal.NewFromFloat(points[0].Total())
	last := decimal.NewFromFloat(points[len(points)-1].Total())
	return last.Sub(first).InexactFloat64(), nil
}

// OrderPoint is an enriched placed order price.
type OrderPoint struct {
	Time     time.Time `json:"time"`
	PriceUSD float64   `json:"price_usd"`
}

// PlacedOrderSeries splits recent enriched orders into buy and sell points.
type PlacedOrderSeries struct {
	Buy  []OrderPoint `json:"buy"`
	Sell []OrderPoint `json:"sell"`
}

// PlacedOrders returns enriched placed order prices of the last hours.
func (e *Engine) PlacedOrders(ctx context.Context, botID int64, hours int) (*PlacedOrderSeries, error) {
	if hours <= 0 {
		hours = placedOrderHours
	}
	orders, err := e.db.PlacedOrdersSince(ctx, botID, e.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, err
	}
	series := &PlacedOrderSeries{Buy: []OrderPoint{}, Sell: []OrderPoint{}}
	for _, o := range orders {
		if o.PriceUSD == nil {
			continue
		}
		p := OrderPoint{Time: o.Time, PriceUSD: *o.PriceUSD}
		switch o.Side {
		case db.SideBuy:
			series.Buy = append(series.Buy, p)
		case db.SideSell:
			series.Sell = append(series.Sell, p)
		}
	}
	return series, nil
}

// BotProfit is one bot's contribution to an owner's dashboard.
type BotProfit struct {
	BotID    int64   `json:"bot"`
	Name     string  `json:"name"`
	Exchange string  `json:"exchange"`
	Profit   float64 `json:"profit"`
}

// Dashboard summarises an owner's fleet over a window.
type Dashboard struct {
	Days             int         `json:"days"`
	TotalProfit      float64     `json:"total_profit"`
	ContributingBots []BotProfit `json:"contributing_bots"`
}

// Dashboard totals profit across all of an owner's bots and lists those with
// a non-zero profit, best first.
func (e *Engine) Dashboard(ctx context.Context, ownerID string, days int) (*Dashboard, error) {
	if days <= 0 {
		days = 1
	}
	bots, err := e.db.ListBots(ctx, ownerID, false)
	if err != nil {
		return nil, err
	}
	dash := &Dashboard{Days: days, ContributingBots: []BotProfit{}}
	total := decimal.Zero
	for _, b := range bots {
		p, err := e.Profit(ctx, b.ID, days)
		if err != nil {
			return nil, err
		}
		total = total.Add(decimal.NewFromFloat(p))
		if p != 0 {
			dash.ContributingBots = append(dash.ContributingBots, BotProfit{BotID: b.ID, Name: b.Name, Exchange: b.Exchange, Profit: p})
		}
	}
	sort.SliceStable(dash.ContributingBots, func(i, j int) bool {
		return dash.ContributingBots[i].Profit > dash.ContributingBots[j].Profit
	})
	dash.TotalProfit = total.InexactFloat64()
	return dash, nil
}

// DailyProfits returns the owner's profit per day ago, index 0 being the
// last 24 hours.
func (e *Engine) DailyProfits(ctx context.Context, ownerID string, days int) ([]float64, error) {
	if days <= 0 {
		days = dailyProfitDays
	}
	bots, err := e.db.ListBots(ctx, ownerID, false)
	if err != nil {
		return nil, err
	}
	now := e.now()
	buckets := make([]decimal.Decimal, days)
	for i := range buckets {
		buckets[i] = decimal.Zero
	}
	for _, b := range bots {
		trades, err := e.db.TradesSince(ctx, b.ID, now.Add(-time.Duration(days)*24*time.Hour))
		if err != nil {
			return nil, err
		}
		for _, t := range trades {
			if !t.BotTrade || t.ProfitUSD == nil {
				continue
			}
			day := int(now.Sub(t.Time) / (24 * time.Hour))
			if day < 0 || day >= days {
				continue
			}
			buckets[day] = buckets[day].Add(decimal.NewFromFloat(*t.ProfitUSD))
		}
	}
	out := make([]float64, days)
	for i, d := range buckets {
		out[i] = d.InexactFloat64()
	}
	return out, nil
}
