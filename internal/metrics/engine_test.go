package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overwatch/internal/enrich"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
	"overwatch/pkg/oracle"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type staticMovement struct {
	m  oracle.Movement
	ok bool
}

func (s staticMovement) GetMovement(context.Context, string, string) (oracle.Movement, bool) {
	return s.m, s.ok
}

type captureQueue struct{ tasks []enrich.Task }

func (c *captureQueue) Enqueue(t enrich.Task) bool {
	c.tasks = append(c.tasks, t)
	return true
}

func f(v float64) *float64 { return &v }

func setup(t *testing.T, movement MovementSource, q Enqueuer) (*Engine, *db.Database, *db.Bot) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	bot := &db.Bot{OwnerID: "owner", Name: "alpha", Exchange: "bittrex", Market: "NBT/BTC", Active: true, APISecret: "s"}
	_, err = database.CreateBot(context.Background(), bot)
	require.NoError(t, err)

	e := NewEngine(database, movement, q, logger.Discard())
	e.now = func() time.Time { return testNow }
	return e, database, bot
}

func addTrade(t *testing.T, d *db.Database, botID int64, id string, at time.Time, side string, botTrade bool, profit *float64) {
	t.Helper()
	ctx := context.Background()
	tr := &db.Trade{BotID: botID, TradeID: id, Time: at, Side: side, BotTrade: botTrade, Price: 1, Amount: 1}
	require.NoError(t, d.InsertTrade(ctx, tr))
	if profit == nil {
		return
	}
	tr.ProfitUSD = profit
	tr.DifferenceUSD, tr.TradePriceUSD, tr.TargetPriceUSD = profit, f(1), f(1)
	require.NoError(t, d.SetTradeUSD(ctx, tr))
}

func TestProfitIsZeroWithoutTrades(t *testing.T) {
	e, _, bot := setup(t, nil, nil)
	for _, days := range []int{0, 1} {
		p, err := e.Profit(context.Background(), bot.ID, days)
		require.NoError(t, err)
		assert.Equal(t, 0.0, p)
	}
}

func TestProfitZeroDayWindowStartsNow(t *testing.T) {
	e, d, bot := setup(t, nil, nil)
	addTrade(t, d, bot.ID, "1", testNow.Add(-time.Hour), db.SideBuy, true, f(0.5))

	p, err := e.Profit(context.Background(), bot.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)

	addTrade(t, d, bot.ID, "2", testNow, db.SideSell, true, f(0.25))
	p, err = e.Profit(context.Background(), bot.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.25, p)
}

func TestProfitRejectsUnknownBotAndNegativeWindow(t *testing.T) {
	e, _, bot := setup(t, nil, nil)
	_, err := e.Profit(context.Background(), 9999, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = e.Profit(context.Background(), bot.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestProfitCountsOnlyEnrichedBotTradesInWindow(t *testing.T) {
	e, d, bot := setup(t, nil, nil)
	addTrade(t, d, bot.ID, "1", testNow.Add(-time.Hour), db.SideBuy, true, f(0.1))
	addTrade(t, d, bot.ID, "2", testNow.Add(-2*time.Hour), db.SideSell, true, f(0.2))
	addTrade(t, d, bot.ID, "3", testNow.Add(-3*time.Hour), db.SideSell, false, f(5))
	addTrade(t, d, bot.ID, "4", testNow.Add(-4*time.Hour), db.SideSell, true, nil)
	addTrade(t, d, bot.ID, "5", testNow.Add(-30*time.Hour), db.SideSell, true, f(1))

	p, err := e.Profit(context.Background(), bot.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.3, p)

	p, err = e.Profit(context.Background(), bot.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.3, p)
}

func TestSpread(t *testing.T) {
	e, d, bot := setup(t, nil, nil)
	ctx := context.Background()

	_, err := e.Spread(ctx, bot.ID)
	assert.ErrorIs(t, err, ErrNoPriceSample)

	_, err = e.Spread(ctx, 999)
	assert.ErrorIs(t, err, db.ErrNotFound)

	p := &db.PriceSample{BotID: bot.ID, Time: testNow.Add(-time.Minute), Price: 1, BidPrice: f(0.0000105), AskPrice: f(0.0000100)}
	require.NoError(t, d.InsertPrice(ctx, p))
	p.PriceUSD, p.QuotePrice = f(0.5), f(50000)
	require.NoError(t, d.SetPriceUSD(ctx, p))

	// newer raw sample is ignored until enriched
	require.NoError(t, d.InsertPrice(ctx, &db.PriceSample{BotID: bot.ID, Time: testNow, Price: 1, BidPrice: f(1), AskPrice: f(9)}))

	s, err := e.Spread(ctx, bot.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0000005, s, 1e-12)
}

func TestProfitChartUsesMovementFactors(t *testing.T) {
	e, d, bot := setup(t, staticMovement{m: oracle.Movement{1: 2, 3: 0.5}, ok: true}, nil)
	addTrade(t, d, bot.ID, "1", testNow.Add(-2*time.Hour), db.SideBuy, true, f(1))
	addTrade(t, d, bot.ID, "2", testNow.Add(-48*time.Hour), db.SideBuy, true, f(4))
	addTrade(t, d, bot.ID, "3", testNow.Add(-5*24*time.Hour), db.SideSell, true, f(3))
	addTrade(t, d, bot.ID, "4", testNow.Add(-40*24*time.Hour), db.SideSell, true, f(100))

	chart, err := e.ProfitChart(context.Background(), bot.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultChartDays, chart.Days)
	// buy: day1 1*2, day3 4*0.5, remaining windows add nothing
	assert.Equal(t, []float64{2, 4, 4, 4, 4}, chart.Buy)
	// sell: 5 days ago lands in (3,7]; 40 days ago is outside every window
	assert.Equal(t, []float64{0, 0, 3, 3, 3}, chart.Sell)
}

func TestProfitChartFallsBackToUnitFactor(t *testing.T) {
	e, d, bot := setup(t, staticMovement{ok: false}, nil)
	addTrade(t, d, bot.ID, "1", testNow.Add(-2*time.Hour), db.SideSell, true, f(1.5))

	chart, err := e.ProfitChart(context.Background(), bot.ID, []int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 1.5}, chart.Sell)
	assert.Equal(t, []float64{0, 0}, chart.Buy)
}

func TestProfitChartConfiguredDays(t *testing.T) {
	e, d, bot := setup(t, staticMovement{ok: false}, nil)
	e.SetChartDays([]int{2, 10})
	e.SetChartDays(nil)
	addTrade(t, d, bot.ID, "1", testNow.Add(-5*24*time.Hour), db.SideBuy, true, f(2))

	chart, err := e.ProfitChart(context.Background(), bot.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, chart.Days)
	assert.Equal(t, []float64{0, 2}, chart.Buy)
}

func TestProfitChartEmptyWithoutBaseCurrency(t *testing.T) {
	e, d, bot := setup(t, nil, nil)
	bot.Market = ""
	require.NoError(t, d.UpdateBotSettings(context.Background(), bot))

	chart, err := e.ProfitChart(context.Background(), bot.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, chart.Buy)
	assert.Empty(t, chart.Sell)
}

func addBalance(t *testing.T, d *db.Database, botID int64, at time.Time, bid, ask float64, complete bool) *db.Balance {
	t.Helper()
	ctx := context.Background()
	b := &db.Balance{BotID: botID, Time: at, BidAvailable: f(bid), BidOnOrder: f(0), AskAvailable: f(ask), AskOnOrder: f(0)}
	require.NoError(t, d.InsertBalance(ctx, b))
	b.BidAvailableUSD, b.BidOnOrderUSD = f(bid), f(1)
	if complete {
		b.AskAvailableUSD, b.AskOnOrderUSD = f(ask), f(1)
	}
	require.NoError(t, d.SetBalanceUSD(ctx, b))
	return b
}

func TestBalanceSeriesStepsAndReflagsIncomplete(t *testing.T) {
	q := &captureQueue{}
	e, d, bot := setup(t, nil, q)
	start := testNow.Add(-24 * time.Hour)

	addBalance(t, d, bot.ID, start, 10, 20, true)
	addBalance(t, d, bot.ID, start.Add(2*time.Hour), 99, 99, true) // inside first step
	partial := addBalance(t, d, bot.ID, start.Add(6*time.Hour), 11, 21, false)
	addBalance(t, d, bot.ID, start.Add(7*time.Hour), 12, 22, true)
	addBalance(t, d, bot.ID, start.Add(13*time.Hour), 14, 24, true)

	points, err := e.BalanceSeries(context.Background(), bot.ID)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 11.0, points[0].Bid)
	assert.Equal(t, 21.0, points[0].Ask)
	assert.Equal(t, 13.0, points[1].Bid)
	assert.Equal(t, 15.0, points[2].Bid)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, enrich.Task{Kind: db.KindBalance, ID: partial.ID, BotID: bot.ID}, q.tasks[0])
	stored, err := d.GetBalance(context.Background(), partial.ID)
	require.NoError(t, err)
	assert.False(t, stored.Updated)

	drift, err := e.Drift(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.0, drift)
}

func TestBalanceSeriesEmpty(t *testing.T) {
	e, _, bot := setup(t, nil, nil)
	points, err := e.BalanceSeries(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Empty(t, points)

	drift, err := e.Drift(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, drift)
}

func TestPlacedOrdersSplitBySide(t *testing.T) {
	e, d, bot := setup(t, nil, nil)
	ctx := context.Background()
	for i, o := range []*db.PlacedOrder{
		{BotID: bot.ID, Time: testNow.Add(-time.Hour), Side: db.SideBuy, Price: 1, Amount: 1},
		{BotID: bot.ID, Time: testNow.Add(-2 * time.Hour), Side: db.SideSell, Price: 2, Amount: 1},
		{BotID: bot.ID, Time: testNow.Add(-3 * time.Hour), Side: db.SideSell, Price: 3, Amount: 1},
		{BotID: bot.ID, Time: testNow.Add(-72 * time.Hour), Side: db.SideBuy, Price: 4, Amount: 1},
	} {
		require.NoError(t, d.InsertPlacedOrder(ctx, o))
		if i != 2 {
			require.NoError(t, d.SetPlacedOrderUSD(ctx, o.ID, o.Price*10))
		}
	}

	series, err := e.PlacedOrders(ctx, bot.ID, 0)
	require.NoError(t, err)
	require.Len(t, series.Buy, 1)
	require.Len(t, series.Sell, 1)
	assert.Equal(t, 10.0, series.Buy[0].PriceUSD)
	assert.Equal(t, 20.0, series.Sell[0].PriceUSD)
}

func TestDashboardSortsContributors(t *testing.T) {
	e, d, alpha := setup(t, nil, nil)
	ctx := context.Background()
	beta := &db.Bot{OwnerID: "owner", Name: "beta", Exchange: "bittrex", Market: "NBT/USD", APISecret: "s"}
	_, err := d.CreateBot(ctx, beta)
	require.NoError(t, err)
	idle := &db.Bot{OwnerID: "owner", Name: "idle", Exchange: "bittrex", Market: "NBT/USD", APISecret: "s"}
	_, err = d.CreateBot(ctx, idle)
	require.NoError(t, err)
	other := &db.Bot{OwnerID: "someone", Name: "gamma", Exchange: "bittrex", Market: "NBT/USD", APISecret: "s"}
	_, err = d.CreateBot(ctx, other)
	require.NoError(t, err)

	addTrade(t, d, alpha.ID, "1", testNow.Add(-time.Hour), db.SideBuy, true, f(-0.5))
	addTrade(t, d, beta.ID, "1", testNow.Add(-time.Hour), db.SideBuy, true, f(2))
	addTrade(t, d, other.ID, "1", testNow.Add(-time.Hour), db.SideBuy, true, f(50))

	dash, err := e.Dashboard(ctx, "owner", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, dash.TotalProfit)
	require.Len(t, dash.ContributingBots, 2)
	assert.Equal(t, beta.ID, dash.ContributingBots[0].BotID)
	assert.Equal(t, alpha.ID, dash.ContributingBots[1].BotID)
}

func TestDailyProfitsBucketsByDayAgo(t *testing.T) {
	e, d, bot := setup(t, nil, nil)
	addTrade(t, d, bot.ID, "1", testNow.Add(-time.Hour), db.SideBuy, true, f(1))
	addTrade(t, d, bot.ID, "2", testNow.Add(-25*time.Hour), db.SideBuy, true, f(2))
	addTrade(t, d, bot.ID, "3", testNow.Add(-26*time.Hour), db.SideSell, true, f(3))

	daily, err := e.DailyProfits(context.Background(), "owner", 0)
	require.NoError(t, err)
	require.Len(t, daily, 30)
	assert.Equal(t, 1.0, daily[0])
	assert.Equal(t, 5.0, daily[1])
	assert.Equal(t, 0.0, daily[2])
}
