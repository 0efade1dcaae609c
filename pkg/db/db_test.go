package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func seedBot(t *testing.T, d *Database) *Bot {
	t.Helper()
	b := &Bot{
		OwnerID:   "owner-1",
		Name:      "Alpha",
		Exchange:  "Bittrex",
		Market:    "NBT/BTC",
		Active:    true,
		Tolerance: 0.5,
		Fee:       0.2,
		BidSpread: 1,
		AskSpread: 1.5,
		APISecret: "2f1c6a0e-8f5e-4b4c-9a57-1c0d9c1e9a11",
	}
	_, err := d.CreateBot(context.Background(), b)
	require.NoError(t, err)
	return b
}

func f(v float64) *float64 { return &v }

type prefixSealer struct{}

func (prefixSealer) Seal(p string) (string, error) { return "sealed:" + p, nil }
func (prefixSealer) Open(s string) (string, error) { return strings.TrimPrefix(s, "sealed:"), nil }

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	require.NoError(t, ApplyMigrations(d))
}

func TestBotLookupIsCaseInsensitive(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()

	got, err := d.GetBotByName(ctx, "alpha", "BITTREX")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, "NBT", got.Base())
	assert.Equal(t, "BTC", got.Quote())

	_, err = d.GetBotByName(ctx, "beta", "bittrex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSerializeConvertsPercentages(t *testing.T) {
	b := &Bot{Market: "NBT/USD", Tolerance: 0.5, Fee: 0.2, BidSpread: 1, AskSpread: 1.5}
	cfg := b.Serialize()
	assert.InDelta(t, 0.005, cfg.Tolerance, 1e-12)
	assert.InDelta(t, 0.002, cfg.Fee, 1e-12)
	assert.InDelta(t, 0.01, cfg.BidSpread, 1e-12)
	assert.InDelta(t, 0.015, cfg.AskSpread, 1e-12)
	assert.Equal(t, "USD", cfg.Quote)
}

func TestSecretSealedAtRest(t *testing.T) {
	d := newTestDB(t)
	d.SetSecretSealer(prefixSealer{})
	b := seedBot(t, d)
	ctx := context.Background()

	var stored string
	require.NoError(t, d.DB.QueryRow(`SELECT api_secret FROM bots WHERE id = ?`, b.ID).Scan(&stored))
	assert.Equal(t, "sealed:"+b.APISecret, stored)

	got, err := d.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.APISecret, got.APISecret)
}

func TestAdvanceNonceOnlyMovesForward(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()

	moved, err := d.AdvanceNonce(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = d.AdvanceNonce(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = d.AdvanceNonce(ctx, b.ID, 3)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := d.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.LastNonce)
}

func TestInsertTradeRejectsDuplicateTradeID(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()
	now := time.Now()

	first := &Trade{BotID: b.ID, TradeID: "T1", Time: now, Side: SideBuy, BotTrade: true, Price: 1, Amount: 2}
	require.NoError(t, d.InsertTrade(ctx, first))

	dup := &Trade{BotID: b.ID, TradeID: "T1", Time: now.Add(time.Second), Side: SideSell, BotTrade: true, Price: 9, Amount: 9}
	assert.ErrorIs(t, d.InsertTrade(ctx, dup), ErrDuplicateTrade)

	trades, err := d.TradesSince(ctx, b.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, SideBuy, trades[0].Side)
}

func TestPriceNeighboursUseEnrichedSamplesOnly(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	insert := func(offset time.Duration, enriched bool) *PriceSample {
		p := &PriceSample{BotID: b.ID, Time: base.Add(offset), Price: 1}
		require.NoError(t, d.InsertPrice(ctx, p))
		if enriched {
			p.PriceUSD, p.QuotePrice = f(2), f(2)
			require.NoError(t, d.SetPriceUSD(ctx, p))
		}
		return p
	}
	early := insert(10*time.Second, true)
	insert(14*time.Second, false)
	late := insert(20*time.Second, true)

	before, after, err := d.PriceNeighbours(ctx, b.ID, base.Add(15*time.Second))
	require.NoError(t, err)
	require.NotNil(t, before)
	require.NotNil(t, after)
	assert.Equal(t, early.ID, before.ID)
	assert.Equal(t, late.ID, after.ID)

	before, after, err = d.PriceNeighbours(ctx, b.ID, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, before)
	assert.Equal(t, late.ID, after.ID)
}

func TestBalanceUpdatedOnlyWhenComplete(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()

	bal := &Balance{BotID: b.ID, Time: time.Now(), BidAvailable: f(1), AskAvailable: f(2), BidOnOrder: f(3), AskOnOrder: f(0)}
	require.NoError(t, d.InsertBalance(ctx, bal))

	bal.BidAvailableUSD, bal.BidOnOrderUSD = f(10), f(30)
	require.NoError(t, d.SetBalanceUSD(ctx, bal))
	got, err := d.GetBalance(ctx, bal.ID)
	require.NoError(t, err)
	assert.False(t, got.Updated)

	stats, err := d.PendingSummary(ctx, KindBalance)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)

	bal.AskAvailableUSD, bal.AskOnOrderUSD = f(20), f(0)
	require.NoError(t, d.SetBalanceUSD(ctx, bal))
	got, err = d.GetBalance(ctx, bal.ID)
	require.NoError(t, err)
	assert.True(t, got.Updated)

	pending, err := d.PendingRecords(ctx, KindBalance, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingBalancesSkipUnvaluableRows(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()
	now := time.Now()

	broken := &Balance{BotID: b.ID, Time: now.Add(-time.Hour), BidAvailable: f(1), AskAvailable: f(2), AskOnOrder: f(0)}
	require.NoError(t, d.InsertBalance(ctx, broken))
	valid := &Balance{BotID: b.ID, Time: now, BidAvailable: f(1), AskAvailable: f(2), BidOnOrder: f(0), AskOnOrder: f(0)}
	require.NoError(t, d.InsertBalance(ctx, valid))

	pending, err := d.PendingRecords(ctx, KindBalance, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, valid.ID, pending[0].ID)
}

func TestDeleteBotRemovesRecords(t *testing.T) {
	d := newTestDB(t)
	b := seedBot(t, d)
	ctx := context.Background()

	_, err := d.InsertHeartbeat(ctx, b.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, d.InsertPrice(ctx, &PriceSample{BotID: b.ID, Time: time.Now(), Price: 1}))
	require.NoError(t, d.InsertTrade(ctx, &Trade{BotID: b.ID, TradeID: "x", Time: time.Now(), Side: SideBuy, Price: 1, Amount: 1}))

	require.NoError(t, d.DeleteBot(ctx, b.ID))

	for _, table := range []string{"heartbeats", "prices", "trades"} {
		var n int
		require.NoError(t, d.DB.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
	assert.ErrorIs(t, d.DeleteBot(ctx, b.ID), ErrNotFound)
}
