// Package enrich back-fills USD valuations of stored bot records.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/events"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
)

var (
	// ErrNoPriceAvailable means a trade has no enriched sample to value it against.
	ErrNoPriceAvailable = errors.New("no enriched price sample available")
	// ErrConversionUnavailable means the oracle gave no USD rate for a currency.
	ErrConversionUnavailable = errors.New("usd conversion unavailable")
	// ErrIncompleteRecord means a stored record lacks the native amounts to value.
	ErrIncompleteRecord = errors.New("record is missing native amounts")
)

// PriceSource returns the USD value of one unit of currency.
type PriceSource interface {
	GetPrice(ctx context.Context, sourceURL, currency string) (float64, error)
}

// Committer performs an enrichment write and publishes the resulting live
// update in the same per-bot critical section.
type Committer interface {
	Commit(ctx context.Context, botID int64, trigger events.Trigger, write func(context.Context) error) error
}

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	Workers   int
	QueueSize int
	Log       logrus.FieldLogger
	Metrics   *monitor.SystemMetrics
	Prom      *monitor.PromMetrics
}

// Engine owns the enrichment queue, its workers and the per-kind enrichers.
type Engine struct {
	db      *db.Database
	oracle  PriceSource
	commit  Committer
	queue   *Queue
	workers int
	log     *logrus.Entry
	metrics *monitor.SystemMetrics
	prom    *monitor.PromMetrics
}

// NewEngine wires an engine over the store and the oracle.
func NewEngine(database *db.Database, oracle PriceSource, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Engine{
		db:      database,
		oracle:  oracle,
		queue:   NewQueue(opts.QueueSize),
		workers: opts.Workers,
		log:     logger.Component(opts.Log, "enrich"),
		metrics: opts.Metrics,
		prom:    opts.Prom,
	}
}

// SetCommitter routes enrichment writes through the live fan-out.
func (e *Engine) SetCommitter(c Committer) {
	e.commit = c
}

// Enqueue schedules a record for enrichment without blocking.
func (e *Engine) Enqueue(t Task) bool {
	ok := e.queue.Enqueue(t)
	if !ok {
		e.log.WithFields(logrus.Fields{"kind": t.Kind, "id": t.ID}).Warn("enrichment queue full; left for sweeper")
		if e.prom != nil {
			e.prom.QueueDropped.Inc()
		}
	}
	return ok
}

// Queue exposes the task queue (depth and drop counters).
func (e *Engine) Queue() *Queue {
	return e.queue
}

// Process enriches one record synchronously.
func (e *Engine) Process(ctx context.Context, t Task) error {
	start := time.Now()
	var err error
	switch t.Kind {
	case db.KindPrice:
		err = e.EnrichPrice(ctx, t.ID)
	case db.KindPlacedOrder:
		err = e.EnrichPlacedOrder(ctx, t.ID)
	case db.KindTrade:
		err = e.EnrichTrade(ctx, t.ID)
	case db.KindBalance:
		err = e.EnrichBalance(ctx, t.ID)
	default:
		err = fmt.Errorf("unknown record kind %q", t.Kind)
	}
	e.record(t, err, time.Since(start))
	return err
}

func (e *Engine) record(t Task, err error, took time.Duration) {
	outcome := "ok"
	entry := e.log.WithFields(logrus.Fields{"kind": t.Kind, "id": t.ID, "bot": t.BotID})
	switch {
	case err == nil:
		if e.metrics != nil {
			e.metrics.IncrementEnriched()
		}
	case errors.Is(err, ErrNoPriceAvailable), errors.Is(err, ErrConversionUnavailable):
		outcome = "deferred"
		entry.WithError(err).Debug("enrichment deferred")
	case errors.Is(err, db.ErrNotFound):
		outcome = "missing"
		entry.Debug("record vanished before enrichment")
	default:
		outcome = "error"
		entry.WithError(err).Warn("enrichment failed")
	}
	if err != nil && e.metrics != nil {
		e.metrics.IncrementEnrichFailures()
	}
	if e.metrics != nil && took > 0 {
		e.metrics.EnrichLatency.RecordDuration(took)
	}
	if e.prom != nil {
		e.prom.EnrichTotal.WithLabelValues(string(t.Kind), outcome).Inc()
		e.prom.EnrichLatency.WithLabelValues(string(t.Kind)).Observe(took.Seconds())
	}
}

func (e *Engine) write(ctx context.Context, botID int64, trigger events.Trigger, fn func(context.Context) error) error {
	if e.commit == nil {
		return fn(ctx)
	}
	return e.commit.Commit(ctx, botID, trigger, fn)
}

func (e *Engine) rate(ctx context.Context, sourceURL, currency string) (float64, error) {
	r, err := e.oracle.GetPrice(ctx, sourceURL, currency)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrConversionUnavailable, currency, err)
	}
	if r <= 0 {
		return 0, fmt.Errorf("%w: %s: non-positive rate %v", ErrConversionUnavailable, currency, r)
	}
	return r, nil
}

// EnrichPrice converts a sample's prices to USD with the quote currency rate
// and stores both conversion rates on the sample.
func (e *Engine) EnrichPrice(ctx context.Context, id int64) error {
	p, err := e.db.GetPrice(ctx, id)
	if err != nil {
		return err
	}
	if p.Updated {
		return nil
	}
	bot, err := e.db.GetBot(ctx, p.BotID)
	if err != nil {
		return err
	}

	quoteRate, err := e.rate(ctx, bot.QuotePriceURL, bot.Quote())
	if err != nil {
		return err
	}
	if baseRate, err := e.rate(ctx, bot.BasePriceURL, bot.Base()); err == nil {
		p.BasePrice = &baseRate
	}
	p.QuotePrice = &quoteRate
	p.PriceUSD = mul(&p.Price, quoteRate)
	p.BidPriceUSD = mul(p.BidPrice, quoteRate)
	p.AskPriceUSD = mul(p.AskPrice, quoteRate)
	p.MarketPriceUSD = mul(p.MarketPrice, quoteRate)

	return e.write(ctx, p.BotID, events.TriggerPrice, func(ctx context.Context) error {
		return e.db.SetPriceUSD(ctx, p)
	})
}

// EnrichPlacedOrder values a placed order's price in USD.
func (e *Engine) EnrichPlacedOrder(ctx context.Context, id int64) error {
	o, err := e.db.GetPlacedOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Updated {
		return nil
	}
	bot, err := e.db.GetBot(ctx, o.BotID)
	if err != nil {
		return err
	}
	quote := o.Quote
	if quote == "" {
		quote = bot.Quote()
	}
	rate, err := e.rate(ctx, bot.QuotePriceURL, quote)
	if err != nil {
		return err
	}
	priceUSD := o.Price * rate
	return e.write(ctx, o.BotID, events.TriggerPlacedOrder, func(ctx context.Context) error {
		return e.db.SetPlacedOrderUSD(ctx, o.ID, priceUSD)
	})
}

// EnrichTrade values a trade against the price sample nearest in time.
// Profit is positive when the fill was better than the bot's target price.
func (e *Engine) EnrichTrade(ctx context.Context, id int64) error {
	t, err := e.db.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	if t.Updated {
		return nil
	}
	before, after, err := e.db.PriceNeighbours(ctx, t.BotID, t.Time)
	if err != nil {
		return err
	}
	sample := Nearest(t.Time, before, after)
	if sample == nil || sample.PriceUSD == nil || sample.QuotePrice == nil {
		return ErrNoPriceAvailable
	}

	tradeUSD := t.Price * *sample.QuotePrice
	targetUSD := *sample.PriceUSD
	diff := TradeDifference(t.Side, tradeUSD, targetUSD)
	profit := diff * t.Amount
	t.TradePriceUSD, t.TargetPriceUSD = &tradeUSD, &targetUSD
	t.DifferenceUSD, t.ProfitUSD = &diff, &profit

	return e.write(ctx, t.BotID, events.TriggerTrade, func(ctx context.Context) error {
		return e.db.SetTradeUSD(ctx, t)
	})
}

// EnrichBalance values the bid side with the quote rate and the ask side with
// the base rate. Missing rates leave the affected fields null and the record
// pending.
func (e *Engine) EnrichBalance(ctx context.Context, id int64) error {
	b, err := e.db.GetBalance(ctx, id)
	if err != nil {
		return err
	}
	if b.Updated {
		return nil
	}
	bot, err := e.db.GetBot(ctx, b.BotID)
	if err != nil {
		return err
	}

	quoteRate, quoteErr := e.rate(ctx, bot.QuotePriceURL, bot.Quote())
	baseRate, baseErr := e.rate(ctx, bot.BasePriceURL, bot.Base())
	if quoteErr == nil {
		b.BidAvailableUSD = mul(b.BidAvailable, quoteRate)
		b.BidOnOrderUSD = mul(b.BidOnOrder, quoteRate)
	}
	if baseErr == nil {
		b.AskAvailableUSD = mul(b.AskAvailable, baseRate)
		b.AskOnOrderUSD = mul(b.AskOnOrder, baseRate)
	}
	if quoteErr == nil && baseErr == nil && b.BidAvailable != nil {
		asBase := *b.BidAvailable * quoteRate / baseRate
		b.BidAvailableAsBase = &asBase
	}

	if err := e.write(ctx, b.BotID, events.TriggerBalance, func(ctx context.Context) error {
		return e.db.SetBalanceUSD(ctx, b)
	}); err != nil {
		return err
	}
	if !b.Updated {
		if quoteErr != nil || baseErr != nil {
			return errors.Join(quoteErr, baseErr)
		}
		return fmt.Errorf("%w: balance %d", ErrIncompleteRecord, b.ID)
	}
	return nil
}

func mul(v *float64, rate float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v * rate
	return &out
}
