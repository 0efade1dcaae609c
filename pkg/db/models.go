package db

import (
	"strings"
	"time"
)

// Side values used by orders and trades.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// RecordKind names the enrichable record tables.
type RecordKind string

const (
	KindPrice       RecordKind = "price"
	KindBalance     RecordKind = "balance"
	KindTrade       RecordKind = "trade"
	KindPlacedOrder RecordKind = "placed_order"
)

// EnrichableKinds lists every kind the sweeper scans.
var EnrichableKinds = []RecordKind{KindPrice, KindPlacedOrder, KindBalance, KindTrade}

func (k RecordKind) table() string {
	switch k {
	case KindPrice:
		return "prices"
	case KindBalance:
		return "balances"
	case KindTrade:
		return "trades"
	case KindPlacedOrder:
		return "placed_orders"
	}
	return ""
}

// Bot is one automated trading agent and its reporting credentials.
type Bot struct {
	ID                 int64
	OwnerID            string
	Name               string
	Exchange           string
	Market             string // BASE/QUOTE
	Active             bool
	UseMarketPrice     bool
	PegCurrency        string
	PegSide            string
	Tolerance          float64 // percentages as entered (0.5 = 0.5%)
	Fee                float64
	BidSpread          float64
	AskSpread          float64
	OrderAmount        float64
	TotalBid           float64
	TotalAsk           float64
	BasePriceURL       string
	QuotePriceURL      string
	PegPriceURL        string
	BaseDecimalPlaces  int
	QuoteDecimalPlaces int
	PegDecimalPlaces   int
	APISecret          string // plaintext in memory
	LastNonce          int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Base returns the base currency of the market pair, "" if unset.
func (b *Bot) Base() string {
	base, _, _ := strings.Cut(b.Market, "/")
	return strings.TrimSpace(base)
}

// Quote returns the quote currency of the market pair, "" if unset.
func (b *Bot) Quote() string {
	_, quote, _ := strings.Cut(b.Market, "/")
	return strings.TrimSpace(quote)
}

// BotConfig is the configuration a bot pulls at start-up. Percentages are fractions.
type BotConfig struct {
	Name               string  `json:"name"`
	Exchange           string  `json:"exchange"`
	Base               string  `json:"base"`
	Quote              string  `json:"quote"`
	UseMarketPrice     bool    `json:"use_market_price"`
	PegCurrency        string  `json:"peg_currency"`
	PegSide            string  `json:"peg_side"`
	Tolerance          float64 `json:"tolerance"`
	Fee                float64 `json:"fee"`
	BidSpread          float64 `json:"bid_spread"`
	AskSpread          float64 `json:"ask_spread"`
	OrderAmount        float64 `json:"order_amount"`
	TotalBid           float64 `json:"total_bid"`
	TotalAsk           float64 `json:"total_ask"`
	BasePriceURL       string  `json:"base_price_url"`
	QuotePriceURL      string  `json:"quote_price_url"`
	PegPriceURL        string  `json:"peg_price_url"`
	BaseDecimalPlaces  int     `json:"base_decimal_places"`
	QuoteDecimalPlaces int     `json:"quote_decimal_places"`
	PegDecimalPlaces   int     `json:"peg_decimal_places"`
}

// Serialize renders the pull config, converting percentage fields to fractions.
func (b *Bot) Serialize() BotConfig {
	return BotConfig{
		Name:               b.Name,
		Exchange:           b.Exchange,
		Base:               b.Base(),
		Quote:              b.Quote(),
		UseMarketPrice:     b.UseMarketPrice,
		PegCurrency:        b.PegCurrency,
		PegSide:            b.PegSide,
		Tolerance:          b.Tolerance / 100,
		Fee:                b.Fee / 100,
		BidSpread:          b.BidSpread / 100,
		AskSpread:          b.AskSpread / 100,
		OrderAmount:        b.OrderAmount,
		TotalBid:           b.TotalBid,
		TotalAsk:           b.TotalAsk,
		BasePriceURL:       b.BasePriceURL,
		QuotePriceURL:      b.QuotePriceURL,
		PegPriceURL:        b.PegPriceURL,
		BaseDecimalPlaces:  b.BaseDecimalPlaces,
		QuoteDecimalPlaces: b.QuoteDecimalPlaces,
		PegDecimalPlaces:   b.PegDecimalPlaces,
	}
}

// HeartBeat is a liveness ping.
type HeartBeat struct {
	ID    int64     `json:"id"`
	BotID int64     `json:"bot"`
	Time  time.Time `json:"time"`
}

// ErrorReport is an error a bot reported about itself.
type ErrorReport struct {
	ID      int64     `json:"id"`
	BotID   int64     `json:"bot"`
	Time    time.Time `json:"time"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
}

// PlacedOrder is an order the bot placed on its exchange.
type PlacedOrder struct {
	ID       int64     `json:"id"`
	BotID    int64     `json:"bot"`
	Time     time.Time `json:"time"`
	Side     string    `json:"side"`
	Base     string    `json:"base"`
	Quote    string    `json:"quote"`
	Price    float64   `json:"price"`
	Amount   float64   `json:"amount"`
	PriceUSD *float64  `json:"price_usd"`
	Updated  bool      `json:"updated"`
}

// PriceSample is one point-in-time price observation from a bot.
// BasePrice/QuotePrice hold the USD conversion rates used during enrichment.
type PriceSample struct {
	ID             int64     `json:"id"`
	BotID          int64     `json:"bot"`
	Time           time.Time `json:"time"`
	Price          float64   `json:"price"`
	PriceUSD       *float64  `json:"price_usd"`
	BidPrice       *float64  `json:"bid_price"`
	BidPriceUSD    *float64  `json:"bid_price_usd"`
	AskPrice       *float64  `json:"ask_price"`
	AskPriceUSD    *float64  `json:"ask_price_usd"`
	MarketPrice    *float64  `json:"market_price"`
	MarketPriceUSD *float64  `json:"market_price_usd"`
	BasePrice      *float64  `json:"base_price"`
	QuotePrice     *float64  `json:"quote_price"`
	Unit           string    `json:"unit"`
	Updated        bool      `json:"updated"`
}

// Balance is a snapshot of a bot's available and on-order funds.
// Bid side is held in the quote currency, ask side in the base currency.
type Balance struct {
	ID                 int64     `json:"id"`
	BotID              int64     `json:"bot"`
	Time               time.Time `json:"time"`
	BidAvailable       *float64  `json:"bid_available"`
	BidAvailableAsBase *float64  `json:"bid_available_as_base"`
	AskAvailable       *float64  `json:"ask_available"`
	BidOnOrder         *float64  `json:"bid_on_order"`
	AskOnOrder         *float64  `json:"ask_on_order"`
	BidAvailableUSD    *float64  `json:"bid_available_usd"`
	AskAvailableUSD    *float64  `json:"ask_available_usd"`
	BidOnOrderUSD      *float64  `json:"bid_on_order_usd"`
	AskOnOrderUSD      *float64  `json:"ask_on_order_usd"`
	Unit               string    `json:"unit"`
	Updated            bool      `json:"updated"`
}

// USDComplete reports whether all four USD valuations are present.
func (b *Balance) USDComplete() bool {
	return b.BidAvailableUSD != nil && b.AskAvailableUSD != nil &&
		b.BidOnOrderUSD != nil && b.AskOnOrderUSD != nil
}

// Trade is an executed fill reported by a bot. TradeID is unique per bot.
type Trade struct {
	ID             int64     `json:"id"`
	BotID          int64     `json:"bot"`
	TradeID        string    `json:"trade_id"`
	Time           time.Time `json:"time"`
	Side           string    `json:"trade_type"`
	BotTrade       bool      `json:"bot_trade"`
	Price          float64   `json:"price"`
	Amount         float64   `json:"amount"`
	Total          float64   `json:"total"`
	Age            *float64  `json:"age"` // seconds between order placement and fill
	TargetPriceUSD *float64  `json:"target_price_usd"`
	TradePriceUSD  *float64  `json:"trade_price_usd"`
	DifferenceUSD  *float64  `json:"difference_usd"`
	ProfitUSD      *float64  `json:"profit_usd"`
	Updated        bool      `json:"updated"`
}

// PendingRecord identifies a record still waiting for USD enrichment.
type PendingRecord struct {
	Kind  RecordKind
	ID    int64
	BotID int64
	Time  time.Time
}

// PendingStats summarises the enrichment backlog of one kind.
type PendingStats struct {
	Kind   RecordKind
	Count  int
	Oldest time.Time // zero when Count == 0
}
