package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"overwatch/internal/auth"
	"overwatch/internal/ingest"
	"overwatch/pkg/db"
)

type envelopeRequest struct {
	ingest.Envelope
}

type errorRequest struct {
	ingest.Envelope
	Title   string `json:"title"`
	Message string `json:"message"`
}

type placedOrderRequest struct {
	ingest.Envelope
	Time      *time.Time `json:"time"`
	OrderType string     `json:"order_type"`
	Base      string     `json:"base"`
	Quote     string     `json:"quote"`
	Price     float64    `json:"price"`
	Amount    float64    `json:"amount"`
}

type priceRequest struct {
	ingest.Envelope
	Time        *time.Time `json:"time"`
	Price       float64    `json:"price"`
	BidPrice    *float64   `json:"bid_price"`
	AskPrice    *float64   `json:"ask_price"`
	MarketPrice *float64   `json:"market_price"`
	Unit        string     `json:"unit"`
}

type balanceRequest struct {
	ingest.Envelope
	Time         *time.Time `json:"time"`
	BidAvailable *float64   `json:"bid_available"`
	AskAvailable *float64   `json:"ask_available"`
	BidOnOrder   *float64   `json:"bid_on_order"`
	AskOnOrder   *float64   `json:"ask_on_order"`
	Unit         string     `json:"unit"`
}

type tradeRequest struct {
	ingest.Envelope
	TradeID   string     `json:"trade_id"`
	Time      *time.Time `json:"time"`
	TradeType string     `json:"trade_type"`
	BotTrade  *bool      `json:"bot_trade"`
	Price     float64    `json:"price"`
	Amount    float64    `json:"amount"`
	Total     float64    `json:"total"`
	Age       *float64   `json:"age"`
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// authenticate runs the gate and writes the rejection itself when it fails.
func (s *Server) authenticate(c *gin.Context, env ingest.Envelope) (*db.Bot, bool) {
	bot, err := s.Ingest.Authenticate(c.Request.Context(), env)
	switch {
	case err == nil:
		return bot, true
	case errors.Is(err, ingest.ErrUnknownBot):
		respondError(c, http.StatusNotFound, "BOT_NOT_FOUND", err.Error())
	case errors.Is(err, auth.ErrInvalidNonceFormat):
		respondError(c, http.StatusBadRequest, "INVALID_NONCE", err.Error())
	case errors.Is(err, auth.ErrNonceReplay):
		respondError(c, http.StatusUnauthorized, "NONCE_REPLAY", err.Error())
	case errors.Is(err, auth.ErrHashMismatch):
		respondError(c, http.StatusUnauthorized, "HASH_MISMATCH", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
	return nil, false
}

func (s *Server) respondIngest(c *gin.Context, id int64, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"id": id, "status": "stored"})
	case errors.Is(err, db.ErrDuplicateTrade):
		respondError(c, http.StatusConflict, "DUPLICATE_TRADE", err.Error())
	case errors.Is(err, ingest.ErrInvalidPayload):
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store record")
	}
}

func bindPush(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return false
	}
	return true
}

func (s *Server) botConfig(c *gin.Context) {
	var req envelopeRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Ingest.Config(bot))
}

func (s *Server) pushHeartbeat(c *gin.Context) {
	var req envelopeRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	hb, err := s.Ingest.IngestHeartbeat(c.Request.Context(), bot)
	var id int64
	if hb != nil {
		id = hb.ID
	}
	s.respondIngest(c, id, err)
}

func (s *Server) pushError(c *gin.Context) {
	var req errorRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	report, err := s.Ingest.IngestError(c.Request.Context(), bot, req.Title, req.Message)
	var id int64
	if report != nil {
		id = report.ID
	}
	s.respondIngest(c, id, err)
}

func (s *Server) pushPlacedOrder(c *gin.Context) {
	var req placedOrderRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	o := &db.PlacedOrder{
		Time:   timeOrZero(req.Time),
		Side:   req.OrderType,
		Base:   req.Base,
		Quote:  req.Quote,
		Price:  req.Price,
		Amount: req.Amount,
	}
	err := s.Ingest.IngestPlacedOrder(c.Request.Context(), bot, o)
	s.respondIngest(c, o.ID, err)
}

func (s *Server) pushPrice(c *gin.Context) {
	var req priceRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	p := &db.PriceSample{
		Time:        timeOrZero(req.Time),
		Price:       req.Price,
		BidPrice:    req.BidPrice,
		AskPrice:    req.AskPrice,
		MarketPrice: req.MarketPrice,
		Unit:        req.Unit,
	}
	err := s.Ingest.IngestPrice(c.Request.Context(), bot, p)
	s.respondIngest(c, p.ID, err)
}

func (s *Server) pushBalance(c *gin.Context) {
	var req balanceRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	b := &db.Balance{
		Time:         timeOrZero(req.Time),
		BidAvailable: req.BidAvailable,
		AskAvailable: req.AskAvailable,
		BidOnOrder:   req.BidOnOrder,
		AskOnOrder:   req.AskOnOrder,
		Unit:         req.Unit,
	}
	err := s.Ingest.IngestBalance(c.Request.Context(), bot, b)
	s.respondIngest(c, b.ID, err)
}

func (s *Server) pushTrade(c *gin.Context) {
	var req tradeRequest
	if !bindPush(c, &req) {
		return
	}
	bot, ok := s.authenticate(c, req.Envelope)
	if !ok {
		return
	}
	t := &db.Trade{
		TradeID:  req.TradeID,
		Time:     timeOrZero(req.Time),
		Side:     req.TradeType,
		BotTrade: req.BotTrade == nil || *req.BotTrade,
		Price:    req.Price,
		Amount:   req.Amount,
		Total:    req.Total,
		Age:      req.Age,
	}
	err := s.Ingest.IngestTrade(c.Request.Context(), bot, t)
	s.respondIngest(c, t.ID, err)
}
