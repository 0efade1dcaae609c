// Package ingest authenticates bot pushes, stores the raw records and hands
// them to enrichment and the live fan-out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/auth"
	"overwatch/internal/enrich"
	"overwatch/internal/events"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
)

var (
	// ErrUnknownBot means no bot matches the pushed name and exchange.
	ErrUnknownBot = errors.New("bot not found")
	// ErrInvalidPayload means the push body is missing a required field.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Enqueuer accepts enrichment tasks without blocking.
type Enqueuer interface {
	Enqueue(t enrich.Task) bool
}

// Nonce keeps the nonce exactly as sent, whether as a JSON number or string,
// so malformed values reach the gate and fail there.
type Nonce string

// UnmarshalJSON accepts 17, "17" or anything else verbatim.
func (n *Nonce) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = Nonce(s)
		return nil
	}
	*n = Nonce(strings.TrimSpace(string(b)))
	return nil
}

// Envelope is the authentication part of every push.
type Envelope struct {
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Nonce    Nonce  `json:"nonce"`
	Hash     string `json:"hash"`
}

// Service is the synchronous ingest path.
type Service struct {
	db      *db.Database
	gate    *auth.Gate
	queue   Enqueuer
	commit  enrich.Committer
	metrics *monitor.SystemMetrics
	prom    *monitor.PromMetrics
	log     *logrus.Entry
	now     func() time.Time
}

// NewService wires the ingest path. commit may be nil, in which case
// heartbeats and errors are stored without a live update.
func NewService(database *db.Database, gate *auth.Gate, queue Enqueuer, commit enrich.Committer, log logrus.FieldLogger) *Service {
	return &Service{
		db:     database,
		gate:   gate,
		queue:  queue,
		commit: commit,
		log:    logger.Component(log, "ingest"),
		now:    time.Now,
	}
}

// SetMetrics attaches throughput counters.
func (s *Service) SetMetrics(m *monitor.SystemMetrics, p *monitor.PromMetrics) {
	s.metrics = m
	s.prom = p
}

// Authenticate resolves the pushing bot and runs the gate. The returned
// error is ErrUnknownBot, one of the auth sentinels or a storage error.
func (s *Service) Authenticate(ctx context.Context, env Envelope) (*db.Bot, error) {
	bot, err := s.db.GetBotByName(ctx, env.Name, env.Exchange)
	if errors.Is(err, db.ErrNotFound) {
		s.authFailed("unknown_bot")
		return nil, ErrUnknownBot
	}
	if err != nil {
		return nil, err
	}

	res := s.gate.Authenticate(ctx, auth.Credentials{
		BotID:     bot.ID,
		APISecret: bot.APISecret,
		LastNonce: bot.LastNonce,
	}, env.Hash, env.Name, env.Exchange, string(env.Nonce))
	if !res.OK {
		s.authFailed(failureLabel(res.Err))
		s.log.WithFields(logrus.Fields{"bot": bot.ID, "reason": res.Reason}).Debug("push rejected")
		return nil, res.Err
	}
	return bot, nil
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidNonceFormat):
		return "invalid_nonce"
	case errors.Is(err, auth.ErrNonceReplay):
		return "nonce_replay"
	case errors.Is(err, auth.ErrHashMismatch):
		return "hash_mismatch"
	default:
		return "internal"
	}
}

func (s *Service) authFailed(reason string) {
	if s.prom != nil {
		s.prom.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// Config returns the configuration a bot pulls at start-up.
func (s *Service) Config(bot *db.Bot) db.BotConfig {
	return bot.Serialize()
}

// RotateSecret issues a new api secret for the bot. The nonce sequence
// restarts with it.
func (s *Service) RotateSecret(ctx context.Context, botID int64) (string, error) {
	secret := auth.NewSecret()
	if err := s.db.RotateBotSecret(ctx, botID, secret); err != nil {
		return "", err
	}
	s.log.WithField("bot", botID).Info("api secret rotated")
	return secret, nil
}

// IngestHeartbeat records a liveness ping.
func (s *Service) IngestHeartbeat(ctx context.Context, bot *db.Bot) (*db.HeartBeat, error) {
	start := time.Now()
	var hb *db.HeartBeat
	err := s.live(ctx, bot.ID, events.TriggerHeartbeat, func(ctx context.Context) error {
		var err error
		hb, err = s.db.InsertHeartbeat(ctx, bot.ID, s.now())
		return err
	})
	s.observe("heartbeat", start, err)
	return hb, err
}

// IngestError stores an error the bot reported about itself.
func (s *Service) IngestError(ctx context.Context, bot *db.Bot, title, message string) (*db.ErrorReport, error) {
	start := time.Now()
	report := &db.ErrorReport{BotID: bot.ID, Time: s.now(), Title: title, Message: message}
	err := s.live(ctx, bot.ID, events.TriggerError, func(ctx context.Context) error {
		return s.db.InsertErrorReport(ctx, report)
	})
	s.observe("error", start, err)
	return report, err
}

// IngestPlacedOrder stores an order and schedules its valuation.
func (s *Service) IngestPlacedOrder(ctx context.Context, bot *db.Bot, o *db.PlacedOrder) error {
	start := time.Now()
	o.BotID = bot.ID
	o.Side = strings.ToLower(o.Side)
	if o.Side != db.SideBuy && o.Side != db.SideSell {
		s.observe(string(db.KindPlacedOrder), start, ErrInvalidPayload)
		return fmt.Errorf("%w: side %q", ErrInvalidPayload, o.Side)
	}
	if o.Time.IsZero() {
		o.Time = s.now()
	}
	err := s.db.InsertPlacedOrder(ctx, o)
	s.observe(string(db.KindPlacedOrder), start, err)
	if err == nil {
		s.schedule(db.KindPlacedOrder, o.ID, bot.ID)
	}
	return err
}

// IngestPrice stores a price sample and schedules its valuation.
func (s *Service) IngestPrice(ctx context.Context, bot *db.Bot, p *db.PriceSample) error {
	start := time.Now()
	p.BotID = bot.ID
	if p.Time.IsZero() {
		p.Time = s.now()
	}
	err := s.db.InsertPrice(ctx, p)
	s.observe(string(db.KindPrice), start, err)
	if err == nil {
		s.schedule(db.KindPrice, p.ID, bot.ID)
	}
	return err
}

// IngestBalance stores a balance snapshot and schedules its valuation.
func (s *Service) IngestBalance(ctx context.Context, bot *db.Bot, b *db.Balance) error {
	start := time.Now()
	b.BotID = bot.ID
	if b.BidAvailable == nil || b.AskAvailable == nil || b.BidOnOrder == nil || b.AskOnOrder == nil {
		s.observe(string(db.KindBalance), start, ErrInvalidPayload)
		return fmt.Errorf("%w: balance needs bid_available, ask_available, bid_on_order and ask_on_order", ErrInvalidPayload)
	}
	if b.Time.IsZero() {
		b.Time = s.now()
	}
	err := s.db.InsertBalance(ctx, b)
	s.observe(string(db.KindBalance), start, err)
	if err == nil {
		s.schedule(db.KindBalance, b.ID, bot.ID)
	}
	return err
}

// IngestTrade stores a fill once per (bot, trade id). A repeat returns
// db.ErrDuplicateTrade and leaves the stored trade untouched.
func (s *Service) IngestTrade(ctx context.Context, bot *db.Bot, t *db.Trade) error {
	start := time.Now()
	t.BotID = bot.ID
	t.Side = strings.ToLower(t.Side)
	if t.TradeID == "" || (t.Side != db.SideBuy && t.Side != db.SideSell) {
		s.observe(string(db.KindTrade), start, ErrInvalidPayload)
		return fmt.Errorf("%w: trade id and buy/sell side required", ErrInvalidPayload)
	}
	if t.Time.IsZero() {
		t.Time = s.now()
	}
	err := s.db.InsertTrade(ctx, t)
	s.observe(string(db.KindTrade), start, err)
	if err == nil {
		s.schedule(db.KindTrade, t.ID, bot.ID)
	}
	return err
}

func (s *Service) live(ctx context.Context, botID int64, trigger events.Trigger, write func(context.Context) error) error {
	if s.commit == nil {
		return write(ctx)
	}
	return s.commit.Commit(ctx, botID, trigger, write)
}

func (s *Service) schedule(kind db.RecordKind, id, botID int64) {
	if s.queue == nil {
		return
	}
	s.queue.Enqueue(enrich.Task{Kind: kind, ID: id, BotID: botID})
}

func (s *Service) observe(kind string, start time.Time, err error) {
	took := time.Since(start)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, db.ErrDuplicateTrade):
		outcome = "duplicate"
	case errors.Is(err, ErrInvalidPayload):
		outcome = "invalid"
	default:
		outcome = "error"
		s.log.WithError(err).WithField("kind", kind).Warn("store failed")
	}
	if s.metrics != nil && err == nil {
		s.metrics.IncrementIngested()
		s.metrics.IngestLatency.RecordDuration(took)
	}
	if s.prom != nil {
		s.prom.PushesTotal.WithLabelValues(kind, outcome).Inc()
		s.prom.IngestLatency.WithLabelValues(kind).Observe(took.Seconds())
	}
}
