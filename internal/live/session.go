package live

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"overwatch/internal/events"
	"overwatch/pkg/db"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Subscription scopes.
const (
	ScopeList = "list"
	ScopeBot  = "bot"
)

// Client message types.
const (
	MsgSubscribe  = "subscribe"
	MsgDaysUpdate = "days_update"
	msgError      = "error"
)

const (
	sessionBuffer = 128
	dashboardDays = 1
)

var (
	errUnknownScope   = errors.New("unknown scope")
	errNotSubscribed  = errors.New("subscribe to the list scope first")
	errForbiddenBot   = errors.New("bot not found")
	errUnknownMessage = errors.New("unknown message_type")
)

// Conn is the transport a session talks over. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// ClientMessage is anything a dashboard sends.
type ClientMessage struct {
	Type  string `json:"message_type"`
	Scope string `json:"scope,omitempty"`
	Bot   int64  `json:"bot,omitempty"`
	Days  int    `json:"days,omitempty"`
}

// ErrorMessage reports a rejected client message.
type ErrorMessage struct {
	Type  string `json:"message_type"`
	Error string `json:"error"`
}

// Session is one viewer connection and its current subscription.
type Session struct {
	fanout *Fanout
	owner  string
	conn   Conn
	out    chan any
	log    *logrus.Entry

	mu    sync.Mutex
	state State
	scope string
	unsub func()
}

// NewSession prepares a session for an authenticated owner.
func (f *Fanout) NewSession(ownerID string, conn Conn) *Session {
	return &Session{
		fanout: f,
		owner:  ownerID,
		conn:   conn,
		out:    make(chan any, sessionBuffer),
		log:    f.log.WithField("owner", ownerID),
		state:  StateConnecting,
	}
}

// State reports the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve reads client messages and writes updates until the connection fails
// or ctx ends. Leaving only drops the bus subscription.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	if s.fanout.prom != nil {
		s.fanout.prom.LiveSessions.Inc()
		defer s.fanout.prom.LiveSessions.Dec()
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg ClientMessage
			if err := s.conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			s.Handle(ctx, msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case msg := <-s.out:
			if err := s.conn.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.state = StateDisconnected
}

// Handle applies one client message.
func (s *Session) Handle(ctx context.Context, msg ClientMessage) {
	var err error
	switch msg.Type {
	case MsgSubscribe:
		err = s.subscribe(ctx, msg)
	case MsgDaysUpdate:
		err = s.daysUpdate(ctx, msg.Days)
	default:
		err = errUnknownMessage
	}
	if err != nil {
		s.log.WithError(err).WithField("message_type", msg.Type).Debug("client message rejected")
		s.enqueue(ctx, ErrorMessage{Type: msgError, Error: err.Error()})
	}
}

func (s *Session) subscribe(ctx context.Context, msg ClientMessage) error {
	var (
		topic events.Topic
		bots  []*db.Bot
	)
	switch msg.Scope {
	case ScopeList:
		topic = events.OwnerTopic(s.owner)
		active, err := s.fanout.db.ListBots(ctx, s.owner, true)
		if err != nil {
			return err
		}
		bots = active
	case ScopeBot:
		bot, err := s.fanout.db.GetBot(ctx, msg.Bot)
		if errors.Is(err, db.ErrNotFound) || (err == nil && bot.OwnerID != s.owner) {
			return errForbiddenBot
		}
		if err != nil {
			return err
		}
		topic = events.BotTopic(bot.ID)
		bots = []*db.Bot{bot}
	default:
		return errUnknownScope
	}

	// subscribe before the snapshot so no update falls between the two
	stream, unsub := s.fanout.bus.Subscribe(topic, sessionBuffer)
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		unsub()
		return nil
	}
	if s.unsub != nil {
		s.unsub()
	}
	s.unsub = unsub
	s.scope = msg.Scope
	s.state = StateSubscribed
	s.mu.Unlock()
	go s.forward(stream)

	for _, b := range bots {
		update, err := s.fanout.snapshot(ctx, b)
		if err != nil {
			return err
		}
		s.enqueue(ctx, events.Message{Type: events.MsgDataUpdate, Bot: b.ID, Data: update})
	}
	if msg.Scope != ScopeList || s.fanout.metrics == nil {
		return nil
	}
	if err := s.sendDashboard(ctx, dashboardDays); err != nil {
		return err
	}
	daily, err := s.fanout.metrics.DailyProfits(ctx, s.owner, 0)
	if err != nil {
		return err
	}
	s.enqueue(ctx, events.Message{Type: events.MsgProfitsChart, Data: daily})
	return nil
}

func (s *Session) daysUpdate(ctx context.Context, days int) error {
	s.mu.Lock()
	listed := s.state == StateSubscribed && s.scope == ScopeList
	s.mu.Unlock()
	if !listed {
		return errNotSubscribed
	}
	return s.sendDashboard(ctx, days)
}

func (s *Session) sendDashboard(ctx context.Context, days int) error {
	if s.fanout.metrics == nil {
		return nil
	}
	dash, err := s.fanout.metrics.Dashboard(ctx, s.owner, days)
	if err != nil {
		return err
	}
	s.enqueue(ctx, events.Message{Type: events.MsgUpdateDashboard, Data: dash})
	return nil
}

// forward copies bus messages into the session until unsubscribed.
func (s *Session) forward(stream <-chan any) {
	for msg := range stream {
		select {
		case s.out <- msg:
		default:
			if s.fanout.prom != nil {
				s.fanout.prom.FanoutDropped.Inc()
			}
		}
	}
}

func (s *Session) enqueue(ctx context.Context, msg any) {
	select {
	case s.out <- msg:
	case <-ctx.Done():
	}
}
