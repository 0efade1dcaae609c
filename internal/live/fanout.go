// Package live pushes bot state changes to connected dashboard sessions.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/events"
	"overwatch/internal/metrics"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
)

const (
	recentHeartbeats = 10
	recentErrors     = 10
	recentTrades     = 25
)

// Fanout serialises each bot's writes with the live updates they cause.
type Fanout struct {
	bus     *events.Bus
	db      *db.Database
	metrics *metrics.Engine
	prom    *monitor.PromMetrics
	log     *logrus.Entry
	locks   sync.Map // bot id -> *sync.Mutex
	now     func() time.Time
}

// NewFanout wires the fan-out over the bus. metrics and prom may be nil.
func NewFanout(bus *events.Bus, database *db.Database, m *metrics.Engine, prom *monitor.PromMetrics, log logrus.FieldLogger) *Fanout {
	f := &Fanout{
		bus:     bus,
		db:      database,
		metrics: m,
		prom:    prom,
		log:     logger.Component(log, "live"),
		now:     time.Now,
	}
	if prom != nil && bus.OnDrop == nil {
		bus.OnDrop = func(events.Topic) { prom.FanoutDropped.Inc() }
	}
	return f
}

func (f *Fanout) lock(botID int64) *sync.Mutex {
	mu, _ := f.locks.LoadOrStore(botID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Commit runs write and then publishes the resulting updates while holding
// the bot's lock. A failed publish is logged and never undoes the write.
func (f *Fanout) Commit(ctx context.Context, botID int64, trigger events.Trigger, write func(context.Context) error) error {
	mu := f.lock(botID)
	mu.Lock()
	defer mu.Unlock()

	if err := write(ctx); err != nil {
		return err
	}
	if err := f.publish(ctx, botID, trigger); err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{"bot": botID, "trigger": trigger}).Warn("live publish failed")
	}
	return nil
}

// SetActive toggles a bot and announces the new status.
func (f *Fanout) SetActive(ctx context.Context, botID int64, active bool) error {
	return f.Commit(ctx, botID, events.TriggerStatus, func(ctx context.Context) error {
		return f.db.SetBotActive(ctx, botID, active)
	})
}

func (f *Fanout) publish(ctx context.Context, botID int64, trigger events.Trigger) error {
	bot, err := f.db.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	update, err := f.snapshot(ctx, bot)
	if err != nil {
		return err
	}
	f.send(bot, events.MsgDataUpdate, update)

	switch trigger {
	case events.TriggerHeartbeat:
		hbs, err := f.db.RecentHeartbeats(ctx, botID, recentHeartbeats)
		if err != nil {
			return err
		}
		f.sendDetail(bot, events.MsgHeartBeats, hbs)
	case events.TriggerError:
		errs, err := f.db.RecentErrors(ctx, botID, recentErrors)
		if err != nil {
			return err
		}
		f.sendDetail(bot, events.MsgErrors, errs)
		if len(errs) > 0 {
			latest := errs[0]
			f.bus.Publish(events.AlertTopic, monitor.Alert{
				BotID: bot.ID, BotName: bot.Name, Title: latest.Title, Message: latest.Message, Time: latest.Time,
			})
		}
	case events.TriggerTrade:
		trades, err := f.db.RecentTrades(ctx, botID, recentTrades)
		if err != nil {
			return err
		}
		f.sendDetail(bot, events.MsgTrades, trades)
	case events.TriggerStatus:
		f.send(bot, events.MsgBotStatus, map[string]bool{"active": bot.Active})
	}
	return nil
}

// send publishes to both the bot detail topic and the owner list topic.
func (f *Fanout) send(bot *db.Bot, msgType string, data any) {
	msg := events.Message{Type: msgType, Bot: bot.ID, Data: data}
	f.bus.Publish(events.BotTopic(bot.ID), msg)
	f.bus.Publish(events.OwnerTopic(bot.OwnerID), msg)
	f.count(msgType)
}

func (f *Fanout) sendDetail(bot *db.Bot, msgType string, data any) {
	f.bus.Publish(events.BotTopic(bot.ID), events.Message{Type: msgType, Bot: bot.ID, Data: data})
	f.count(msgType)
}

func (f *Fanout) count(msgType string) {
	if f.prom != nil {
		f.prom.FanoutPublished.WithLabelValues(msgType).Inc()
	}
}
