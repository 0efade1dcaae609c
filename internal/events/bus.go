package events

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Topic names a fan-out stream.
type Topic string

// BotTopic carries detail-view updates for one bot.
func BotTopic(botID int64) Topic {
	return Topic("bot:" + strconv.FormatInt(botID, 10))
}

// OwnerTopic carries list-view updates for every bot of one owner.
func OwnerTopic(ownerID string) Topic {
	return Topic("bots:" + ownerID)
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan any
	dropped atomic.Uint64
	// OnDrop, when set, is called for every message a slow subscriber missed.
	OnDrop func(Topic)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan any)}
}

// Subscribe registers a listener for a topic and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[t] = append(b.subs[t], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[t]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[t] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		})
	}

	return ch, unsub
}

// Publish fans the payload out without blocking and returns how many
// subscribers received it. Each subscriber sees messages in publish order.
func (b *Bus) Publish(t Topic, payload any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
			delivered++
		default:
			// drop if subscriber is slow; keep broker non-blocking
			b.dropped.Add(1)
			if b.OnDrop != nil {
				b.OnDrop(t)
			}
		}
	}
	return delivered
}

// Subscribers returns the number of listeners on t.
func (b *Bus) Subscribers(t Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Dropped returns the total number of messages dropped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// AlertTopic carries operator-facing alerts such as bot error reports.
const AlertTopic Topic = "alerts"
