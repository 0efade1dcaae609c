package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/events"
)

// Alert is published on events.AlertTopic.
type Alert struct {
	BotID   int64     `json:"bot"`
	BotName string    `json:"bot_name"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Monitor watches the alert topic and hands formatted alerts to AlertFn.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
	Log     logrus.FieldLogger
}

// Start subscribes and returns immediately; the watcher stops with ctx.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		if m.Log != nil {
			m.Log.Warn("monitor not fully configured; skipping")
		}
		return
	}
	stream, unsub := m.Bus.Subscribe(events.AlertTopic, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.AlertFn(formatAlert(msg))
			}
		}
	}()
}

func formatAlert(msg any) string {
	switch a := msg.(type) {
	case Alert:
		return fmt.Sprintf("[%s] bot %s (%d): %s: %s", a.Time.Format(time.RFC3339), a.BotName, a.BotID, a.Title, a.Message)
	case string:
		return "[" + time.Now().Format(time.RFC3339) + "] " + a
	default:
		return "[" + time.Now().Format(time.RFC3339) + "] alert triggered"
	}
}
