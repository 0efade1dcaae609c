package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overwatch/internal/enrich"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
)

type captureQueue struct {
	tasks []enrich.Task
	full  bool
}

func (c *captureQueue) Enqueue(t enrich.Task) bool {
	if c.full {
		return false
	}
	c.tasks = append(c.tasks, t)
	return true
}

func TestSweepRequeuesPendingAndReportsLag(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))
	ctx := context.Background()

	bot := &db.Bot{OwnerID: "o", Name: "a", Exchange: "x", Market: "A/B", APISecret: "s"}
	_, err = database.CreateBot(ctx, bot)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 0, 10, 0, 0, time.UTC)
	require.NoError(t, database.InsertTrade(ctx, &db.Trade{BotID: bot.ID, TradeID: "1", Time: now.Add(-10 * time.Minute), Side: db.SideBuy, Price: 1, Amount: 1}))
	require.NoError(t, database.InsertPrice(ctx, &db.PriceSample{BotID: bot.ID, Time: now.Add(-time.Minute), Price: 1}))

	q := &captureQueue{}
	svc := NewService(database, q, time.Minute, 10, logger.Discard())
	svc.now = func() time.Time { return now }
	reg := prometheus.NewRegistry()
	prom := monitor.NewPromMetrics(reg)
	metrics := monitor.NewSystemMetrics()
	svc.SetMetrics(metrics, prom)

	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	svc.handleReport(report)

	assert.Equal(t, 2, report.Requeued)
	require.Len(t, q.tasks, 2)
	assert.Equal(t, db.KindPrice, q.tasks[0].Kind)
	assert.Equal(t, db.KindTrade, q.tasks[1].Kind)

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.PendingRecords.WithLabelValues("trade")))
	assert.Equal(t, 600.0, testutil.ToFloat64(prom.PendingAge.WithLabelValues("trade")))
	assert.Equal(t, 0.0, testutil.ToFloat64(prom.PendingRecords.WithLabelValues("balance")))
	assert.Equal(t, 1, metrics.GetSnapshot().Pending["price"])

	q.full = true
	report, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rejected)
}
