// Package reconciliation periodically re-delivers records whose USD
// enrichment has not completed and reports the backlog.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/enrich"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
)

// Enqueuer accepts enrichment tasks.
type Enqueuer interface {
	Enqueue(t enrich.Task) bool
}

// Service handles periodic re-delivery of pending records.
type Service struct {
	database *db.Database
	queue    Enqueuer
	interval time.Duration
	batch    int
	log      *logrus.Entry
	metrics  *monitor.SystemMetrics
	prom     *monitor.PromMetrics
	mu       sync.Mutex
	now      func() time.Time
}

// Report summarises one sweep.
type Report struct {
	Timestamp time.Time
	Kinds     []KindReport
	Requeued  int
	Rejected  int // queue full; retried next sweep
}

// KindReport is the backlog of one record kind.
type KindReport struct {
	Kind   db.RecordKind
	Count  int
	Oldest time.Time
	Lag    time.Duration
}

// NewService creates a new sweeper.
func NewService(database *db.Database, queue Enqueuer, interval time.Duration, batch int, log logrus.FieldLogger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 200
	}
	return &Service{
		database: database,
		queue:    queue,
		interval: interval,
		batch:    batch,
		log:      logger.Component(log, "sweeper"),
		now:      time.Now,
	}
}

// SetMetrics attaches backlog gauges.
func (s *Service) SetMetrics(m *monitor.SystemMetrics, p *monitor.PromMetrics) {
	s.metrics = m
	s.prom = p
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("sweeper started")
	for {
		report, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("sweep failed")
		} else {
			s.handleReport(report)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep re-enqueues up to batch pending records per kind and measures lag.
func (s *Service) Sweep(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := &Report{Timestamp: now}
	for _, kind := range db.EnrichableKinds {
		stats, err := s.database.PendingSummary(ctx, kind)
		if err != nil {
			return nil, err
		}
		kr := KindReport{Kind: kind, Count: stats.Count, Oldest: stats.Oldest}
		if stats.Count > 0 {
			kr.Lag = now.Sub(stats.Oldest)
		}
		report.Kinds = append(report.Kinds, kr)

		if stats.Count == 0 {
			continue
		}
		pending, err := s.database.PendingRecords(ctx, kind, s.batch)
		if err != nil {
			return nil, err
		}
		for _, r := range pending {
			if s.queue.Enqueue(enrich.Task{Kind: r.Kind, ID: r.ID, BotID: r.BotID}) {
				report.Requeued++
			} else {
				report.Rejected++
			}
		}
	}
	return report, nil
}

func (s *Service) handleReport(r *Report) {
	for _, k := range r.Kinds {
		if s.metrics != nil {
			s.metrics.SetPending(string(k.Kind), k.Count)
		}
		if s.prom != nil {
			s.prom.PendingRecords.WithLabelValues(string(k.Kind)).Set(float64(k.Count))
			s.prom.PendingAge.WithLabelValues(string(k.Kind)).Set(k.Lag.Seconds())
		}
	}
	if r.Requeued == 0 && r.Rejected == 0 {
		return
	}
	entry := s.log.WithFields(logrus.Fields{"requeued": r.Requeued, "rejected": r.Rejected})
	if r.Rejected > 0 {
		entry.Warn("enrichment queue saturated during sweep")
		return
	}
	entry.Debug("pending records re-delivered")
}
