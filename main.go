package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"overwatch/internal/api"
	"overwatch/internal/auth"
	"overwatch/internal/enrich"
	"overwatch/internal/events"
	"overwatch/internal/fleet"
	"overwatch/internal/ingest"
	"overwatch/internal/live"
	"overwatch/internal/metrics"
	"overwatch/internal/monitor"
	"overwatch/internal/reconciliation"
	"overwatch/pkg/config"
	"overwatch/pkg/crypto"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
	"overwatch/pkg/oracle"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("overwatch stopped")
	}
	log.Info("overwatch stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}

	sealer, err := crypto.NewSealerFromEnv("SECRET_ENCRYPTION_KEY")
	switch {
	case err == nil:
		database.SetSecretSealer(sealer)
	case errors.Is(err, crypto.ErrKeyNotFound):
		log.Warn("SECRET_ENCRYPTION_KEY not set; bot secrets stored in plaintext")
	default:
		return err
	}

	if cfg.BotsFile != "" {
		f, err := fleet.Load(cfg.BotsFile)
		if err != nil {
			return err
		}
		report, err := fleet.Sync(ctx, database, f, log)
		if err != nil {
			return err
		}
		for key, secret := range report.Secrets {
			// printed once; secrets are never readable again
			log.WithFields(logrus.Fields{"bot": key, "api_secret": secret}).Warn("new bot registered")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := monitor.NewPromMetrics(reg)
	sysMetrics := monitor.NewSystemMetrics()

	prices := oracle.NewClient(cfg.OracleTimeout, cfg.OracleCacheTTL, log)
	prices.Observe = prom.ObserveOracle

	bus := events.NewBus()
	enricher := enrich.NewEngine(database, prices, enrich.Options{
		Workers:   cfg.EnrichWorkers,
		QueueSize: cfg.EnrichQueueSize,
		Log:       log,
		Metrics:   sysMetrics,
		Prom:      prom,
	})
	metricsEngine := metrics.NewEngine(database, prices, enricher, log)
	metricsEngine.SetChartDays(cfg.ChartDays)
	fanout := live.NewFanout(bus, database, metricsEngine, prom, log)
	enricher.SetCommitter(fanout)

	ingestSvc := ingest.NewService(database, auth.NewGate(database), enricher, fanout, log)
	ingestSvc.SetMetrics(sysMetrics, prom)

	sweeper := reconciliation.NewService(database, enricher, cfg.SweepInterval, cfg.SweepBatch, log)
	sweeper.SetMetrics(sysMetrics, prom)

	alerts := logger.Component(log, "alerts")
	(&monitor.Monitor{
		Bus:     bus,
		AlertFn: func(msg string) { alerts.Warn(msg) },
		Log:     log,
	}).Start(ctx)

	server := api.NewServer(api.Deps{
		Bus:        bus,
		DB:         database,
		Ingest:     ingestSvc,
		Metrics:    metricsEngine,
		Live:       fanout,
		Queue:      enricher.Queue(),
		SysMetrics: sysMetrics,
		Prom:       prom,
	}, api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return enricher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	log.WithFields(logrus.Fields{
		"workers": cfg.EnrichWorkers,
		"sweep":   cfg.SweepInterval,
	}).Info("overwatch started")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
