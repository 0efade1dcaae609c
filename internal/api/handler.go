package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"overwatch/internal/enrich"
	"overwatch/internal/events"
	"overwatch/internal/ingest"
	"overwatch/internal/live"
	"overwatch/internal/metrics"
	"overwatch/internal/monitor"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
)

// Server wires the bot push endpoints, the dashboard API and the live view.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Ingest     *ingest.Service
	Metrics    *metrics.Engine
	Live       *live.Fanout
	Queue      *enrich.Queue
	SysMetrics *monitor.SystemMetrics
	Prom       *monitor.PromMetrics
	JWTSecret  string
	log        *logrus.Entry
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Bus        *events.Bus
	DB         *db.Database
	Ingest     *ingest.Service
	Metrics    *metrics.Engine
	Live       *live.Fanout
	Queue      *enrich.Queue
	SysMetrics *monitor.SystemMetrics
	Prom       *monitor.PromMetrics
}

// Options tune the HTTP layer.
type Options struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	Log            logrus.FieldLogger
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log := logger.Component(opts.Log, "api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(deps.SysMetrics, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        deps.Bus,
		DB:         deps.DB,
		Ingest:     deps.Ingest,
		Metrics:    deps.Metrics,
		Live:       deps.Live,
		Queue:      deps.Queue,
		SysMetrics: deps.SysMetrics,
		Prom:       deps.Prom,
		JWTSecret:  opts.JWTSecret,
		log:        log,
	}
	s.routes(newLimiterStore(opts.RateLimitRPS, opts.RateLimitBurst), opts.RequestTimeout)
	return s
}

func (s *Server) routes(limiters *limiterStore, timeout time.Duration) {
	s.Router.GET("/health", s.health)
	if s.Prom != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Prom.Handler()))
	}
	// live sessions outlive the request timeout
	s.Router.GET("/ws", s.websocket)

	bot := s.Router.Group("/bot")
	bot.Use(RateLimitMiddleware(limiters, s.log), TimeoutMiddleware(timeout))
	{
		bot.POST("/config", s.botConfig)
		bot.POST("/heartbeat", s.pushHeartbeat)
		bot.POST("/report_error", s.pushError)
		bot.POST("/placed_order", s.pushPlacedOrder)
		bot.POST("/prices", s.pushPrice)
		bot.POST("/balances", s.pushBalance)
		bot.POST("/trades", s.pushTrade)
	}

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(timeout), AuthMiddleware(s.JWTSecret))
	{
		api.GET("/system/metrics", s.getSystemMetrics)
		api.GET("/dashboard", s.getDashboard)

		api.GET("/bots", s.listBots)
		api.GET("/bots/:id", s.getBot)
		api.DELETE("/bots/:id", s.deleteBot)
		api.GET("/bots/:id/profit", s.getProfit)
		api.GET("/bots/:id/spread", s.getSpread)
		api.GET("/bots/:id/balances", s.getBalances)
		api.GET("/bots/:id/profit_chart", s.getProfitChart)
		api.GET("/bots/:id/placed_orders", s.getPlacedOrders)
		api.GET("/bots/:id/heartbeats", s.getHeartbeats)
		api.GET("/bots/:id/errors", s.getErrors)
		api.GET("/bots/:id/trades", s.getTrades)

		api.POST("/bots/:id/activate", s.activateBot)
		api.POST("/bots/:id/deactivate", s.deactivateBot)
		api.POST("/bots/:id/rotate_secret", s.rotateSecret)
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.DB.DB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
