package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"overwatch/internal/metrics"
	"overwatch/pkg/db"
)

const (
	maxWindowDays   = 365
	maxOrderHours   = 24 * 30
	recentListLimit = 50
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

// ownedBot loads the :id bot and hides bots of other owners behind a 404.
func (s *Server) ownedBot(c *gin.Context) (*db.Bot, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "bot id must be a positive integer")
		return nil, false
	}
	bot, err := s.DB.GetBot(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && bot.OwnerID != CurrentUserID(c)) {
		respondError(c, http.StatusNotFound, "BOT_NOT_FOUND", "bot not found")
		return nil, false
	}
	if err != nil {
		s.internalError(c, err)
		return nil, false
	}
	return bot, true
}

func boundedInt(c *gin.Context, key string, def, min, max int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", key+" must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}

func parseDays(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 || n > maxWindowDays {
			return nil, errors.New("days must be a comma separated list of positive integers")
		}
		if len(out) > 0 && n <= out[len(out)-1] {
			return nil, errors.New("days must be increasing")
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Server) getSystemMetrics(c *gin.Context) {
	resp := gin.H{}
	if s.SysMetrics != nil {
		resp["system"] = s.SysMetrics.GetSnapshot()
	}
	if s.Queue != nil {
		resp["queue"] = gin.H{"depth": s.Queue.Len(), "dropped": s.Queue.Dropped()}
	}
	if s.Bus != nil {
		resp["fanout"] = gin.H{"dropped": s.Bus.Dropped()}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getDashboard(c *gin.Context) {
	days, ok := boundedInt(c, "days", 1, 1, maxWindowDays)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	owner := CurrentUserID(c)
	dash, err := s.Metrics.Dashboard(ctx, owner, days)
	if err != nil {
		s.internalError(c, err)
		return
	}
	daily, err := s.Metrics.DailyProfits(ctx, owner, 0)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dashboard": dash, "daily_profits": daily})
}

func (s *Server) listBots(c *gin.Context) {
	ctx := c.Request.Context()
	bots, err := s.DB.ListBots(ctx, CurrentUserID(c), c.Query("active") == "true")
	if err != nil {
		s.internalError(c, err)
		return
	}
	out := make([]any, 0, len(bots))
	for _, b := range bots {
		snap, err := s.Live.Snapshot(ctx, b.ID)
		if err != nil {
			s.internalError(c, err)
			return
		}
		out = append(out, snap)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getBot(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	snap, err := s.Live.Snapshot(c.Request.Context(), bot.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot": snap, "config": bot.Serialize()})
}

func (s *Server) deleteBot(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.DB.DeleteBot(c.Request.Context(), bot.ID); err != nil {
		s.internalError(c, err)
		return
	}
	s.log.WithField("bot", bot.ID).Info("bot deleted")
	c.Status(http.StatusNoContent)
}

func (s *Server) getProfit(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	days, ok := boundedInt(c, "days", 1, 0, maxWindowDays)
	if !ok {
		return
	}
	profit, err := s.Metrics.Profit(c.Request.Context(), bot.ID, days)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot": bot.ID, "days": days, "profit": profit})
}

func (s *Server) getSpread(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	spread, err := s.Metrics.Spread(c.Request.Context(), bot.ID)
	if errors.Is(err, metrics.ErrNoPriceSample) {
		respondError(c, http.StatusNotFound, "NO_PRICE_SAMPLE", err.Error())
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot": bot.ID, "spread": spread})
}

func (s *Server) getBalances(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	points, err := s.Metrics.BalanceSeries(c.Request.Context(), bot.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	var drift float64
	if len(points) > 0 {
		drift = points[len(points)-1].Total() - points[0].Total()
	}
	c.JSON(http.StatusOK, gin.H{"bot": bot.ID, "points": points, "drift": drift})
}

func (s *Server) getProfitChart(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	days, err := parseDays(c.Query("days"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	chart, err := s.Metrics.ProfitChart(c.Request.Context(), bot.ID, days)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, chart)
}

func (s *Server) getPlacedOrders(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	hours, ok := boundedInt(c, "hours", 48, 1, maxOrderHours)
	if !ok {
		return
	}
	series, err := s.Metrics.PlacedOrders(c.Request.Context(), bot.ID, hours)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) getHeartbeats(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	hbs, err := s.DB.RecentHeartbeats(c.Request.Context(), bot.ID, recentListLimit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, hbs)
}

func (s *Server) getErrors(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	errs, err := s.DB.RecentErrors(c.Request.Context(), bot.ID, recentListLimit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, errs)
}

func (s *Server) getTrades(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	trades, err := s.DB.RecentTrades(c.Request.Context(), bot.ID, recentListLimit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) activateBot(c *gin.Context)   { s.setActive(c, true) }
func (s *Server) deactivateBot(c *gin.Context) { s.setActive(c, false) }

func (s *Server) setActive(c *gin.Context, active bool) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.Live.SetActive(c.Request.Context(), bot.ID, active); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot": bot.ID, "active": active})
}

func (s *Server) rotateSecret(c *gin.Context) {
	bot, ok := s.ownedBot(c)
	if !ok {
		return
	}
	secret, err := s.Ingest.RotateSecret(c.Request.Context(), bot.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot": bot.ID, "api_secret": secret})
}
