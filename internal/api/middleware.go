package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"overwatch/internal/monitor"
)

const limiterReset = 5 * time.Minute

// limiterStore hands out one token bucket per client IP. The whole set is
// dropped every limiterReset so idle IPs do not accumulate.
type limiterStore struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	ips     map[string]*rate.Limiter
	resetAt time.Time
}

func newLimiterStore(rps float64, burst int) *limiterStore {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 50
	}
	return &limiterStore{
		rps:     rate.Limit(rps),
		burst:   burst,
		ips:     make(map[string]*rate.Limiter),
		resetAt: time.Now().Add(limiterReset),
	}
}

func (l *limiterStore) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := time.Now(); now.After(l.resetAt) {
		l.ips = make(map[string]*rate.Limiter)
		l.resetAt = now.Add(limiterReset)
	}
	limiter, ok := l.ips[ip]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.ips[ip] = limiter
	}
	return limiter
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware throttles each client IP; bots push on a schedule, so
// a burst beyond the limit is a misbehaving client.
func RateLimitMiddleware(limiters *limiterStore, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.get(ip).Allow() {
			log.WithField("ip", ip).Warn("rate limit exceeded")
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context; storage calls observe it.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs all requests with timing and status; optionally records metrics.
func RequestLogger(metrics *monitor.SystemMetrics, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if metrics != nil {
			metrics.IncrementAPI()
			metrics.APILatency.RecordDuration(latency)
			if statusCode >= 400 {
				metrics.IncrementAPIErrors()
			}
		}

		entry := log.WithFields(logrus.Fields{
			"request_id": c.GetString("RequestID"),
			"method":     method,
			"path":       path,
			"status":     statusCode,
			"latency":    latency,
			"ip":         c.ClientIP(),
		})
		if statusCode >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
