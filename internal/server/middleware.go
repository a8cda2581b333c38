package server

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
)

// loggerMiddleware logs each request once it has been served. Streams are
// logged when the client goes away.
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := log.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    path,
			"ip":      c.ClientIP(),
			"latency": time.Since(start).String(),
		}
		switch {
		case status >= 500:
			log.WithFields(fields).Error("Server error")
		case status >= 400:
			log.WithFields(fields).Warn("Client error")
		default:
			log.WithFields(fields).Debug("Request completed")
		}
	}
}

func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("Panic recovered: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, SimpleApiResp{
					Status: RespFailed,
					Msg:    fmt.Sprintf("Internal server error: %v", err),
				})
			}
		}()
		c.Next()
	}
}

type hitWindow struct {
	count int
	reset time.Time
}

// rateLimiter allows limit requests per client IP in each fixed window.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits *ttlcache.Cache[string, *hitWindow]
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	hits := ttlcache.New(ttlcache.WithTTL[string, *hitWindow](window))
	go hits.Start()
	return &rateLimiter{limit: limit, window: window, now: time.Now, hits: hits}
}

// take records one request from ip and returns the window it was counted in.
func (rl *rateLimiter) take(ip string) hitWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	var w *hitWindow
	if item := rl.hits.Get(ip); item != nil && now.Before(item.Value().reset) {
		w = item.Value()
	} else {
		w = &hitWindow{reset: now.Add(rl.window)}
		rl.hits.Set(ip, w, rl.window)
	}
	w.count++
	return *w
}

func (rl *rateLimiter) stop() {
	rl.hits.Stop()
}

func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		w := rl.take(c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(w.reset.Unix(), 10))
		if w.count > rl.limit {
			retry := int(math.Ceil(w.reset.Sub(rl.now()).Seconds()))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, SimpleApiResp{
				Status: RespFailed,
				Msg:    fmt.Sprintf("Rate limit exceeded. Please try again in %d seconds.", retry),
			})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.limit-w.count))
		c.Next()
	}
}
