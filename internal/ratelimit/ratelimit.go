// Package ratelimit provides per-caller rate limiting middleware for the
// LandLink API.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/landlink/landlink/internal/access"
)

// Config configures a limiter.
type Config struct {
	// Every is the interval at which one request is refilled.
	Every time.Duration
	// Burst is the number of requests allowed at once.
	Burst int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
	// IdleTTL is how long a caller must be quiet before being forgotten.
	IdleTTL time.Duration
}

// PerSecond returns a config allowing rps requests per second with burst.
func PerSecond(rps, burst int) Config {
	return Config{
		Every:           time.Second / time.Duration(max(rps, 1)),
		Burst:           burst,
		CleanupInterval: time.Minute,
		IdleTTL:         2 * time.Minute,
	}
}

// PerHour returns a config allowing n requests per hour, all of which may
// be spent at once.
func PerHour(n int) Config {
	return Config{
		Every:           time.Hour / time.Duration(max(n, 1)),
		Burst:           n,
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         time.Hour,
	}
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	visitors map[string]*visitor
	stop     chan struct{}
	once     sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup goroutine. Call Stop to
// release it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * cfg.CleanupInterval
	}
	l := &Limiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now().Add(-l.cfg.IdleTTL))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(l.cfg.Every), l.cfg.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

func (l *Limiter) retryAfter() string {
	secs := int(l.cfg.Every.Round(time.Second) / time.Second)
	return strconv.Itoa(max(secs, 1))
}

func (l *Limiter) reject(c *gin.Context) {
	c.Header("Retry-After", l.retryAfter())
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "rate_limit_exceeded",
		"message": "too many requests, slow down",
	})
}

// Middleware limits every request by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow("ip:" + c.ClientIP()) {
			l.reject(c)
			return
		}
		c.Next()
	}
}

// WriteMiddleware limits mutating requests by caller id. It must run after
// access.Middleware; requests without an identity fall back to client IP.
func (l *Limiter) WriteMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if id, ok := access.GetIdentity(c); ok {
			key = "caller:" + id.CallerID
		}
		if !l.Allow(key) {
			l.reject(c)
			return
		}
		c.Next()
	}
}
