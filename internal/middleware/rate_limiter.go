package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter implements per-IP rate limiting for API endpoints. Step
// submissions get a stricter limit than general traffic.
type RateLimiter struct {
	ipLimiters     map[string]*rate.Limiter
	submitLimiters map[string]*rate.Limiter
	ipMutex        sync.Mutex
	submitMutex    sync.Mutex
	ipRate         rate.Limit
	submitRate     rate.Limit
	ipBurst        int
	submitBurst    int
	cleanupTicker  *time.Ticker
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond, submitPerMinute float64, ipBurst, submitBurst int) *RateLimiter {
	limiter := &RateLimiter{
		ipLimiters:     make(map[string]*rate.Limiter),
		submitLimiters: make(map[string]*rate.Limiter),
		ipRate:         rate.Limit(requestsPerSecond),
		submitRate:     rate.Limit(submitPerMinute / 60),
		ipBurst:        ipBurst,
		submitBurst:    submitBurst,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
	}

	go limiter.cleanup()

	return limiter
}

// cleanup periodically drops idle limiters to bound memory
func (rl *RateLimiter) cleanup() {
	for range rl.cleanupTicker.C {
		rl.ipMutex.Lock()
		rl.ipLimiters = make(map[string]*rate.Limiter)
		rl.ipMutex.Unlock()

		rl.submitMutex.Lock()
		rl.submitLimiters = make(map[string]*rate.Limiter)
		rl.submitMutex.Unlock()
	}
}

// Stop stops the rate limiter cleanup
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
}

func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	rl.ipMutex.Lock()
	defer rl.ipMutex.Unlock()

	limiter, exists := rl.ipLimiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.ipRate, rl.ipBurst)
		rl.ipLimiters[ip] = limiter
	}
	return limiter
}

func (rl *RateLimiter) getSubmitLimiter(ip string) *rate.Limiter {
	rl.submitMutex.Lock()
	defer rl.submitMutex.Unlock()

	limiter, exists := rl.submitLimiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.submitRate, rl.submitBurst)
		rl.submitLimiters[ip] = limiter
	}
	return limiter
}

// Middleware limits general API traffic per client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getIPLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SubmitMiddleware applies the stricter limit for verification submissions
func (rl *RateLimiter) SubmitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getSubmitLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many verification attempts"})
			c.Abort()
			return
		}
		c.Next()
	}
}
