package authkit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

const errorCodeRateLimited = "auth.rate_limited"

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	// IdleTTL is how long an unused client bucket is kept. Zero means ten minutes.
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ClientRateLimiter limits requests per client IP.
type ClientRateLimiter struct {
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	mutex    sync.Mutex
	clients  map[string]*clientLimiter
	lastScan time.Time
}

// NewClientRateLimiter builds a limiter. A non-positive rate disables limiting.
func NewClientRateLimiter(configuration RateLimitConfig) *ClientRateLimiter {
	limit := rate.Inf
	if configuration.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(configuration.RequestsPerMinute) / 60.0)
	}
	burst := configuration.Burst
	if burst <= 0 {
		burst = 1
	}
	idleTTL := configuration.IdleTTL
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ClientRateLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow consumes one token from the client's bucket.
func (limiter *ClientRateLimiter) Allow(clientKey string) bool {
	if limiter.limit == rate.Inf {
		return true
	}
	now := limiter.now()

	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	limiter.evictIdleLocked(now)
	entry, exists := limiter.clients[clientKey]
	if !exists {
		entry = &clientLimiter{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.clients[clientKey] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// ClientCount reports how many client buckets are tracked.
func (limiter *ClientRateLimiter) ClientCount() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return len(limiter.clients)
}

// Middleware rejects requests over the limit with 429.
func (limiter *ClientRateLimiter) Middleware(logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return func(contextGin *gin.Context) {
		clientIP := contextGin.ClientIP()
		if limiter.Allow(clientIP) {
			contextGin.Next()
			return
		}
		metrics.Increment(metricAuthRateLimited)
		logger.Warn("rate limit exceeded",
			zap.String("code", errorCodeRateLimited),
			zap.String("ip", clientIP),
			zap.String("path", contextGin.FullPath()),
		)
		contextGin.Header("Retry-After", strconv.Itoa(limiter.retryAfterSeconds()))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorCodeRateLimited})
	}
}

func (limiter *ClientRateLimiter) retryAfterSeconds() int {
	seconds := int(math.Ceil(1.0 / float64(limiter.limit)))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// evictIdleLocked drops idle buckets at most once per idleTTL.
func (limiter *ClientRateLimiter) evictIdleLocked(now time.Time) {
	if now.Sub(limiter.lastScan) < limiter.idleTTL {
		return
	}
	limiter.lastScan = now
	for clientKey, entry := range limiter.clients {
		if now.Sub(entry.lastAccess) > limiter.idleTTL {
			delete(limiter.clients, clientKey)
		}
	}
}
