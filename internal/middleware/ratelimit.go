package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"postflow/internal/config"
	"postflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// minIdle is the shortest time a client bucket is kept after its last request.
const minIdle = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiter holds one token bucket per client key. Buckets idle for longer
// than idle have refilled completely and are dropped on the next sweep.
type limiter struct {
	prefix string
	limit  rate.Limit
	burst  int
	idle   time.Duration
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(prefix string, rpm, burst int) *limiter {
	if burst <= 0 {
		burst = rpm
	}
	idle := minIdle
	if refill := time.Duration(float64(burst) / float64(rpm) * float64(time.Minute)); refill > idle {
		idle = refill
	}
	return &limiter{
		prefix:  prefix,
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *limiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// sweep drops idle buckets. Callers hold l.mu.
func (l *limiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit 按客户端 IP 限流. 路径前缀覆盖优先于全局限额, 白名单 IP 不受限.
func RateLimit(rl config.RateLimitingConfig) gin.HandlerFunc {
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	var paths []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.Prefix == "" || p.RequestsPerMinute <= 0 {
			continue
		}
		paths = append(paths, newLimiter(p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter("", rl.RequestsPerMinute, rl.Burst)
	}
	whitelist := make(map[string]bool, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[ip] = true
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if whitelist[key] {
			c.Next()
			return
		}
		l := global
		path := c.Request.URL.Path
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				l = pl
				break
			}
		}
		if l != nil && !l.allow(key) {
			metrics.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
