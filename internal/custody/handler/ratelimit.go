package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

type visitorTable struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

func (t *visitorTable) get(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(t.rps, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.bucket
}

func (t *visitorTable) sweep(olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, v := range t.visitors {
		if time.Since(v.lastSeen) > olderThan {
			delete(t.visitors, ip)
		}
	}
}

// RateLimit returns a Gin middleware that enforces a per-IP token bucket.
// rps is the steady-state requests per second; burst is the bucket size.
// Idle buckets are swept in the background so the table stays bounded.
func RateLimit(rps, burst int) gin.HandlerFunc {
	table := &visitorTable{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}

	go func() {
		ticker := time.NewTicker(3 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			table.sweep(10 * time.Minute)
		}
	}()

	return func(c *gin.Context) {
		if !table.get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
