package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterTTL 之内未再出现的来源会在 GC 时被回收。
const limiterTTL = 2 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter 按来源 IP 维护令牌桶。通知长连接与存活探针不参与限速,
// 否则一次页面刷新就可能吃光突发额度。
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	b       int
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	bk, ok := l.buckets[ip]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(l.r, l.b)}
		l.buckets[ip] = bk
	}
	bk.seen = time.Now()
	return bk.lim.Allow()
}

func (l *ipLimiter) gc() {
	for range time.Tick(30 * time.Second) {
		cutoff := time.Now().Add(-limiterTTL)
		l.mu.Lock()
		for ip, bk := range l.buckets {
			if bk.seen.Before(cutoff) {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimit 返回基于来源 IP 的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	l := &ipLimiter{buckets: make(map[string]*bucket), r: r, b: burst}
	go l.gc()
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics", "/ws":
			c.Next()
			return
		}
		if !l.allow(clientIP(c.Request.RemoteAddr)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"msg": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
