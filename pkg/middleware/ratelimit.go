package middleware

import (
	"context"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/ngoyal88/llmtap/pkg/cache"
	"github.com/ngoyal88/llmtap/pkg/config"
	"golang.org/x/time/rate"
)

const rateLimitKey = "llmtap:ratelimit:global"

// NewRateLimiter creates a middleware that limits requests using the live
// values in cfgStore. With Redis the limit is shared by every proxy instance;
// without it, or when Redis fails, a process-local token bucket applies.
func NewRateLimiter(rdb *cache.Client, cfgStore *config.Store) func(http.Handler) http.Handler {
	var distributed *redis_rate.Limiter
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}
	local := &localLimiter{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := cfgStore.Get()
			if cfg == nil || !cfg.RateLimit.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			rl := cfg.RateLimit

			if distributed != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
				res, err := distributed.Allow(ctx, rateLimitKey, redis_rate.Limit{
					Rate:   int(math.Ceil(rl.RPS)),
					Burst:  rl.Burst,
					Period: time.Second,
				})
				cancel()
				if err == nil {
					if res.Allowed == 0 {
						reject(w, "redis", res.RetryAfter)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				log.Printf("[RATELIMIT] redis unavailable, using local limiter: %v", err)
			}

			if ok, wait := local.allow(rl.RPS, rl.Burst); !ok {
				reject(w, "local", wait)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// localLimiter follows hot-reloaded limits without losing its bucket state.
type localLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

func (l *localLimiter) allow(rps float64, burst int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	} else if l.limiter.Limit() != rate.Limit(rps) || l.limiter.Burst() != burst {
		l.limiter.SetLimitAt(now, rate.Limit(rps))
		l.limiter.SetBurstAt(now, burst)
		log.Printf("[RATELIMIT] limits changed: %.1f req/s (burst: %d)", rps, burst)
	}

	res := l.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func reject(w http.ResponseWriter, backend string, retryAfter time.Duration) {
	rateLimited.WithLabelValues(backend).Inc()
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	respondError(w, "Too Many Requests", http.StatusTooManyRequests)
}
