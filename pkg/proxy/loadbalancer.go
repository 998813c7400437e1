package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// HealthCheckInterval is how often targets are probed.
const HealthCheckInterval = 10 * time.Second

// TargetConfig represents target configuration
type TargetConfig struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// Target is one upstream behind the load balancer.
type Target struct {
	URL    *url.URL
	Weight int

	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
	latency *LatencyTracker
	healthy atomic.Bool

	// score is the smooth weighted picker's running value, guarded by LoadBalancer.mu.
	score int
}

func (t *Target) available() bool {
	return t.healthy.Load() && t.breaker.State() != gobreaker.StateOpen
}

// picker chooses one of the available targets for a request.
type picker func(lb *LoadBalancer, candidates []*Target) *Target

var pickers = map[string]picker{
	"round-robin":   (*LoadBalancer).inTurn,
	"weighted":      (*LoadBalancer).smoothWeighted,
	"least-latency": (*LoadBalancer).fastest,
	"random": func(_ *LoadBalancer, candidates []*Target) *Target {
		return candidates[rand.Intn(len(candidates))]
	},
}

// LoadBalancer spreads calls over several upstreams. Each upstream has its own
// circuit breaker, and the chosen upstream is reported in UpstreamHeader so the
// recorded exchange says where it went.
type LoadBalancer struct {
	targets []*Target
	pick    picker
	turn    atomic.Uint64
	mu      sync.Mutex
	client  *http.Client
}

// NewLoadBalancer creates a load balancer. Health checks run until ctx is done.
func NewLoadBalancer(ctx context.Context, configs []TargetConfig, strategy string) (*LoadBalancer, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}
	if strategy == "" {
		strategy = "round-robin"
	}
	pick, ok := pickers[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	lb := &LoadBalancer{
		targets: make([]*Target, 0, len(configs)),
		pick:    pick,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, cfg := range configs {
		t, err := newTarget(cfg)
		if err != nil {
			return nil, err
		}
		lb.targets = append(lb.targets, t)
	}

	go lb.healthCheckLoop(ctx)
	return lb, nil
}

func newTarget(cfg TargetConfig) (*Target, error) {
	u, err := parseTarget(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %s: %w", cfg.URL, err)
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	t := &Target{
		URL:     u,
		Weight:  weight,
		proxy:   newReverseProxy(u),
		latency: NewLatencyTracker(100),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "target-" + u.Host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("[PROXY] %s circuit %s -> %s", name, from, to)
			},
		}),
	}
	t.healthy.Store(true)
	targetHealthy.WithLabelValues(u.Host).Set(1)
	return t, nil
}

func (lb *LoadBalancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := lb.choose()
	if t == nil {
		respondUpstreamError(w, http.StatusServiceUnavailable, "no healthy upstream available")
		return
	}
	w.Header().Set(UpstreamHeader, t.URL.Host)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	_, err := t.breaker.Execute(func() (interface{}, error) {
		t.proxy.ServeHTTP(rec, r)
		if rec.status >= 500 {
			return nil, fmt.Errorf("upstream status %d", rec.status)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		respondUpstreamError(w, http.StatusServiceUnavailable, "circuit open for "+t.URL.Host)
		return
	}
	elapsed := time.Since(start)
	t.latency.Add(elapsed)
	upstreamLatency.WithLabelValues(t.URL.Host).Observe(elapsed.Seconds())
}

func (lb *LoadBalancer) choose() *Target {
	candidates := make([]*Target, 0, len(lb.targets))
	for _, t := range lb.targets {
		if t.available() {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return lb.pick(lb, candidates)
}

func (lb *LoadBalancer) inTurn(candidates []*Target) *Target {
	n := lb.turn.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// smoothWeighted spreads picks evenly in proportion to weight: weights 5,1,1
// give a a b a c a a rather than five a's in a row.
func (lb *LoadBalancer) smoothWeighted(candidates []*Target) *Target {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	total := 0
	var best *Target
	for _, t := range candidates {
		t.score += t.Weight
		total += t.Weight
		if best == nil || t.score > best.score {
			best = t
		}
	}
	best.score -= total
	return best
}

// fastest picks the lowest average latency. Unmeasured targets average zero,
// so each one gets tried before the averages decide.
func (lb *LoadBalancer) fastest(candidates []*Target) *Target {
	best := candidates[0]
	bestAvg := best.latency.Average()
	for _, t := range candidates[1:] {
		if avg := t.latency.Average(); avg < bestAvg {
			best, bestAvg = t, avg
		}
	}
	return best
}

func (lb *LoadBalancer) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var wg sync.WaitGroup
			for _, t := range lb.targets {
				t := t
				wg.Add(1)
				go func() {
					defer wg.Done()
					lb.setHealthy(t, lb.probe(ctx, t))
				}()
			}
			wg.Wait()
		}
	}
}

// probe reports whether t answers at all. Any status below 500 counts, since
// most LLM APIs have no /health route.
func (lb *LoadBalancer) probe(ctx context.Context, t *Target) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL.JoinPath("health").String(), nil)
	if err != nil {
		return false
	}
	resp, err := lb.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (lb *LoadBalancer) setHealthy(t *Target, ok bool) {
	if t.healthy.Swap(ok) != ok {
		log.Printf("[PROXY] target %s healthy=%v", t.URL.Host, ok)
	}
	v := 0.0
	if ok {
		v = 1
	}
	targetHealthy.WithLabelValues(t.URL.Host).Set(v)
}

// LatencyTracker keeps a moving average over the last N samples.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	sum     time.Duration
}

func NewLatencyTracker(size int) *LatencyTracker {
	if size < 1 {
		size = 1
	}
	return &LatencyTracker{samples: make([]time.Duration, size)}
}

func (lt *LatencyTracker) Add(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if lt.full {
		lt.sum -= lt.samples[lt.next]
	}
	lt.samples[lt.next] = d
	lt.sum += d
	lt.next = (lt.next + 1) % len(lt.samples)
	if lt.next == 0 {
		lt.full = true
	}
}

func (lt *LatencyTracker) Average() time.Duration {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	n := lt.next
	if lt.full {
		n = len(lt.samples)
	}
	if n == 0 {
		return 0
	}
	return lt.sum / time.Duration(n)
}
