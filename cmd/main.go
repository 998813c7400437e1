package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ngoyal88/llmtap/pkg/cache"
	"github.com/ngoyal88/llmtap/pkg/config"
	"github.com/ngoyal88/llmtap/pkg/middleware"
	"github.com/ngoyal88/llmtap/pkg/proxy"
	"github.com/ngoyal88/llmtap/pkg/recorder"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configFile := flag.String("config", "", "path to config file (default ./configs/config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[CONFIG] .env not loaded: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgStore.Get()

	// 2. Open the shared log
	rec, err := recorder.Open(cfg.Recorder.Path, recorder.Options{NoSync: !cfg.Recorder.Fsync})
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer rec.Close()
	fmt.Printf("✅ Recording exchanges to %s\n", rec.Path())

	// 3. Initialize Redis (if enabled)
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		defer rdb.Close()
		fmt.Println("✅ Connected to Redis successfully!")
	}

	// 4. Create Proxy or Load Balancer
	var handler http.Handler

	if cfg.LoadBalancer.Enabled {
		targets := make([]proxy.TargetConfig, 0, len(cfg.LoadBalancer.Targets))
		for _, t := range cfg.LoadBalancer.Targets {
			targets = append(targets, proxy.TargetConfig{URL: t.URL, Weight: t.Weight})
		}
		lb, err := proxy.NewLoadBalancer(ctx, targets, cfg.LoadBalancer.Strategy)
		if err != nil {
			log.Fatalf("Failed to create load balancer: %v", err)
		}
		handler = lb
		fmt.Printf("✅ Load balancer started with %d targets (strategy: %s)\n",
			len(targets), cfg.LoadBalancer.Strategy)
	} else {
		gw, err := proxy.New(cfg.Proxy.Target)
		if err != nil {
			log.Fatal("Failed to create proxy:", err)
		}
		handler = gw
		fmt.Printf("✅ Proxy started targeting: %s\n", cfg.Proxy.Target)
	}

	// 5. Chain Middleware (order matters!)
	// Start with the inner-most handler (The Proxy/Load Balancer)

	// Layer A: Rate Limiter (distributed if Redis is available)
	handler = middleware.NewRateLimiter(rdb, cfgStore)(handler)
	if cfg.RateLimit.Enabled {
		fmt.Printf("✅ Rate limiting: %.1f req/s (burst: %d)\n",
			cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	// Layer B: Caching (Only if Redis is connected)
	if cfg.Cache.Enabled && rdb != nil {
		handler = middleware.CachingMiddleware(rdb, cfg.Cache.TTL)(handler)
		fmt.Printf("✅ Response caching enabled (ttl: %s)\n", cfg.Cache.TTL)
	}

	// Layer C: Recording into the shared log, after cache and limiter so
	// replayed and rejected calls are captured too.
	handler = middleware.RecordingMiddleware(rec)(handler)

	// Layer D: Cost Tracking (uses live pricing from config store)
	handler = middleware.TokenCostLogger(cfgStore)(handler)

	// Layer E: Request Logger (Outer-most - console logging)
	handler = middleware.RequestLogger(handler)

	// 6. Setup HTTP Server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Start Server
	fmt.Println("\n🚀 llmtap proxy active:")
	fmt.Println("   - Metrics:         http://localhost" + cfg.Server.Port + "/metrics")
	fmt.Println("   - Health Check:    http://localhost" + cfg.Server.Port + "/health")
	fmt.Println("   - Main Endpoint:   http://localhost" + cfg.Server.Port)
	fmt.Println("\n📊 Rate limits and model pricing hot-reload from the config file")
	fmt.Printf("\n🎯 Server listening on %s\n", cfg.Server.Port)

	// In-flight exchanges finish and are recorded before the log is closed.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[PROXY] shutdown: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Server failed:", err)
	}
	<-drained
	log.Printf("[PROXY] stopped")
}
