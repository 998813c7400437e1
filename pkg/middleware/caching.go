package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ngoyal88/llmtap/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// CachingMiddleware serves repeated identical POST requests from Redis.
func CachingMiddleware(rdb *cache.Client, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				respondError(w, "Failed to read body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			key := cacheKey(r.URL.Path, bodyBytes)

			// Don't wait forever on Redis.
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			val, err := rdb.Get(ctx, key)
			cancel()
			if err == nil {
				cacheHits.Inc()
				w.Header().Set("X-Cache", "HIT")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write(val)
				log.Printf("⚡ [CACHE] HIT for key %s", key[6:14])
				return
			}
			if !errors.Is(err, redis.Nil) {
				log.Printf("⚠️ [CACHE] Redis error: %v", err)
			}
			cacheMisses.Inc()
			w.Header().Set("X-Cache", "MISS")

			spy := newResponseWrapper(w, true)
			next.ServeHTTP(spy, r)

			if !cacheable(spy) {
				return
			}
			data := append([]byte(nil), spy.bytes()...)
			go func(k string, data []byte) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				if err := rdb.Set(ctx, k, data, ttl); err != nil {
					log.Printf("⚠️ [CACHE] Failed to save: %v", err)
				} else {
					log.Printf("💾 [CACHE] Saved key %s", k[6:14])
				}
			}(key, data)
		})
	}
}

func cacheKey(path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return "cache:" + hex.EncodeToString(h.Sum(nil))
}

// cacheable keeps only plain complete JSON answers: a hit is replayed with
// no Content-Encoding, and event streams must not be replayed at all.
func cacheable(spy *responseWrapper) bool {
	h := spy.Header()
	return spy.statusCode == http.StatusOK &&
		h.Get("Content-Encoding") == "" &&
		!strings.HasPrefix(h.Get("Content-Type"), "text/event-stream") &&
		len(spy.bytes()) > 0
}
