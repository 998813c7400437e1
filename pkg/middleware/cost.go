package middleware

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"

	"github.com/ngoyal88/llmtap/pkg/ai"
	"github.com/ngoyal88/llmtap/pkg/config"
)

// TokenCostLogger estimates prompt tokens and cost from the request body and
// stores them in the request context, where RecordingMiddleware picks them up.
func TokenCostLogger(cfgStore *config.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				respondError(w, "Failed to read body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			model, text, ok := ai.PromptText(bodyBytes)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), modelContextKey, model)
			count, err := ai.CountTokens(model, text)
			if err != nil {
				log.Printf("[COST] token count failed for %s: %v", model, err)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			ctx = context.WithValue(ctx, tokenCountContextKey, count)
			requestTokenHistogram.Observe(float64(count))

			if cfg := cfgStore.Get(); cfg != nil && len(cfg.Models) > 0 {
				cost := ai.EstimateCost(count, model, cfg.Models)
				ctx = context.WithValue(ctx, tokenCostContextKey, cost)
				log.Printf("💰 [COST] Model: %s | Tokens: %d | Est. Cost: $%.6f", model, count, cost)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
