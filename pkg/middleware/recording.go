package middleware

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ngoyal88/llmtap/pkg/proxy"
	"github.com/ngoyal88/llmtap/pkg/record"
	"github.com/ngoyal88/llmtap/pkg/recorder"
)

// Appender is the part of *recorder.Recorder the middleware needs.
type Appender interface {
	Append(rec *record.Record) error
}

// RecordingMiddleware appends every completed exchange to the shared log.
// The append happens after the response has been fully written, so a slow
// disk never delays the first byte to the client.
func RecordingMiddleware(rec Appender) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var bodyBytes []byte
			if r.Body != nil {
				var err error
				bodyBytes, err = io.ReadAll(r.Body)
				if err != nil {
					respondError(w, "Failed to read body", http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}

			spy := newResponseWrapper(w, true)
			next.ServeHTTP(spy, r)

			entry := &record.Record{
				Timestamp: start,
				Request:   record.RequestPayload(bodyBytes),
				Response:  record.ResponsePayload(spy.bytes()),
				Meta: &record.Meta{
					Method:     r.Method,
					Path:       r.URL.Path,
					Status:     spy.statusCode,
					DurationMs: time.Since(start).Milliseconds(),
					CacheHit:   spy.Header().Get("X-Cache") == "HIT",
					Upstream:   spy.Header().Get(proxy.UpstreamHeader),
				},
			}
			if model, ok := GetModelFromContext(r.Context()); ok {
				entry.Meta.Model = model
			}
			if tokens, ok := GetTokenCountFromContext(r.Context()); ok {
				entry.Meta.PromptTokens = tokens
			}
			if cost, ok := GetTokenCostFromContext(r.Context()); ok {
				entry.Meta.CostUSD = cost
			}

			appendRecord(rec, entry)
		})
	}
}

// appendRecord retries a retryable failure once; the client already has its
// response, so a lost record is only logged.
func appendRecord(rec Appender, entry *record.Record) {
	err := rec.Append(entry)
	var werr *recorder.WriteError
	if errors.As(err, &werr) && werr.Retryable() {
		log.Printf("[RECORDER] append failed, retrying: %v", err)
		err = rec.Append(entry)
	}
	if err != nil {
		exchangesRecorded.WithLabelValues("failed").Inc()
		log.Printf("[RECORDER] dropped exchange %s %s: %v", entry.Meta.Method, entry.Meta.Path, err)
		return
	}
	exchangesRecorded.WithLabelValues("ok").Inc()
}
