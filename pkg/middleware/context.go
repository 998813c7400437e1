package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

type contextKey string

const (
	tokenCountContextKey contextKey = "token_count"
	tokenCostContextKey  contextKey = "token_cost"
	modelContextKey      contextKey = "model"
)

// GetTokenCountFromContext returns the prompt token estimate set by TokenCostLogger.
func GetTokenCountFromContext(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(tokenCountContextKey).(int)
	return v, ok
}

// GetTokenCostFromContext returns the estimated prompt cost in USD.
func GetTokenCostFromContext(ctx context.Context) (float64, bool) {
	v, ok := ctx.Value(tokenCostContextKey).(float64)
	return v, ok
}

// GetModelFromContext returns the model named in the request body.
func GetModelFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(modelContextKey).(string)
	return v, ok && v != ""
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// responseWrapper "wraps" the standard ResponseWriter.
// It writes data to the client and, when body is set, keeps a copy.
type responseWrapper struct {
	http.ResponseWriter
	body        *bytes.Buffer
	statusCode  int
	wroteHeader bool
}

func newResponseWrapper(w http.ResponseWriter, capture bool) *responseWrapper {
	rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
	if capture {
		rw.body = &bytes.Buffer{}
	}
	return rw
}

// WriteHeader captures the status code (e.g., 200 or 404)
func (rw *responseWrapper) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the actual data (JSON body)
func (rw *responseWrapper) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	if rw.body != nil {
		rw.body.Write(b)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush passes through so streamed completions are not held back.
func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWrapper) bytes() []byte {
	if rw.body == nil {
		return nil
	}
	return rw.body.Bytes()
}
