package proxy

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// UpstreamHeader names the upstream host that served a call. The recording
// middleware copies it into the record's meta.
const UpstreamHeader = "X-Llmtap-Upstream"

// Gateway forwards every request to a single upstream API.
type Gateway struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

func New(targetURL string) (*Gateway, error) {
	parsedURL, err := parseTarget(targetURL)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		target: parsedURL,
		proxy:  newReverseProxy(parsedURL),
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(UpstreamHeader, g.target.Host)
	start := time.Now()
	g.proxy.ServeHTTP(w, r)
	upstreamLatency.WithLabelValues(g.target.Host).Observe(time.Since(start).Seconds())
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: raw, Err: errMissingHost}
	}
	return u, nil
}

// newReverseProxy builds the proxy used for one upstream. The upstream sees
// its own Host header, and a path prefix on the target is kept.
func newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(target)

	p.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
		req.Host = target.Host
		req.Header.Set("X-Llmtap", "1")
	}

	// Upstream failures become a JSON body so the recorded exchange says what went wrong.
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[PROXY] upstream error for %s %s: %v", r.Method, r.URL.Path, err)
		upstreamErrors.WithLabelValues(target.Host).Inc()
		respondUpstreamError(w, http.StatusBadGateway, err.Error())
	}
	return p
}

func respondUpstreamError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
