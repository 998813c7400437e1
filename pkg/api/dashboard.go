package api

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ngoyal88/llmtap/pkg/record"
	"github.com/valyala/fastjson"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Source is what the API reads: the distributor's history and session count.
type Source interface {
	Snapshot() []record.Entry
	Sessions() int
}

// DashboardAPI serves read-only JSON views of the recorded exchanges.
type DashboardAPI struct {
	source   Source
	logSize  func() int64
	adminKey string // empty disables the check
	started  time.Time
}

// NewDashboardAPI creates the API. logSize reports how much of the log has
// been consumed; it may be nil.
func NewDashboardAPI(source Source, logSize func() int64, adminKey string) *DashboardAPI {
	return &DashboardAPI{
		source:   source,
		logSize:  logSize,
		adminKey: adminKey,
		started:  time.Now(),
	}
}

// RegisterRoutes registers the API endpoints on mux.
func (api *DashboardAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/entries", api.authenticate(api.handleEntries))
	mux.HandleFunc("/api/stats", api.authenticate(api.handleStats))
	mux.HandleFunc("/health", api.handleHealth)
}

// authenticate checks X-Admin-Key when an admin key is configured.
func (api *DashboardAPI) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.adminKey != "" {
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(api.adminKey)) != 1 {
				respondJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "Invalid admin key",
				})
				return
			}
		}
		next(w, r)
	}
}

type entryView struct {
	Seq    uint64          `json:"seq"`
	Offset int64           `json:"offset"`
	Record json.RawMessage `json:"record"`
}

// handleEntries pages through the history in log order.
func (api *DashboardAPI) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
		return
	}

	snapshot := api.source.Snapshot()
	page := []entryView{}
	for i := offset; i < len(snapshot) && len(page) < limit; i++ {
		e := snapshot[i]
		page = append(page, entryView{Seq: e.Seq, Offset: e.Offset, Record: e.Data})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": page,
		"total":   len(snapshot),
		"offset":  offset,
		"limit":   limit,
	})
}

type modelStats struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	PromptTokens int     `json:"prompt_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type stats struct {
	Entries       int          `json:"entries"`
	Sessions      int          `json:"sessions"`
	LogBytes      int64        `json:"log_bytes"`
	Errors        int          `json:"errors"`
	CacheHits     int          `json:"cache_hits"`
	PromptTokens  int          `json:"prompt_tokens"`
	CostUSD       float64      `json:"cost_usd"`
	Models        []modelStats `json:"models"`
	FirstRecord   *time.Time   `json:"first_record,omitempty"`
	LastRecord    *time.Time   `json:"last_record,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

// handleStats aggregates the history with one linear scan.
func (api *DashboardAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := api.source.Snapshot()
	s := summarize(snapshot)
	s.Sessions = api.source.Sessions()
	s.UptimeSeconds = int64(time.Since(api.started).Seconds())
	if api.logSize != nil {
		s.LogBytes = api.logSize()
	}
	respondJSON(w, http.StatusOK, s)
}

func summarize(entries []record.Entry) stats {
	s := stats{Entries: len(entries), Models: []modelStats{}}
	byModel := make(map[string]*modelStats)

	var p fastjson.Parser
	for _, e := range entries {
		v, err := p.ParseBytes(e.Data)
		if err != nil {
			log.Printf("[API] skipping entry %d: %v", e.Seq, err)
			continue
		}

		model := string(v.GetStringBytes("meta", "model"))
		if model == "" {
			model = string(v.GetStringBytes("request", "model"))
		}
		if model == "" {
			model = "unknown"
		}
		tokens := v.GetInt("meta", "prompt_tokens")
		cost := v.GetFloat64("meta", "cost_usd")

		m := byModel[model]
		if m == nil {
			m = &modelStats{Model: model}
			byModel[model] = m
		}
		m.Calls++
		m.PromptTokens += tokens
		m.CostUSD += cost

		s.PromptTokens += tokens
		s.CostUSD += cost
		if v.GetInt("meta", "status") >= 400 || v.Exists("response", "error") {
			s.Errors++
		}
		if v.GetBool("meta", "cache_hit") {
			s.CacheHits++
		}
	}

	for _, m := range byModel {
		s.Models = append(s.Models, *m)
	}
	sort.Slice(s.Models, func(i, j int) bool {
		if s.Models[i].Calls != s.Models[j].Calls {
			return s.Models[i].Calls > s.Models[j].Calls
		}
		return s.Models[i].Model < s.Models[j].Model
	})

	if len(entries) > 0 {
		first, last := entries[0].Timestamp, entries[len(entries)-1].Timestamp
		s.FirstRecord, s.LastRecord = &first, &last
	}
	return s
}

// handleHealth returns system health
func (api *DashboardAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"entries":   len(api.source.Snapshot()),
		"sessions":  api.source.Sessions(),
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
