package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Record is one completed request/response exchange as persisted in the log.
// Its position in the log is its identity; it carries no id of its own.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	Meta      *Meta           `json:"meta,omitempty"`
}

// Meta captures exchange details the proxy knows at logging time.
// Readers treat it as an optional extra field.
type Meta struct {
	Method       string  `json:"method,omitempty"`
	Path         string  `json:"path,omitempty"`
	Status       int     `json:"status,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	Model        string  `json:"model,omitempty"`
	PromptTokens int     `json:"prompt_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	CacheHit     bool    `json:"cache_hit,omitempty"`
	Upstream     string  `json:"upstream,omitempty"`
}

// MarshalLine encodes the record as a single newline-terminated unit.
// json.Marshal compacts raw payloads, so the unit never contains a bare newline.
// Raw payloads are copied without UTF-8 checks, so invalid bytes are replaced
// here; the log must stay valid UTF-8 text.
func (r *Record) MarshalLine() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil record")
	}
	out := *r
	if len(out.Request) == 0 {
		out.Request = json.RawMessage("null")
	}
	if len(out.Response) == 0 {
		out.Response = json.RawMessage("null")
	}
	out.Timestamp = out.Timestamp.UTC()

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, replacementChar)
	}
	return append(data, '\n'), nil
}

// Entry is a record that has been read back from the log and ranked.
type Entry struct {
	// Seq is the 1-based position of the unit among all valid units.
	Seq uint64
	// Offset is the byte offset at which the unit starts.
	Offset    int64
	Timestamp time.Time
	// Data is the unit as normalized JSON. Unknown fields are preserved.
	Data json.RawMessage
}
