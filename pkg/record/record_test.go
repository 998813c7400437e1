package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

func TestMarshalLineIsSingleUnit(t *testing.T) {
	t.Parallel()
	rec := &Record{
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 5, time.UTC),
		Request:   json.RawMessage("{\n  \"model\": \"claude\",\n  \"messages\": []\n}"),
		Response:  json.RawMessage(`{"text":"line one\nline two"}`),
	}

	line, err := rec.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Fatalf("unit must end with a newline: %q", line)
	}
	if n := bytes.Count(line, []byte("\n")); n != 1 {
		t.Fatalf("unit contains %d newlines, want 1: %q", n, line)
	}

	entry, err := NewParser(nil).Parse(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !entry.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", entry.Timestamp, rec.Timestamp)
	}
}

func TestMarshalLineRejectsInvalidPayload(t *testing.T) {
	t.Parallel()
	rec := &Record{Request: json.RawMessage(`{"broken"`), Response: json.RawMessage(`{}`)}
	if _, err := rec.MarshalLine(); err == nil {
		t.Fatal("expected error for invalid raw request")
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	parser := NewParser(func() time.Time { return fixed })

	tests := []struct {
		name    string
		unit    string
		wantErr error
		wantTS  time.Time
	}{
		{
			name:   "rfc3339",
			unit:   `{"timestamp":"2025-05-01T10:00:00.5Z","request":{},"response":{}}`,
			wantTS: time.Date(2025, 5, 1, 10, 0, 0, 500000000, time.UTC),
		},
		{
			name:   "python isoformat",
			unit:   `{"timestamp":"2025-05-01T10:00:00.123456","request":"","response":{}}`,
			wantTS: time.Date(2025, 5, 1, 10, 0, 0, 123456000, time.UTC),
		},
		{
			name:   "epoch seconds",
			unit:   `{"timestamp":1700000000,"request":{},"response":{}}`,
			wantTS: time.Unix(1700000000, 0).UTC(),
		},
		{
			name:   "epoch millis",
			unit:   `{"timestamp":1700000000123,"request":{},"response":{}}`,
			wantTS: time.UnixMilli(1700000000123).UTC(),
		},
		{
			name:   "missing timestamp is stamped",
			unit:   `{"request":"hi","response":{"ok":true}}`,
			wantTS: fixed,
		},
		{
			name:    "not json",
			unit:    `{"request":`,
			wantErr: nil, // any error
		},
		{
			name:    "array",
			unit:    `[1,2,3]`,
			wantErr: ErrNotObject,
		},
		{
			name:    "missing response",
			unit:    `{"request":{}}`,
			wantErr: ErrMissingField,
		},
	}

	for _, tt := range tests {
		entry, err := parser.Parse([]byte(tt.unit))
		if tt.wantTS.IsZero() {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
			} else if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("%s: got error %v, want %v", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if !entry.Timestamp.Equal(tt.wantTS) {
			t.Errorf("%s: timestamp got %v, want %v", tt.name, entry.Timestamp, tt.wantTS)
		}
	}
}

func TestParsePreservesUnknownFields(t *testing.T) {
	t.Parallel()
	entry, err := NewParser(nil).Parse([]byte(`{"request":{},"response":{},"provider":"openrouter"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(entry.Data, &got); err != nil {
		t.Fatalf("entry data is not JSON: %v", err)
	}
	if got["provider"] != "openrouter" {
		t.Errorf("unknown field dropped: %s", entry.Data)
	}
	if _, ok := got["timestamp"]; !ok {
		t.Errorf("timestamp not filled in: %s", entry.Data)
	}
}

func TestResponsePayload(t *testing.T) {
	t.Parallel()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(`{"id":"msg_1"}`))
	zw.Close()

	tests := []struct {
		name string
		body []byte
		want string
	}{
		{"json", []byte(`{"id":"msg_1"}`), `{"id":"msg_1"}`},
		{"gzip json", gz.Bytes(), `{"id":"msg_1"}`},
		{"text", []byte("event: ping"), `{"raw_response":"event: ping"}`},
		{"binary", []byte{0xff, 0xfe, 0x00}, `{"error":"Binary response received","raw_bytes":3}`},
	}
	for _, tt := range tests {
		got := ResponsePayload(tt.body)
		if !jsonEqual(t, got, []byte(tt.want)) {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRequestPayload(t *testing.T) {
	t.Parallel()
	if got := RequestPayload([]byte(` {"model":"x"} `)); string(got) != `{"model":"x"}` {
		t.Errorf("json body: got %s", got)
	}
	if got := RequestPayload([]byte("plain text")); string(got) != `"plain text"` {
		t.Errorf("text body: got %s", got)
	}
	if got := RequestPayload(nil); string(got) != `""` {
		t.Errorf("empty body: got %s", got)
	}
}

func TestRequestPayloadReplacesInvalidUTF8(t *testing.T) {
	t.Parallel()
	got := RequestPayload([]byte("{\"prompt\":\"caf\xe9\"}"))
	if !utf8.Valid(got) {
		t.Fatalf("payload is not valid UTF-8: %q", got)
	}
	var s string
	if err := json.Unmarshal(got, &s); err != nil {
		t.Fatalf("payload should be a JSON string: %v (%s)", err, got)
	}
	if s != "{\"prompt\":\"caf\uFFFD\"}" {
		t.Errorf("got %q", s)
	}
}

func TestMarshalLineReplacesInvalidUTF8(t *testing.T) {
	t.Parallel()
	rec := &Record{
		Request:  json.RawMessage("{\"prompt\":\"caf\xe9\"}"),
		Response: json.RawMessage(`{}`),
	}
	line, err := rec.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !utf8.Valid(line) {
		t.Fatalf("unit is not valid UTF-8: %q", line)
	}
	var got struct {
		Request struct {
			Prompt string `json:"prompt"`
		} `json:"request"`
	}
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("unit is not JSON: %v", err)
	}
	if got.Request.Prompt != "caf\uFFFD" {
		t.Errorf("prompt %q", got.Request.Prompt)
	}
}

func TestParseReplacesInvalidUTF8(t *testing.T) {
	t.Parallel()
	entry, err := NewParser(nil).Parse([]byte("{\"request\":\"caf\xe9\",\"response\":{}}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !utf8.Valid(entry.Data) {
		t.Fatalf("entry data is not valid UTF-8: %q", entry.Data)
	}
	var got struct {
		Request string `json:"request"`
	}
	if err := json.Unmarshal(entry.Data, &got); err != nil {
		t.Fatalf("entry data is not JSON: %v", err)
	}
	if got.Request != "caf\uFFFD" {
		t.Errorf("request %q", got.Request)
	}
}

func TestParseErrorUnwrap(t *testing.T) {
	t.Parallel()
	err := error(&ParseError{Offset: 42, Err: ErrNotObject})
	if !errors.Is(err, ErrNotObject) {
		t.Error("ParseError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "42") {
		t.Errorf("error should mention the offset: %v", err)
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("invalid json %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("invalid json %s: %v", b, err)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return bytes.Equal(ja, jb)
}
