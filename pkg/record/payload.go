package record

import (
	"bytes"
	"encoding/json"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

var (
	gzipMagic       = []byte{0x1f, 0x8b}
	replacementChar = []byte("\uFFFD")
)

// RequestPayload stores a JSON body as-is and anything else as a JSON string.
// json.Valid accepts invalid UTF-8 inside strings, so such bodies are stored
// as a string with the bad bytes replaced.
func RequestPayload(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage(`""`)
	}
	if utf8.Valid(trimmed) && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return quote(string(bytes.ToValidUTF8(body, replacementChar)))
}

// ResponsePayload decodes an upstream response body for the log.
// Gzip bodies are detected by their magic bytes rather than headers, since the
// proxy hands back the body exactly as the upstream sent it.
func ResponsePayload(body []byte) json.RawMessage {
	if bytes.HasPrefix(body, gzipMagic) {
		decoded, err := gunzip(body)
		if err != nil {
			return object(map[string]any{
				"error":     "Decoding error: " + err.Error(),
				"raw_bytes": len(body),
			})
		}
		body = decoded
	}

	if !utf8.Valid(body) {
		return object(map[string]any{
			"error":     "Binary response received",
			"raw_bytes": len(body),
		})
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return object(map[string]any{"raw_response": string(body)})
}

// ErrorPayload is the response stored when no upstream response exists.
func ErrorPayload(err error) json.RawMessage {
	return object(map[string]any{"error": err.Error()})
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func object(v map[string]any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
