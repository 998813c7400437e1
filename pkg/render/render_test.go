package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestEntryPlain(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)

	data := []byte(`{"timestamp":"2024-05-01T12:00:00Z","request":{"model":"gpt-4o","messages":[]},"response":{"id":"x"},"meta":{"method":"POST","path":"/v1/chat/completions","status":200,"duration_ms":42,"cache_hit":true}}`)
	if err := p.Entry(7, data); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{
		"#7 2024-05-01T12:00:00Z",
		"gpt-4o",
		"POST /v1/chat/completions",
		"200",
		"42ms",
		"cached",
		"request:",
		`"messages": []`,
		`"id": "x"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains escape codes")
	}
}

func TestEntryWithoutMetaUsesRequestModel(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)
	if err := p.Entry(1, []byte(`{"timestamp":"t","request":{"model":"claude-3"},"response":null}`)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "claude-3") {
		t.Errorf("model missing from %q", buf.String())
	}
}

func TestEntryRejectsGarbage(t *testing.T) {
	p := New(&bytes.Buffer{}, false)
	if err := p.Entry(1, []byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestFooter(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Footer(1234, 2_500_000)
	if got := buf.String(); got != "1,234 calls, 2.5 MB on disk\n" {
		t.Errorf("footer %q", got)
	}
}
