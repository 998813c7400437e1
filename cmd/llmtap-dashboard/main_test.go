package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"github.com/ngoyal88/llmtap/pkg/hub"
	"github.com/ngoyal88/llmtap/pkg/render"
	"github.com/ngoyal88/llmtap/pkg/viewer"
)

func unit(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"timestamp":"t%d","request":{"n":%d},"response":{}}`, n, n))
}

func TestTailPrinterSkipsSeenEntriesAfterReconnect(t *testing.T) {
	var buf bytes.Buffer
	p := &tailPrinter{out: render.New(&buf, false), lines: 1}

	p.handle(viewer.Message{Type: hub.KindInitial, FirstSeq: 1, Entries: []json.RawMessage{unit(1), unit(2), unit(3)}})
	p.handle(viewer.Message{Type: hub.KindUpdate, Seq: 4, Entry: unit(4)})
	// Reconnect: a fresh snapshot repeats everything.
	p.handle(viewer.Message{Type: hub.KindInitial, FirstSeq: 1, Entries: []json.RawMessage{unit(1), unit(2), unit(3), unit(4), unit(5)}})

	out := buf.String()
	for _, want := range []string{"#3 t3", "#4 t4", "#5 t5"} {
		if strings.Count(out, want) != 1 {
			t.Errorf("%q printed %d times:\n%s", want, strings.Count(out, want), out)
		}
	}
	for _, skipped := range []string{"#1 ", "#2 "} {
		if strings.Contains(out, skipped) {
			t.Errorf("%q printed despite --lines 1", skipped)
		}
	}
}

func TestWriteAdminKeyKeepsOtherEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := godotenv.Write(map[string]string{"OPENAI_API_KEY": "sk-1", "ADMIN_KEY": "old"}, path); err != nil {
		t.Fatal(err)
	}
	if err := writeAdminKey(path, "admin_new"); err != nil {
		t.Fatal(err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if env["ADMIN_KEY"] != "admin_new" || env["OPENAI_API_KEY"] != "sk-1" {
		t.Errorf("env %v", env)
	}
}

func TestWriteAdminKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := writeAdminKey(path, "admin_x"); err != nil {
		t.Fatal(err)
	}
	env, err := godotenv.Read(path)
	if err != nil || env["ADMIN_KEY"] != "admin_x" {
		t.Errorf("env %v err %v", env, err)
	}
}

func TestGenerateAdminKey(t *testing.T) {
	a, err := generateAdminKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateAdminKey()
	if !strings.HasPrefix(a, "admin_") || a == b {
		t.Errorf("keys %q %q", a, b)
	}
}
