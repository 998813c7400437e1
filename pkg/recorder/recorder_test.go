package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ngoyal88/llmtap/pkg/record"
)

func readUnits(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var units []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var unit map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &unit); err != nil {
			t.Fatalf("unit %d is not valid JSON: %v (%q)", len(units), err, scanner.Text())
		}
		units = append(units, unit)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan log: %v", err)
	}
	return units
}

func TestAppendWritesOneUnitPerRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "log.jsonl")

	rec, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	for i := 0; i < 3; i++ {
		err := rec.Append(&record.Record{
			Request:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Response: json.RawMessage(`{"ok":true}`),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	units := readUnits(t, path)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	for i, u := range units {
		req := u["request"].(map[string]any)
		if int(req["n"].(float64)) != i {
			t.Errorf("unit %d out of order: %v", i, u)
		}
	}
}

func TestAppendTimestampsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "log.jsonl")

	rec, err := Open(path, Options{NoSync: true, Now: func() time.Time { return frozen }})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	var prev time.Time
	for i := 0; i < 5; i++ {
		r := &record.Record{Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`)}
		if err := rec.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if !r.Timestamp.After(prev) {
			t.Fatalf("timestamp %v not after %v", r.Timestamp, prev)
		}
		prev = r.Timestamp
	}
}

func TestConcurrentAppendsNeverInterleave(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log.jsonl")

	// Two recorders on one file stand in for two cooperating processes.
	first, err := Open(path, Options{NoSync: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()
	second, err := Open(path, Options{NoSync: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer second.Close()

	// A large payload makes a torn write visible as invalid JSON.
	big := make([]byte, 32*1024)
	for i := range big {
		big[i] = 'x'
	}
	payload, _ := json.Marshal(map[string]string{"blob": string(big)})

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		target := first
		if w%2 == 1 {
			target = second
		}
		wg.Add(1)
		go func(r *Recorder) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := r.Append(&record.Record{Request: payload, Response: json.RawMessage(`{}`)}); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(target)
	}
	wg.Wait()

	if got := len(readUnits(t, path)); got != writers*perWriter {
		t.Fatalf("got %d units, want %d", got, writers*perWriter)
	}
}

func TestAppendEncodeFailureLeavesLogUntouched(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log.jsonl")

	rec, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	if err := rec.Append(&record.Record{Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before, _ := os.ReadFile(path)

	err = rec.Append(&record.Record{Request: json.RawMessage(`{"unterminated`), Response: json.RawMessage(`{}`)})
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected *WriteError, got %v", err)
	}
	if werr.Op != "encode" {
		t.Errorf("Op: got %q, want encode", werr.Op)
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("failed append modified the log")
	}
}

func TestShortWriteIsRolledBack(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fail func(f *os.File, b []byte) (int, error)
	}{
		{"error after partial write", func(f *os.File, b []byte) (int, error) {
			n, _ := f.Write(b[:len(b)/2])
			return n, errors.New("no space left on device")
		}},
		{"short count without error", func(f *os.File, b []byte) (int, error) {
			return f.Write(b[:len(b)-1])
		}},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "log.jsonl")
		rec, err := Open(path, Options{NoSync: true})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := rec.Append(&record.Record{Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("%s: Append: %v", tt.name, err)
		}
		before, _ := os.ReadFile(path)

		rec.writeFile = func(b []byte) (int, error) { return tt.fail(rec.file, b) }
		err = rec.Append(&record.Record{Request: json.RawMessage(`{"n":2}`), Response: json.RawMessage(`{}`)})
		var werr *WriteError
		if !errors.As(err, &werr) {
			t.Fatalf("%s: expected *WriteError, got %v", tt.name, err)
		}
		if werr.Op != "write" || !werr.Retryable() {
			t.Errorf("%s: got Op %q retryable %v, want retryable write", tt.name, werr.Op, werr.Retryable())
		}
		after, _ := os.ReadFile(path)
		if len(after) != len(before) {
			t.Errorf("%s: log grew from %d to %d bytes", tt.name, len(before), len(after))
		}

		// The retry lands as a whole unit right after the first one.
		rec.writeFile = rec.file.Write
		if err := rec.Append(&record.Record{Request: json.RawMessage(`{"n":2}`), Response: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("%s: retry: %v", tt.name, err)
		}
		if got := len(readUnits(t, path)); got != 2 {
			t.Errorf("%s: got %d units after retry, want 2", tt.name, got)
		}
		rec.Close()
	}
}

func TestAppendAfterClose(t *testing.T) {
	t.Parallel()
	rec, err := Open(filepath.Join(t.TempDir(), "log.jsonl"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = rec.Append(&record.Record{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	var werr *WriteError
	if errors.As(err, &werr) && werr.Retryable() {
		t.Error("append on a closed recorder should not be retryable")
	}
}
