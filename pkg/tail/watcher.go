package tail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ngoyal88/llmtap/pkg/record"
)

// ErrTruncated means the log shrank below the offset already consumed.
// The log is append-only, so this is treated as fatal for the watcher.
var ErrTruncated = errors.New("log file truncated")

// DefaultPollInterval backs up fsnotify on filesystems that drop events.
const DefaultPollInterval = time.Second

// Options tune a Watcher.
type Options struct {
	PollInterval time.Duration
	// OnError receives every *record.ParseError. Defaults to logging it.
	OnError func(error)
	// Now stamps units that lack a timestamp.
	Now func() time.Time
}

// Watcher follows a growing log and emits each complete unit exactly once,
// in append order. knownSize is the only state it keeps about the file.
type Watcher struct {
	path string
	emit func(record.Entry)
	opts Options

	mu        sync.Mutex
	knownSize int64
	seq       uint64
	parser    *record.Parser
}

// New returns a watcher for path. emit is called synchronously from Scan,
// one entry at a time.
func New(path string, emit func(record.Entry), opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.OnError == nil {
		opts.OnError = func(err error) { log.Printf("[TAIL] %v", err) }
	}
	return &Watcher{
		path:   filepath.Clean(path),
		emit:   emit,
		opts:   opts,
		parser: record.NewParser(opts.Now),
	}
}

// KnownSize returns the offset up to which the log has been consumed.
func (w *Watcher) KnownSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.knownSize
}

// Scan reads everything between knownSize and the end of the file, emits
// each complete unit and returns how many entries were emitted. A trailing
// unit without its newline is left for a later scan.
func (w *Watcher) Scan() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()
	if size < w.knownSize {
		return 0, fmt.Errorf("%w: size %d below consumed offset %d", ErrTruncated, size, w.knownSize)
	}
	if size == w.knownSize {
		return 0, nil
	}

	reader := bufio.NewReaderSize(io.NewSectionReader(f, w.knownSize, size-w.knownSize), 64*1024)
	emitted := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Bytes without a terminating newline belong to a write in progress.
			break
		}
		if err != nil {
			return emitted, fmt.Errorf("read log: %w", err)
		}

		offset := w.knownSize
		w.knownSize += int64(len(line))
		knownSizeGauge.Set(float64(w.knownSize))

		unit := bytes.TrimSpace(line)
		if len(unit) == 0 {
			continue
		}

		entry, perr := w.parser.Parse(unit)
		if perr != nil {
			parseErrors.Inc()
			w.opts.OnError(&record.ParseError{Offset: offset, Unit: preview(unit), Err: perr})
			continue
		}

		w.seq++
		entry.Seq = w.seq
		entry.Offset = offset
		unitsEmitted.Inc()
		w.emit(entry)
		emitted++
	}
	return emitted, nil
}

// Run scans once, then again on every change notification for the file and
// on every poll tick, until ctx is done or the log is found truncated.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory so the log may be created after we start.
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	if err := w.scanAndReport(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.scanAndReport(); err != nil {
				return err
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[TAIL] watcher error: %v", err)
		case <-ticker.C:
			if err := w.scanAndReport(); err != nil {
				return err
			}
		}
	}
}

// scanAndReport runs a scan and only returns errors that must stop the watcher.
func (w *Watcher) scanAndReport() error {
	_, err := w.Scan()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTruncated) {
		return err
	}
	log.Printf("[TAIL] scan failed: %v", err)
	return nil
}

func preview(unit []byte) []byte {
	const limit = 256
	if len(unit) > limit {
		unit = unit[:limit]
	}
	return append([]byte(nil), unit...)
}
