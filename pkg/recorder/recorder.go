package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ngoyal88/llmtap/pkg/record"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("recorder closed")

// WriteError reports a failed append. The log is left exactly as it was
// before the call, so the append may be retried.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("recorder %s: %v", e.Op, e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same append can succeed.
func (e *WriteError) Retryable() bool { return !errors.Is(e.Err, ErrClosed) }

// Options tune a Recorder.
type Options struct {
	// NoSync skips fsync after each append. Appends are then only as durable
	// as the page cache.
	NoSync bool
	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Recorder appends records to the shared log, one line per record.
// It is safe for concurrent use, and cooperating processes appending to the
// same file serialize on an exclusive flock.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	opts   Options
	last   time.Time
	closed bool

	// writeFile issues the single write of a unit. Tests replace it to
	// simulate short writes.
	writeFile func([]byte) (int, error)
}

// Open opens (or creates) the log at path for appending.
func Open(path string, opts Options) (*Recorder, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &Recorder{file: f, path: path, opts: opts, writeFile: f.Write}, nil
}

// Path returns the log file path.
func (r *Recorder) Path() string { return r.path }

// Append writes rec as one unit. When it returns nil the unit is on disk.
// A zero timestamp, or one not after the previous append, is replaced so
// timestamps from this writer strictly increase.
func (r *Recorder) Append(rec *record.Record) error {
	start := time.Now()
	err := r.append(rec)
	appendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		appendErrors.Inc()
		return err
	}
	recordsAppended.Inc()
	return nil
}

func (r *Recorder) append(rec *record.Record) error {
	if rec == nil {
		return &WriteError{Op: "encode", Err: errors.New("nil record")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return &WriteError{Op: "append", Err: ErrClosed}
	}

	stamped := *rec
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = r.opts.Now()
	}
	if !stamped.Timestamp.After(r.last) {
		stamped.Timestamp = r.last.Add(time.Nanosecond)
	}

	line, err := stamped.MarshalLine()
	if err != nil {
		return &WriteError{Op: "encode", Err: err}
	}

	if err := r.write(line); err != nil {
		return err
	}
	r.last = stamped.Timestamp
	rec.Timestamp = stamped.Timestamp
	return nil
}

// write issues the unit as a single write under an exclusive flock and
// rolls the file back if the write came up short.
func (r *Recorder) write(line []byte) error {
	fd := int(r.file.Fd())
	if err := flock(fd, unix.LOCK_EX); err != nil {
		return &WriteError{Op: "lock", Err: err}
	}
	defer flock(fd, unix.LOCK_UN)

	info, err := r.file.Stat()
	if err != nil {
		return &WriteError{Op: "stat", Err: err}
	}
	before := info.Size()

	n, err := r.writeFile(line)
	if err == nil && n != len(line) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(line))
	}
	if err != nil {
		if n > 0 {
			if terr := r.file.Truncate(before); terr != nil {
				return &WriteError{Op: "write", Err: errors.Join(err, fmt.Errorf("rollback: %w", terr))}
			}
		}
		return &WriteError{Op: "write", Err: err}
	}

	if !r.opts.NoSync {
		if err := r.file.Sync(); err != nil {
			return &WriteError{Op: "sync", Err: err}
		}
	}
	return nil
}

// Close releases the file. Further appends fail with ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

func flock(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if err != unix.EINTR {
			return err
		}
	}
}
