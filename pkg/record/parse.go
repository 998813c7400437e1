package record

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/valyala/fastjson"
)

var (
	ErrNotObject    = errors.New("unit is not a JSON object")
	ErrMissingField = errors.New("unit lacks request or response")
)

// ParseError reports a unit that could not be turned into an entry.
type ParseError struct {
	Offset int64
	Unit   []byte
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed unit at offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser turns raw units into entries. A Parser is not safe for concurrent use.
type Parser struct {
	p     fastjson.Parser
	arena fastjson.Arena
	now   func() time.Time
}

// NewParser returns a parser that stamps units lacking a timestamp with now().
func NewParser(now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{now: now}
}

// Parse validates one unit (without its trailing newline) and returns the
// entry for it. Seq and Offset are left for the caller to assign.
// Invalid UTF-8 from other writers is replaced with U+FFFD, since entries are
// sent to viewers as websocket text frames.
func (ps *Parser) Parse(unit []byte) (Entry, error) {
	if !utf8.Valid(unit) {
		unit = bytes.ToValidUTF8(unit, replacementChar)
	}
	v, err := ps.p.ParseBytes(unit)
	if err != nil {
		return Entry{}, err
	}
	if v.Type() != fastjson.TypeObject {
		return Entry{}, ErrNotObject
	}
	if !v.Exists("request") || !v.Exists("response") {
		return Entry{}, ErrMissingField
	}

	ts, ok := timestampOf(v.Get("timestamp"))
	if !ok {
		ts = ps.now().UTC()
		if v.Get("timestamp") == nil {
			ps.arena.Reset()
			v.Set("timestamp", ps.arena.NewString(ts.Format(time.RFC3339Nano)))
		}
	}

	return Entry{
		Timestamp: ts,
		Data:      v.MarshalTo(nil),
	}, nil
}

// localISO is what Python's datetime.isoformat() produces for naive times.
const localISO = "2006-01-02T15:04:05.999999999"

func timestampOf(v *fastjson.Value) (time.Time, bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch v.Type() {
	case fastjson.TypeString:
		s := string(v.GetStringBytes())
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(localISO, s); err == nil {
			return t.UTC(), true
		}
	case fastjson.TypeNumber:
		f := v.GetFloat64()
		// Values past 1e12 cannot be plausible seconds; treat them as milliseconds.
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	}
	return time.Time{}, false
}
