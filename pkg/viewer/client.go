package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ngoyal88/llmtap/pkg/hub"
)

// ErrConnectionFailed is returned once the client has used up its reconnect
// attempts. Only a new call to Run (a manual reconnect) starts over.
var ErrConnectionFailed = errors.New("connection failed")

// ClientState is the connection state shown to the person watching.
type ClientState int

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backoff is capped exponential backoff with a bounded number of attempts.
// A zero MaxAttempts retries forever; zero delays fall back to 1s and 30s.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// defaultMaxDelay caps the delay when Backoff.Max is unset.
const defaultMaxDelay = 30 * time.Second

// DefaultBackoff matches the dashboard page: 1s, 2s, 4s, 8s, 16s, then give up.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: defaultMaxDelay, MaxAttempts: 5}
}

// Next returns the delay before the next attempt, or false when the attempts
// are exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	initial, ceiling := b.Initial, b.Max
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling <= 0 {
		ceiling = defaultMaxDelay
	}
	delay := initial
	for i := 0; i < b.attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	b.attempt++
	return delay, true
}

// Attempt returns how many retries have been scheduled since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset is called after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }

// Message is one decoded frame from the live-update channel.
type Message struct {
	Type    hub.Kind          `json:"type"`
	Entries []json.RawMessage `json:"entries,omitempty"`
	Total   int               `json:"total,omitempty"`
	// FirstSeq numbers Entries: Entries[i] has seq FirstSeq+i.
	FirstSeq uint64          `json:"first_seq,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Entry    json.RawMessage `json:"entry,omitempty"`
}

// Client follows a dashboard's live-update channel and reconnects on drops.
type Client struct {
	URL     string
	Dialer  *websocket.Dialer
	Backoff Backoff

	// OnMessage receives every frame. After a reconnect the next frame is a
	// fresh initial snapshot of the whole history.
	OnMessage func(Message)
	OnState   func(ClientState)
}

// Run connects and delivers frames until ctx is done or reconnecting fails
// MaxAttempts times in a row, in which case it returns ErrConnectionFailed.
func (c *Client) Run(ctx context.Context) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := c.Backoff
	backoff.Reset()

	for {
		c.setState(ClientConnecting)
		conn, _, err := dialer.DialContext(ctx, c.URL, nil)
		if err == nil {
			backoff.Reset()
			c.setState(ClientConnected)
			err = c.consume(ctx, conn)
		}
		if ctx.Err() != nil {
			c.setState(ClientDisconnected)
			return nil
		}

		delay, ok := backoff.Next()
		if !ok {
			c.setState(ClientFailed)
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, backoff.Attempt(), err)
		}
		c.setState(ClientDisconnected)
		log.Printf("[VIEWER] connection lost (%v), retry %d in %s", err, backoff.Attempt(), delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[VIEWER] ignoring undecodable frame: %v", err)
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

func (c *Client) setState(s ClientState) {
	if c.OnState != nil {
		c.OnState(s)
	}
}
