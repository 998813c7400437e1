package viewer

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ngoyal88/llmtap/pkg/hub"
)

// State is the lifecycle stage of a viewer session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// SessionOptions tune the outbound side of a session.
type SessionOptions struct {
	// QueueSize bounds the frames waiting to be written. A session whose
	// queue fills up is disconnected by the hub.
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

func (o SessionOptions) withDefaults() SessionOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	return o
}

// Session is one live connection to a viewer. Only the writer goroutine
// touches the connection for writes, so frames go out in queue order.
type Session struct {
	id      string
	conn    Conn
	opts    SessionOptions
	send    chan hub.Frame
	done    chan struct{}
	state   atomic.Int32
	once    sync.Once
	onClose func(*Session)
}

// NewSession wraps conn. onClose runs once when the session closes.
func NewSession(id string, conn Conn, opts SessionOptions, onClose func(*Session)) *Session {
	opts = opts.withDefaults()
	return &Session{
		id:      id,
		conn:    conn,
		opts:    opts,
		send:    make(chan hub.Frame, opts.QueueSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue implements hub.Sink.
func (s *Session) Enqueue(f hub.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// Close moves the session to Closed, drops anything still queued and
// closes the connection. Safe to call from any goroutine, any number of times.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.writeLoop()
	go s.readLoop()
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				log.Printf("[VIEWER] session %s write failed: %v", s.id, err)
				s.Close()
				return
			}
			if f.Kind == hub.KindInitial {
				s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("[VIEWER] session %s ping failed: %v", s.id, err)
				s.Close()
				return
			}
		}
	}
}

// readLoop drains client frames; the dashboard only sends keepalives.
// A read error is how a client disconnect is noticed.
func (s *Session) readLoop() {
	readTimeout := 2 * s.opts.PingInterval
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[VIEWER] session %s closed by client", s.id)
			} else {
				select {
				case <-s.done:
				default:
					log.Printf("[VIEWER] session %s read error: %v", s.id, err)
				}
			}
			s.Close()
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}
