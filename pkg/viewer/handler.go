package viewer

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/ngoyal88/llmtap/pkg/hub"
	"github.com/oklog/ulid/v2"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard is meant for local use
	},
}

// Handler upgrades requests to websocket viewer sessions fed by a hub.
type Handler struct {
	hub  *hub.Hub
	opts SessionOptions
}

// NewHandler returns a handler that registers every session with h.
func NewHandler(h *hub.Hub, opts SessionOptions) *Handler {
	return &Handler{hub: h, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[VIEWER] upgrade failed: %v (remote=%s)", err, r.RemoteAddr)
		return
	}

	id := ulid.Make().String()
	sess := NewSession(id, conn, h.opts, func(s *Session) { h.hub.Disconnect(s) })

	// Register before starting the writer so the initial frame is first in the queue.
	if !h.hub.Connect(sess) {
		log.Printf("[VIEWER] session %s rejected (remote=%s)", id, r.RemoteAddr)
		sess.Close()
		return
	}
	log.Printf("[VIEWER] session %s opened (remote=%s)", id, r.RemoteAddr)

	// The connection is hijacked; the session goroutines own it from here.
	sess.Start()
}
