package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/ngoyal88/llmtap/pkg/record"
)

// Kind identifies a frame on the live-update channel.
type Kind string

const (
	KindInitial Kind = "initial"
	KindUpdate  Kind = "update"
)

// Frame is one pre-encoded message for a session.
type Frame struct {
	Kind Kind
	Data []byte
}

// Sink is the distributor's view of a connected viewer session.
type Sink interface {
	ID() string
	// Enqueue queues f without blocking. It returns false when the sink
	// cannot accept more frames, which the hub treats as a disconnect.
	Enqueue(f Frame) bool
	// Close tears the sink down. It must be idempotent and may call
	// Hub.Disconnect.
	Close()
}

type initialMessage struct {
	Type    Kind              `json:"type"`
	Entries []json.RawMessage `json:"entries"`
	Total   int               `json:"total"`
	// FirstSeq is the seq of Entries[0]; later entries follow consecutively.
	FirstSeq uint64 `json:"first_seq,omitempty"`
}

type updateMessage struct {
	Type  Kind            `json:"type"`
	Seq   uint64          `json:"seq"`
	Entry json.RawMessage `json:"entry"`
}

// Hub owns the ordered history and the set of connected sessions.
// Registration, snapshot and broadcast run under one mutex, so every session
// sees its initial snapshot followed by exactly the entries published after it.
type Hub struct {
	mu         sync.Mutex
	history    []record.Entry
	sessions   map[string]Sink
	maxHistory int
}

// New returns a hub keeping at most maxHistory entries (0 keeps everything).
func New(maxHistory int) *Hub {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Hub{
		sessions:   make(map[string]Sink),
		maxHistory: maxHistory,
	}
}

// Publish appends e to the history and queues it for every connected session.
// Publish must be called in log order from a single goroutine.
func (h *Hub) Publish(e record.Entry) {
	data, err := json.Marshal(updateMessage{Type: KindUpdate, Seq: e.Seq, Entry: e.Data})
	if err != nil {
		log.Printf("[HUB] dropping entry %d: %v", e.Seq, err)
		return
	}
	frame := Frame{Kind: KindUpdate, Data: data}

	h.mu.Lock()
	h.appendLocked(e)
	var stalled []Sink
	for id, s := range h.sessions {
		if !s.Enqueue(frame) {
			delete(h.sessions, id)
			stalled = append(stalled, s)
		}
	}
	sessionsGauge.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	updatesBroadcast.Inc()
	h.drop(stalled)
}

// Connect registers s and queues the full history as its initial frame.
// It returns false if s would not accept the snapshot.
func (h *Hub) Connect(s Sink) bool {
	h.mu.Lock()
	snapshot := h.snapshotLocked()
	data, err := encodeInitial(snapshot)
	if err != nil {
		h.mu.Unlock()
		log.Printf("[HUB] encode snapshot for %s: %v", s.ID(), err)
		return false
	}
	if !s.Enqueue(Frame{Kind: KindInitial, Data: data}) {
		h.mu.Unlock()
		return false
	}
	h.sessions[s.ID()] = s
	sessionsGauge.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	log.Printf("[HUB] session %s connected (%d entries in snapshot)", s.ID(), len(snapshot))
	return true
}

// Disconnect deregisters s. It is safe to call more than once.
func (h *Hub) Disconnect(s Sink) {
	h.mu.Lock()
	cur, ok := h.sessions[s.ID()]
	if ok && cur == s {
		delete(h.sessions, s.ID())
	}
	sessionsGauge.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	if ok {
		log.Printf("[HUB] session %s disconnected", s.ID())
	}
}

// Snapshot returns the current history. The returned slice must not be modified.
func (h *Hub) Snapshot() []record.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Len returns the number of entries a new session would receive.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snapshotLocked())
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll disconnects every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]Sink, 0, len(h.sessions))
	for id, s := range h.sessions {
		all = append(all, s)
		delete(h.sessions, id)
	}
	sessionsGauge.Set(0)
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (h *Hub) appendLocked(e record.Entry) {
	h.history = append(h.history, e)
	// Compact only once the slice holds twice the limit, so trimming stays
	// amortized O(1). Older slices handed out by Snapshot are never written.
	if h.maxHistory > 0 && len(h.history) >= 2*h.maxHistory {
		kept := make([]record.Entry, h.maxHistory, 2*h.maxHistory)
		copy(kept, h.history[len(h.history)-h.maxHistory:])
		h.history = kept
	}
	historyGauge.Set(float64(len(h.snapshotLocked())))
}

func (h *Hub) snapshotLocked() []record.Entry {
	hist := h.history
	if h.maxHistory > 0 && len(hist) > h.maxHistory {
		hist = hist[len(hist)-h.maxHistory:]
	}
	// Cap the slice so a later append never writes into the caller's view.
	return hist[:len(hist):len(hist)]
}

func (h *Hub) drop(stalled []Sink) {
	for _, s := range stalled {
		sessionsDropped.Inc()
		log.Printf("[HUB] session %s fell behind, disconnecting", s.ID())
		s.Close()
	}
}

func encodeInitial(entries []record.Entry) ([]byte, error) {
	msg := initialMessage{
		Type:    KindInitial,
		Entries: make([]json.RawMessage, len(entries)),
		Total:   len(entries),
	}
	if len(entries) > 0 {
		msg.FirstSeq = entries[0].Seq
	}
	for i, e := range entries {
		msg.Entries[i] = e.Data
	}
	return json.Marshal(msg)
}
