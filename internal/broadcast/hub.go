// Package broadcast fans authoritative stats updates out to every live
// connection subscribed to the affected content ref.
package broadcast

import (
	"log"
	"sync"

	"pulse/api/internal/content"
)

type subscriber struct {
	id       string
	viewerID string
	send     chan Envelope
	refs     map[content.Ref]struct{}
}

// Hub is the broadcast registry: content ref to subscriber set, plus the
// reverse map used to tear a connection down. It owns the subscriber-set
// state but not the data being broadcast. Safe for concurrent use from many
// connection handlers; fan-out never blocks on a slow connection (the event
// is dropped instead, delivery is best-effort at-most-once).
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*subscriber
	byRef map[content.Ref]map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*subscriber),
		byRef: make(map[content.Ref]map[string]*subscriber),
	}
}

// Register adds a connection and returns the channel its write pump drains.
// The channel is closed by DropConnection.
func (h *Hub) Register(connID, viewerID string, buffer int) chan Envelope {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{
		id:       connID,
		viewerID: viewerID,
		send:     make(chan Envelope, buffer),
		refs:     make(map[content.Ref]struct{}),
	}
	h.mu.Lock()
	h.conns[connID] = sub
	h.mu.Unlock()
	return sub.send
}

// SetViewer records the viewer identity for a connection that authenticated
// after registering (via its first subscribe message).
func (h *Hub) SetViewer(connID, viewerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.conns[connID]; ok && sub.viewerID == "" {
		sub.viewerID = viewerID
	}
}

// Subscribe adds the connection to the ref's subscriber set. A connID with no
// live connection is a no-op, not an error.
func (h *Hub) Subscribe(connID string, ref content.Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	sub.refs[ref] = struct{}{}
	set := h.byRef[ref]
	if set == nil {
		set = make(map[string]*subscriber)
		h.byRef[ref] = set
	}
	set[connID] = sub
}

// Unsubscribe removes the connection from the ref's subscriber set. No-op
// when either side is unknown.
func (h *Hub) Unsubscribe(connID string, ref content.Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(sub.refs, ref)
	h.removeFromRef(connID, ref)
}

// DropConnection removes every subscription the connection holds and closes
// its send channel.
func (h *Hub) DropConnection(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	for ref := range sub.refs {
		h.removeFromRef(connID, ref)
	}
	delete(h.conns, connID)
	close(sub.send)
}

// TrySend enqueues env for one connection if it is still registered,
// dropping the message when the buffer is full. The send happens under the
// read lock; closing a send channel takes the write lock, so a concurrent
// drop can never close the channel mid-send.
func (h *Hub) TrySend(connID string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	select {
	case sub.send <- env:
	default:
	}
}

// DropAll closes every connection, used during shutdown.
func (h *Hub) DropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID, sub := range h.conns {
		for ref := range sub.refs {
			h.removeFromRef(connID, ref)
		}
		delete(h.conns, connID)
		close(sub.send)
	}
}

// Publish delivers the update to every connection subscribed to its ref.
// The copy sent to the actor's own connections carries the interaction state;
// all other recipients get stats only. Slow consumers are skipped.
func (h *Hub) Publish(update content.StatsUpdate) {
	base := UpdateEnvelope(update, false)
	actor := UpdateEnvelope(update, true)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.byRef[update.Ref] {
		env := base
		if update.ActorID != "" && sub.viewerID == update.ActorID {
			env = actor
		}
		select {
		case sub.send <- env:
		default:
			log.Printf("broadcast: dropping stats_update for %s on slow connection %s", update.Ref, sub.id)
		}
	}
}

// Subscribers reports how many connections are subscribed to ref.
func (h *Hub) Subscribers(ref content.Ref) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byRef[ref])
}

func (h *Hub) removeFromRef(connID string, ref content.Ref) {
	set := h.byRef[ref]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.byRef, ref)
	}
}
