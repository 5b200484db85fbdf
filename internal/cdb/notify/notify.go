// Package notify fans out command and session lifecycle events to any
// number of subscribers without ever letting a slow subscriber stall the
// session consumer that produced the event.
package notify

import (
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// Event is the union of everything the Hub broadcasts. Exactly one field
// is non-nil.
type Event struct {
	CommandStateChanged *types.CommandStateChanged
	SessionStateChanged *types.SessionStateChanged
	CommandHeartbeat    *types.CommandHeartbeat
}

// Hub is a multi-producer, multi-consumer broadcast point. Zero value is
// not usable; construct with New.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// New returns a ready-to-use Hub.
func New() *Hub {
	return &Hub{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given channel buffer size
// and returns the channel plus an Unsubscribe func. The caller must call
// Unsubscribe when done to avoid leaking the channel.
func (h *Hub) Subscribe(bufSize int) (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, bufSize)
	h.subscribers[id] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

// broadcast delivers ev to every current subscriber, dropping it for any
// subscriber whose channel is full rather than blocking the publisher.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishCommandStateChanged broadcasts a command state transition.
func (h *Hub) PublishCommandStateChanged(sessionID types.SessionId, commandID types.CommandId, oldState, newState types.CommandState, at time.Time) {
	ev := types.CommandStateChanged{SessionId: sessionID, CommandId: commandID, Old: oldState, New: newState, Timestamp: at}
	h.broadcast(Event{CommandStateChanged: &ev})
}

// PublishSessionStateChanged broadcasts a session state transition.
func (h *Hub) PublishSessionStateChanged(sessionID types.SessionId, oldState, newState types.SessionState, at time.Time) {
	ev := types.SessionStateChanged{SessionId: sessionID, Old: oldState, New: newState, Timestamp: at}
	h.broadcast(Event{SessionStateChanged: &ev})
}

// PublishCommandHeartbeat broadcasts a liveness hint for a command still
// in Executing.
func (h *Hub) PublishCommandHeartbeat(sessionID types.SessionId, commandID types.CommandId, elapsed time.Duration, at time.Time) {
	ev := types.CommandHeartbeat{SessionId: sessionID, CommandId: commandID, Elapsed: elapsed, Timestamp: at}
	h.broadcast(Event{CommandHeartbeat: &ev})
}

// SubscriberCount reports the current number of live subscribers, for
// diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
