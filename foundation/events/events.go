// Package events provides the in-process fan-out channel that carries applied
// draw events from the applier to every connected stream subscriber.
package events

import (
	"fmt"
	"sync"
)

// subscriberBuffer is the number of messages a subscriber may fall behind
// before it is considered slow and disconnected. Websocket sends can stall
// for the full write deadline, so the buffer has to absorb a real burst.
const subscriberBuffer = 1024

// Hub maintains a mapping of unique id and channels so goroutines can
// register and receive the applier's broadcast messages.
type Hub struct {
	m  map[string]chan string
	mu sync.Mutex
}

// New constructs a Hub for registering and receiving events.
func New() *Hub {
	return &Hub{
		m: make(map[string]chan string),
	}
}

// Shutdown closes and removes all channels that were provided by
// the call to Acquire.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.m {
		delete(h.m, id)
		close(ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used
// to receive events. The channel is closed by the hub if the subscriber
// falls too far behind or the hub shuts down.
func (h *Hub) Acquire(id string) chan string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, exists := h.m[id]
	if exists {
		return ch
	}

	h.m[id] = make(chan string, subscriberBuffer)
	return h.m[id]
}

// Release closes and removes the channel that was provided by
// the call to Acquire.
func (h *Hub) Release(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, exists := h.m[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(h.m, id)
	close(ch)
	return nil
}

// Send delivers a message to every registered channel. Send never blocks:
// a subscriber whose buffer is full is dropped, which the receiver observes
// as a closed channel and treats as a normal disconnect.
func (h *Hub) Send(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.m {
		select {
		case ch <- s:
		default:
			delete(h.m, id)
			close(ch)
		}
	}
}
