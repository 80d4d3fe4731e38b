package ws

import (
	"sync"

	"github.com/jkaninda/kibanda/internal/protocol"
)

// ackWaiter manages pending acknowledgement channels keyed by envelope ID.
type ackWaiter struct {
	mu      sync.Mutex
	waiters map[string]chan protocol.AckPayload
}

func newAckWaiter() *ackWaiter {
	return &ackWaiter{
		waiters: make(map[string]chan protocol.AckPayload),
	}
}

// register creates an ack channel for the given envelope ID.
// Register before sending; a fast bridge can ack before Write returns.
func (w *ackWaiter) register(id string) chan protocol.AckPayload {
	ch := make(chan protocol.AckPayload, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	return ch
}

// resolve hands an ack to its waiter. Returns false for unknown IDs
// (late acks after a timeout).
func (w *ackWaiter) resolve(id string, ack protocol.AckPayload) bool {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()

	if ok {
		ch <- ack
	}
	return ok
}

// remove cleans up a waiter without sending a result (e.g. on timeout).
func (w *ackWaiter) remove(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// failAll resolves every waiter with err, used when the bridge disconnects.
func (w *ackWaiter) failAll(err string) {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = make(map[string]chan protocol.AckPayload)
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- protocol.AckPayload{Error: err}
	}
}
