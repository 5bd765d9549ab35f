package transport

import "sync"

// Handlers is an observer list of disconnect handlers. The zero value is
// ready to use.
type Handlers struct {
	mu   sync.Mutex
	next HandlerID
	fns  map[HandlerID]DisconnectHandler
}

// Add registers fn and returns its id.
func (h *Handlers) Add(fn DisconnectHandler) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[HandlerID]DisconnectHandler)
	}
	h.next++
	h.fns[h.next] = fn
	return h.next
}

// Remove unregisters the handler with the given id.
func (h *Handlers) Remove(id HandlerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fns, id)
}

// Len returns the number of registered handlers.
func (h *Handlers) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fns)
}

// Fire calls every registered handler. Handlers run outside the lock and
// may add or remove handlers.
func (h *Handlers) Fire() {
	h.mu.Lock()
	fns := make([]DisconnectHandler, 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
