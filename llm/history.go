package llm

import "sync"

// DefaultHistoryLimit bounds how many unfinished rounds a backend remembers
const DefaultHistoryLimit = 1024

// History keeps provider-native context for rounds that may be continued.
// Backends without server-side response storage use it to rebuild a
// continuation from a response id. Entries are consumed by Take; the oldest
// entry is evicted once the limit is reached (abandoned rounds).
type History[T any] struct {
	entries map[string]T
	order   []string
	limit   int
	mu      sync.Mutex
}

// NewHistory creates a history bounded to limit entries
func NewHistory[T any](limit int) *History[T] {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History[T]{
		entries: make(map[string]T),
		limit:   limit,
	}
}

// Put remembers the context for a response id
func (h *History[T]) Put(responseID string, v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.entries[responseID]; !exists {
		h.order = append(h.order, responseID)
	}
	h.entries[responseID] = v

	for len(h.order) > h.limit {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.entries, oldest)
	}
}

// Take returns and forgets the context for a response id
func (h *History[T]) Take(responseID string) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.entries[responseID]
	if !ok {
		return v, false
	}
	delete(h.entries, responseID)
	for i, id := range h.order {
		if id == responseID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return v, true
}

// Len returns the number of remembered rounds
func (h *History[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
