package events

import "sync"

// History is a thread-safe circular buffer of emitted events.
type History struct {
	mu     sync.RWMutex
	events []ChangeEvent
	size   int
	head   int
	count  int
}

// NewHistory creates a history holding at most size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1000
	}
	return &History{
		events: make([]ChangeEvent, size),
		size:   size,
	}
}

// Add records an event, overwriting the oldest when full.
func (h *History) Add(evt ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.head] = evt
	h.head = (h.head + 1) % h.size
	if h.count < h.size {
		h.count++
	}
}

// Recent returns the most recent n events, newest first.
func (h *History) Recent(n int) []ChangeEvent {
	return h.recent(n, nil)
}

// RecentByCategory returns the most recent n events of a category.
func (h *History) RecentByCategory(category Category, n int) []ChangeEvent {
	return h.recent(n, func(e ChangeEvent) bool { return e.Category == category })
}

func (h *History) recent(n int, match func(ChangeEvent) bool) []ChangeEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || h.count == 0 {
		return nil
	}

	var result []ChangeEvent
	for i := 0; i < h.count && len(result) < n; i++ {
		idx := (h.head - 1 - i + h.size) % h.size
		if match == nil || match(h.events[idx]) {
			result = append(result, h.events[idx])
		}
	}
	return result
}

// Count returns the number of events held.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear removes all events.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = make([]ChangeEvent, h.size)
	h.head = 0
	h.count = 0
}
