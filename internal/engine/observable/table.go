package observable

import (
	"sort"
	"sync"
)

// Table is a process-scoped set of named observable entries (session,
// user profile and similar cross-cutting state). It is owned by the
// composition root and reset when the root ends.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Value[any]
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Value[any])}
}

// Entry returns the named entry, creating it with a nil value if needed.
func (t *Table) Entry(name string) *Value[any] {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		e = NewValue[any](nil)
		t.entries[name] = e
	}
	return e
}

// Get returns the current value of the named entry.
func (t *Table) Get(name string) any {
	return t.Entry(name).Get()
}

// Set writes the named entry.
func (t *Table) Set(name string, value any) uint64 {
	return t.Entry(name).Set(value)
}

// Subscribe watches the named entry.
func (t *Table) Subscribe(name string, fn Subscriber[any]) func() {
	return t.Entry(name).Subscribe(fn)
}

// Names lists entry names in sorted order.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset clears every entry to nil, notifying subscribers, and forgets the
// entries so later lookups start from a fresh version.
func (t *Table) Reset() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*Value[any])
	t.mu.Unlock()

	for _, e := range entries {
		e.Set(nil)
	}
}

// Lookup reads a typed value from the table.
func Lookup[T any](t *Table, name string) (T, bool) {
	typed, ok := t.Get(name).(T)
	return typed, ok
}
