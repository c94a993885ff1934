// Package observable provides explicit publish/subscribe wrappers around
// plain values. Every write bumps a version counter and subscribers receive
// the whole new value together with its version.
package observable

import (
	"sync"
)

// Subscriber receives the new value and its version.
type Subscriber[T any] func(value T, version uint64)

// Value is a concurrency-safe observable cell.
type Value[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	subs    []subscription[T]
	nextID  uint64
}

type subscription[T any] struct {
	id uint64
	fn Subscriber[T]
}

// NewValue creates a Value holding initial at version 0.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{value: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Snapshot returns the current value and its version atomically.
func (v *Value[T]) Snapshot() (T, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version
}

// Version returns the number of writes applied so far.
func (v *Value[T]) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Set stores value and notifies subscribers. It returns the new version.
func (v *Value[T]) Set(value T) uint64 {
	return v.Update(func(T) T { return value })
}

// Update applies fn to the current value under the write lock, then
// notifies subscribers outside of it.
func (v *Value[T]) Update(fn func(current T) T) uint64 {
	v.mu.Lock()
	v.value = fn(v.value)
	v.version++
	value, version := v.value, v.version
	subs := make([]subscription[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(value, version)
	}
	return version
}

// Subscribe registers fn and returns a function that removes it.
// Subscribers only see writes made after they subscribe.
func (v *Value[T]) Subscribe(fn Subscriber[T]) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs = append(v.subs, subscription[T]{id: id, fn: fn})
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, s := range v.subs {
				if s.id == id {
					v.subs = append(v.subs[:i], v.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (v *Value[T]) Subscribers() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.subs)
}
