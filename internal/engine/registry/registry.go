// Package registry provides the token-keyed container that holds every
// shared capability of the runtime (providers, services, the event bus).
// A token maps to at most one live registration; registering again replaces
// the previous value.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// Token identifies a registrable capability.
type Token string

// Well-known tokens.
const (
	DataProvider           Token = "IDataProvider"
	AuthProvider           Token = "IAuthProvider"
	LlmProvider            Token = "ILlmProvider"
	RemoteFunctionProvider Token = "IRemoteFunctionProvider"
	AppStateProvider       Token = "IAppStateProvider"
	StorageProvider        Token = "IStorageProvider"
	SupabaseClient         Token = "ISupabaseClient"
	ChangeEventBus         Token = "IChangeEventBus"
	ActionDispatcher       Token = "IActionDispatcher"
	SyncRegistry           Token = "ISyncRegistry"
	DataService            Token = "IDataService"
	EnvOverrides           Token = "IEnvOverrides"
)

// ErrNotRegistered is matched by every ResolutionError.
var ErrNotRegistered = errors.New("token not registered")

// ResolutionError reports a token that could not be resolved.
type ResolutionError struct {
	Token Token
	Err   error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrNotRegistered) {
		return fmt.Sprintf("resolve %s: %v", e.Token, e.Err)
	}
	return fmt.Sprintf("resolve %s: not registered", e.Token)
}

func (e *ResolutionError) Unwrap() error {
	if e.Err == nil {
		return ErrNotRegistered
	}
	return e.Err
}

// Factory lazily builds a value on first resolution.
type Factory func(r *Registry) (any, error)

type entry struct {
	value   any
	factory Factory
	built   bool

	// building is non-nil while the factory runs; waiters block on it.
	building chan struct{}
	err      error
}

// Registry is a concurrency-safe token container.
type Registry struct {
	mu      sync.RWMutex
	entries map[Token]*entry
	order   []Token
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Token]*entry)}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry used by the command wiring.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// RegisterValue maps token to value, replacing any existing registration.
func (r *Registry) RegisterValue(token Token, value any) {
	r.put(token, &entry{value: value, built: true})
}

// RegisterFactory maps token to a factory invoked on first resolution.
// The built value is cached until the token is re-registered or cleared.
func (r *Registry) RegisterFactory(token Token, factory Factory) {
	if factory == nil {
		panic(fmt.Sprintf("registry: nil factory for %s", token))
	}
	r.put(token, &entry{factory: factory})
}

func (r *Registry) put(token Token, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[token]; !exists {
		r.order = append(r.order, token)
	}
	r.entries[token] = e
}

// Resolve returns the registered value or a *ResolutionError.
func (r *Registry) Resolve(token Token) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[token]
	for ok && !e.built && e.building != nil {
		wait := e.building
		r.mu.Unlock()
		<-wait
		r.mu.Lock()
		if cur, still := r.entries[token]; cur != e {
			// Re-registered or removed while building; resolve the current entry.
			e, ok = cur, still
			continue
		}
		if !e.built {
			err := e.err
			r.mu.Unlock()
			return nil, &ResolutionError{Token: token, Err: err}
		}
	}
	if !ok {
		r.mu.Unlock()
		return nil, &ResolutionError{Token: token}
	}
	if e.built {
		v := e.value
		r.mu.Unlock()
		return v, nil
	}

	e.building = make(chan struct{})
	factory := e.factory
	r.mu.Unlock()

	value, err := factory(r)

	r.mu.Lock()
	if err != nil {
		e.err = err
	} else {
		e.value = value
		e.built = true
		e.err = nil
	}
	done := e.building
	// A failed entry may be retried by a later resolve.
	e.building = nil
	r.mu.Unlock()
	close(done)

	if err != nil {
		return nil, &ResolutionError{Token: token, Err: err}
	}
	return value, nil
}

// ResolveSafe returns the registered value and true, or nil and false.
// It never fails; a factory error is reported as not found.
func (r *Registry) ResolveSafe(token Token) (any, bool) {
	v, err := r.Resolve(token)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Cached returns the value held for token without running a factory. It
// reports false for unknown tokens and factories that have not built yet.
func (r *Registry) Cached(token Token) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[token]
	if !ok || !e.built {
		return nil, false
	}
	return e.value, true
}

// Has reports whether token is registered.
func (r *Registry) Has(token Token) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[token]
	return ok
}

// Unregister removes token. It is a no-op for unknown tokens.
func (r *Registry) Unregister(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[token]; !ok {
		return
	}
	delete(r.entries, token)
	for i, t := range r.order {
		if t == token {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Tokens returns registered tokens in first-registration order.
func (r *Registry) Tokens() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, len(r.order))
	copy(out, r.order)
	return out
}

// ClearInstances drops every registration.
func (r *Registry) ClearInstances() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Token]*entry)
	r.order = nil
}

// ResolveAs resolves token and asserts it to T.
func ResolveAs[T any](r *Registry, token Token) (T, error) {
	var zero T
	v, err := r.Resolve(token)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &ResolutionError{Token: token, Err: fmt.Errorf("registered value has unexpected type %T", v)}
	}
	return typed, nil
}

// ResolveSafeAs is the non-failing variant of ResolveAs.
func ResolveSafeAs[T any](r *Registry, token Token) (T, bool) {
	typed, err := ResolveAs[T](r, token)
	return typed, err == nil
}

// MustResolveAs panics when token cannot be resolved as T. Use it only in
// command wiring where a missing capability is a programming error.
func MustResolveAs[T any](r *Registry, token Token) T {
	typed, err := ResolveAs[T](r, token)
	if err != nil {
		panic(err)
	}
	return typed
}
