package lifecycle

import (
	"context"
	"sync"

	"github.com/R3E-Network/insight_runtime/internal/engine/observable"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
)

// Observable is a Manager that publishes its state through observable
// values, so UI-facing consumers can watch readiness without polling.
type Observable struct {
	*Manager

	initialized *observable.Value[bool]
	status      *observable.Value[state.Status]

	mu       sync.Mutex
	watchers []func()
}

// NewObservable wraps a Manager built from opts. An OnTransition callback in
// opts still runs, after the observable values are updated.
func NewObservable(opts Options) *Observable {
	o := &Observable{
		initialized: observable.NewValue(false),
		status:      observable.NewValue(state.StatusUninitialized),
	}
	user := opts.OnTransition
	opts.OnTransition = func(from, to state.Status) {
		o.status.Set(to)
		if ready := to == state.StatusInitialized; ready != o.initialized.Get() {
			o.initialized.Set(ready)
		}
		if user != nil {
			user(from, to)
		}
	}

	onEnd := opts.Hooks.OnEnd
	opts.Hooks.OnEnd = func(ctx context.Context, cfg any) error {
		var err error
		if onEnd != nil {
			err = onEnd(ctx, cfg)
		}
		o.dropWatchers()
		return err
	}

	o.Manager = NewManager(opts)
	return o
}

// IsInitialized is true exactly while the component is Initialized.
func (o *Observable) IsInitialized() *observable.Value[bool] {
	return o.initialized
}

// StateValue publishes every lifecycle transition.
func (o *Observable) StateValue() *observable.Value[state.Status] {
	return o.status
}

// OnChange subscribes fn to value for the component's lifetime. The
// subscription is dropped when the component ends.
func OnChange[T any](o *Observable, value *observable.Value[T], fn observable.Subscriber[T]) func() {
	unsub := value.Subscribe(fn)
	o.mu.Lock()
	o.watchers = append(o.watchers, unsub)
	o.mu.Unlock()
	return unsub
}

func (o *Observable) dropWatchers() {
	o.mu.Lock()
	watchers := o.watchers
	o.watchers = nil
	o.mu.Unlock()
	for _, unsub := range watchers {
		unsub()
	}
}
