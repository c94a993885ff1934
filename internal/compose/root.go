// Package compose is the composition root: it binds consumers to
// lifecycle components resolved from the registry and owns the
// process-scoped state table.
package compose

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/observable"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// Well-known state table entries.
const (
	StateSession     = "session"
	StateUserProfile = "user_profile"
)

// Constructor builds the component registered under a token.
type Constructor func(reg *registry.Registry) (lifecycle.Component, error)

// Options configures a Root.
type Options struct {
	// Registry defaults to a new, empty registry.
	Registry *registry.Registry
	Logger   *logger.Logger
}

// holder is implemented by lifecycle.Manager and everything embedding it.
type holder interface {
	Acquire() int
	EndWhenReleased(ctx context.Context, cfg any) (bool, error)
}

// readiness is implemented by lifecycle.Observable.
type readiness interface {
	IsInitialized() *observable.Value[bool]
}

// Root binds consumers to components.
type Root struct {
	reg   *registry.Registry
	log   *logger.Logger
	state *observable.Table

	mu       sync.Mutex
	bound    []Bound
	provided map[registry.Token]Constructor
}

// Bound is a component that has been bound at least once.
type Bound struct {
	Token     registry.Token
	Component lifecycle.Component
}

// New creates a composition root.
func New(opts Options) *Root {
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Root{
		reg:   reg,
		log:   logger.OrDefault(opts.Logger, "compose"),
		state:    observable.NewTable(),
		provided: make(map[registry.Token]Constructor),
	}
}

// Registry returns the registry components are resolved from.
func (r *Root) Registry() *registry.Registry { return r.reg }

// State returns the process-scoped state table. It is reset by End.
func (r *Root) State() *observable.Table { return r.state }

// Provide registers ctor as the lazy factory for token. The component is
// built on first Bind and shared by every later one. Once the shared
// instance has ended, the next Bind builds a fresh one.
func (r *Root) Provide(token registry.Token, ctor Constructor) {
	r.mu.Lock()
	r.provided[token] = ctor
	r.mu.Unlock()
	r.register(token, ctor)
}

func (r *Root) register(token registry.Token, ctor Constructor) {
	r.reg.RegisterFactory(token, func(reg *registry.Registry) (any, error) {
		return ctor(reg)
	})
}

// Binding is a consumer's view of a bound component.
type Binding struct {
	Token         registry.Token
	Component     lifecycle.Component
	IsInitialized *observable.Value[bool]
	// Err is a *registry.ResolutionError, a *lifecycle.InitializationError
	// or a *config.MissingEnvError wrapped in one of them.
	Err error

	root     *Root
	held     bool
	released sync.Once
}

// Bind resolves or constructs the component under token, holds it for the
// caller and initializes it. Failures are reported in Binding.Err; Bind
// never panics.
func (r *Root) Bind(ctx context.Context, token registry.Token, cfg any) (b *Binding) {
	b = &Binding{Token: token, root: r}
	defer func() {
		if rec := recover(); rec != nil {
			b.Err = &lifecycle.InitializationError{Component: string(token), Err: fmt.Errorf("panic: %v", rec)}
		}
		if b.IsInitialized == nil {
			b.IsInitialized = observable.NewValue(false)
		}
		if b.Err != nil {
			r.log.WithField("token", token).WithError(b.Err).Warn("bind failed")
		}
	}()

	component, err := registry.ResolveAs[lifecycle.Component](r.reg, token)
	if err != nil {
		b.Err = err
		return b
	}
	b.Component = component
	if ready, ok := component.(readiness); ok {
		b.IsInitialized = ready.IsInitialized()
	}
	if h, ok := component.(holder); ok {
		h.Acquire()
		b.held = true
	}
	r.track(token, component)

	ok, err := component.Initialize(ctx, cfg)
	if err != nil {
		var initErr *lifecycle.InitializationError
		if !errors.As(err, &initErr) {
			err = &lifecycle.InitializationError{Component: component.Name(), Err: err}
		}
		b.Err = err
	}
	if _, observed := component.(readiness); !observed {
		b.IsInitialized = observable.NewValue(ok && err == nil)
	}
	return b
}

func (r *Root) track(token registry.Token, c lifecycle.Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bound {
		if b.Component == c {
			return
		}
	}
	r.bound = append(r.bound, Bound{Token: token, Component: c})
}

// Release drops the binding's hold. The component is ended once no
// binding holds it. Calling Release again is a no-op.
func (b *Binding) Release(ctx context.Context) error {
	var err error
	b.released.Do(func() {
		if b.Component == nil {
			return
		}
		ended := true
		if h, ok := b.Component.(holder); ok && b.held {
			ended, err = h.EndWhenReleased(ctx, nil)
		} else {
			_, err = b.Component.End(ctx, nil)
		}
		if ended && b.root != nil {
			b.root.forget(b.Token, b.Component)
		}
	})
	return err
}

// forget drops an ended component and restores its constructor so the
// next Bind builds a new instance.
func (r *Root) forget(token registry.Token, c lifecycle.Component) {
	r.mu.Lock()
	for i, b := range r.bound {
		if b.Component == c {
			r.bound = append(r.bound[:i:i], r.bound[i+1:]...)
			break
		}
	}
	ctor := r.provided[token]
	r.mu.Unlock()

	if ctor == nil {
		return
	}
	if cur, ok := r.reg.Cached(token); !ok || cur != c {
		return
	}
	r.register(token, ctor)
}

// Components lists bound components in bind order.
func (r *Root) Components() []Bound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Bound(nil), r.bound...)
}

// End ends every bound component in reverse bind order, regardless of
// outstanding holds, and resets the state table.
func (r *Root) End(ctx context.Context) error {
	r.mu.Lock()
	bound := r.bound
	r.bound = nil
	r.mu.Unlock()

	var errs []error
	for i := len(bound) - 1; i >= 0; i-- {
		c := bound[i].Component
		if _, err := c.End(ctx, nil); err != nil {
			r.log.WithField("component", c.Name()).WithError(err).Warn("end failed")
			errs = append(errs, err)
		}
		r.forget(bound[i].Token, c)
	}
	r.state.Reset()
	return errors.Join(errs...)
}
