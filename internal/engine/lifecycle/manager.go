// Package lifecycle implements the initialize/end protocol shared by every
// long-lived runtime component. The Manager owns state-machine policy only:
// concrete components inject their setup and teardown through Hooks.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// Component is the contract every provider, service and view-model
// exposes to participate in the composition root.
type Component interface {
	Name() string
	Initialize(ctx context.Context, cfg any) (bool, error)
	End(ctx context.Context, cfg any) (bool, error)
	State() state.Status
}

// Hook is a single injected lifecycle step.
type Hook func(ctx context.Context, cfg any) error

// Hooks are the steps a concrete component contributes. All are optional.
type Hooks struct {
	// PreInitialize runs before dependencies are initialized.
	PreInitialize Hook
	// OnInitialize performs the component's setup.
	OnInitialize Hook
	// PostInitialize runs once the component is Initialized, before any
	// coalesced caller is released. A failure is logged and does not undo
	// initialization.
	PostInitialize Hook
	// OnEnd releases the component's resources. It only runs for
	// components that reached Initialized.
	OnEnd Hook
}

// InitializationError reports a failed initialize. The component is left
// Uninitialized and may be initialized again.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Component, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Options configures a Manager.
type Options struct {
	Name     string
	Hooks    Hooks
	Logger   *logger.Logger
	Metrics  metrics.Recorder
	Registry *registry.Registry

	// OnTransition observes every state change after it is applied.
	OnTransition func(from, to state.Status)
}

type flight struct {
	done chan struct{}
	ok   bool
	err  error
}

func (f *flight) wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.ok, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Manager is the base lifecycle state machine.
type Manager struct {
	name         string
	hooks        Hooks
	log          *logger.Logger
	metrics      metrics.Recorder
	registry     *registry.Registry
	onTransition func(from, to state.Status)

	mu         sync.Mutex
	status     state.Status
	initFlight *flight
	endFlight  *flight
	deps       []Component
	holds      int
}

var _ Component = (*Manager)(nil)

// NewManager creates a manager in the Uninitialized state.
func NewManager(opts Options) *Manager {
	name := opts.Name
	if name == "" {
		name = "component"
	}
	return &Manager{
		name:         name,
		hooks:        opts.Hooks,
		log:          logger.OrDefault(opts.Logger, "lifecycle"),
		metrics:      metrics.OrNoOp(opts.Metrics),
		registry:     opts.Registry,
		onTransition: opts.OnTransition,
	}
}

// Name returns the component name.
func (m *Manager) Name() string { return m.name }

// State returns the current status.
func (m *Manager) State() state.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Initialize runs the component's setup once. Concurrent callers share the
// in-flight attempt; callers after success receive the cached result. ctx
// only bounds how long this caller waits: the attempt itself is not
// cancelled.
func (m *Manager) Initialize(ctx context.Context, cfg any) (bool, error) {
	m.mu.Lock()
	if f := m.initFlight; f != nil {
		// Initializing, or Initialized with PostInitialize still running.
		m.mu.Unlock()
		return f.wait(ctx)
	}
	switch m.status {
	case state.StatusInitialized:
		m.mu.Unlock()
		return true, nil
	case state.StatusEnding, state.StatusEnded:
		from := m.status
		m.mu.Unlock()
		return false, &InitializationError{Component: m.name, Err: state.NewTransitionError(from, state.StatusInitializing)}
	}

	f := &flight{done: make(chan struct{})}
	m.initFlight = f
	notify := m.transitionLocked(state.StatusInitializing)
	m.mu.Unlock()
	notify()

	start := time.Now()
	err := m.runInitialize(context.WithoutCancel(ctx), cfg)
	m.metrics.RecordInitialize(m.name, time.Since(start), err)

	m.mu.Lock()
	if err != nil {
		f.err = &InitializationError{Component: m.name, Err: err}
		notify = m.transitionLocked(state.StatusUninitialized)
	} else {
		f.ok = true
		notify = m.transitionLocked(state.StatusInitialized)
	}
	m.mu.Unlock()
	notify()

	if err != nil {
		m.log.WithField("component", m.name).WithError(err).Warn("initialize failed")
	} else if m.hooks.PostInitialize != nil {
		if perr := m.hooks.PostInitialize(context.WithoutCancel(ctx), cfg); perr != nil {
			m.log.WithField("component", m.name).WithError(perr).Warn("post-initialize failed")
		}
	}

	// The flight stays visible until PostInitialize returns so End and
	// later callers wait for the whole attempt.
	m.mu.Lock()
	m.initFlight = nil
	m.mu.Unlock()
	close(f.done)
	return f.ok, f.err
}

func (m *Manager) runInitialize(ctx context.Context, cfg any) error {
	if m.hooks.PreInitialize != nil {
		if err := m.hooks.PreInitialize(ctx, cfg); err != nil {
			return fmt.Errorf("pre-initialize: %w", err)
		}
	}
	for _, dep := range m.Dependencies() {
		if _, err := dep.Initialize(ctx, cfg); err != nil {
			return fmt.Errorf("dependency %s: %w", dep.Name(), err)
		}
	}
	if m.hooks.OnInitialize != nil {
		if err := m.hooks.OnInitialize(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// End tears the component down. It is a no-op for components that are
// Uninitialized or already Ended. An in-flight Initialize is allowed to
// settle first so teardown never races setup.
func (m *Manager) End(ctx context.Context, cfg any) (bool, error) {
	m.mu.Lock()
	for m.initFlight != nil {
		f := m.initFlight
		m.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		m.mu.Lock()
	}

	switch m.status {
	case state.StatusUninitialized, state.StatusEnded:
		m.mu.Unlock()
		return true, nil
	case state.StatusEnding:
		f := m.endFlight
		m.mu.Unlock()
		return f.wait(ctx)
	}

	f := &flight{done: make(chan struct{})}
	m.endFlight = f
	notify := m.transitionLocked(state.StatusEnding)
	deps := append([]Component(nil), m.deps...)
	m.mu.Unlock()
	notify()

	start := time.Now()
	err := m.runEnd(context.WithoutCancel(ctx), cfg, deps)
	m.metrics.RecordEnd(m.name, time.Since(start), err)

	m.mu.Lock()
	f.ok, f.err = err == nil, err
	m.holds = 0
	m.endFlight = nil
	notify = m.transitionLocked(state.StatusEnded)
	m.mu.Unlock()
	notify()
	close(f.done)

	if err != nil {
		m.log.WithField("component", m.name).WithError(err).Warn("end finished with errors")
	}
	return f.ok, f.err
}

func (m *Manager) runEnd(ctx context.Context, cfg any, deps []Component) error {
	var errs []error
	if m.hooks.OnEnd != nil {
		if err := m.hooks.OnEnd(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(deps) - 1; i >= 0; i-- {
		if _, err := deps[i].End(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("dependency %s: %w", deps[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// transitionLocked applies a transition and returns the observer callback,
// which the caller must invoke after releasing m.mu.
func (m *Manager) transitionLocked(to state.Status) func() {
	from := m.status
	if !state.CanTransition(from, to) {
		// Guarded by the switch statements above; reaching this is a bug.
		panic(state.NewTransitionError(from, to))
	}
	m.status = to
	m.metrics.RecordLifecycleStatus(m.name, int(to))
	m.log.WithFields(logrus.Fields{
		"component": m.name,
		"from":      from.String(),
		"to":        to.String(),
	}).Debug("lifecycle transition")
	if m.onTransition == nil {
		return func() {}
	}
	return func() { m.onTransition(from, to) }
}

// AddDependency registers a component initialized before, and ended after,
// this one. Dependencies are initialized in insertion order.
func (m *Manager) AddDependency(dep Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deps {
		if d == dep {
			return
		}
	}
	m.deps = append(m.deps, dep)
}

// AddDependencyToken resolves token through the registry and adds it as a
// dependency.
func (m *Manager) AddDependencyToken(token registry.Token) error {
	if m.registry == nil {
		return &registry.ResolutionError{Token: token, Err: errors.New("no registry configured")}
	}
	dep, err := registry.ResolveAs[Component](m.registry, token)
	if err != nil {
		return err
	}
	m.AddDependency(dep)
	return nil
}

// RemoveDependency removes dep. It does not end it.
func (m *Manager) RemoveDependency(dep Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.deps {
		if d == dep {
			m.deps = append(m.deps[:i], m.deps[i+1:]...)
			return
		}
	}
}

// Dependencies returns a copy of the dependency list.
func (m *Manager) Dependencies() []Component {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Component(nil), m.deps...)
}

// Acquire records a consumer hold and returns the new hold count.
func (m *Manager) Acquire() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds++
	return m.holds
}

// Release drops a consumer hold and returns the remaining count.
func (m *Manager) Release() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holds > 0 {
		m.holds--
	}
	return m.holds
}

// Holds returns the current hold count.
func (m *Manager) Holds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds
}

// EndWhenReleased drops a hold and ends the component once no holds remain.
// It reports whether End was called.
func (m *Manager) EndWhenReleased(ctx context.Context, cfg any) (bool, error) {
	if m.Release() > 0 {
		return false, nil
	}
	_, err := m.End(ctx, cfg)
	return true, err
}
