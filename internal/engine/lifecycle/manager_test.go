package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

func newTestManager(name string, hooks Hooks) *Manager {
	return NewManager(Options{Name: name, Hooks: hooks, Logger: logger.NewNop()})
}

// recorder collects hook invocations across components.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) hook(label string, err error) Hook {
	return func(context.Context, any) error {
		r.mu.Lock()
		r.calls = append(r.calls, label)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// =============================================================================
// Initialize
// =============================================================================

func TestManager_InitializeIsIdempotent(t *testing.T) {
	var count int32
	m := newTestManager("svc", Hooks{OnInitialize: func(context.Context, any) error {
		atomic.AddInt32(&count, 1)
		return nil
	}})

	ok, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.Equal(t, state.StatusInitialized, m.State())
}

func TestManager_ConcurrentInitializeCoalesces(t *testing.T) {
	var count int32
	release := make(chan struct{})
	m := newTestManager("svc", Hooks{OnInitialize: func(context.Context, any) error {
		atomic.AddInt32(&count, 1)
		<-release
		return nil
	}})

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Initialize(context.Background(), nil)
			results <- ok && err == nil
		}()
	}

	require.Eventually(t, func() bool { return m.State() == state.StatusInitializing },
		time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestManager_FailedInitializeIsRetryable(t *testing.T) {
	var attempts int32
	m := newTestManager("svc", Hooks{OnInitialize: func(context.Context, any) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("backend unavailable")
		}
		return nil
	}})

	ok, err := m.Initialize(context.Background(), nil)
	assert.False(t, ok)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "svc", initErr.Component)
	assert.Equal(t, state.StatusUninitialized, m.State())

	ok, err = m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestManager_InitializeAfterEndFails(t *testing.T) {
	m := newTestManager("svc", Hooks{})
	_, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	_, err = m.End(context.Background(), nil)
	require.NoError(t, err)

	ok, err := m.Initialize(context.Background(), nil)
	assert.False(t, ok)
	var transition state.TransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, state.StatusEnded, transition.From)
}

func TestManager_CallerContextOnlyBoundsWaiting(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager("svc", Hooks{OnInitialize: func(context.Context, any) error {
		<-release
		return nil
	}})

	go func() { _, _ = m.Initialize(context.Background(), nil) }()
	require.Eventually(t, func() bool { return m.State() == state.StatusInitializing },
		time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Initialize(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return m.State() == state.StatusInitialized },
		time.Second, time.Millisecond)
}

func TestManager_PostInitializeFailureKeepsComponentReady(t *testing.T) {
	m := newTestManager("svc", Hooks{PostInitialize: func(context.Context, any) error {
		return errors.New("warmup failed")
	}})

	ok, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, state.StatusInitialized, m.State())
}

// =============================================================================
// End
// =============================================================================

func TestManager_EndNeverInitializedSkipsOnEnd(t *testing.T) {
	var teardowns int32
	m := newTestManager("client", Hooks{OnEnd: func(context.Context, any) error {
		atomic.AddInt32(&teardowns, 1)
		return nil
	}})

	ok, err := m.End(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&teardowns))
	assert.Equal(t, state.StatusUninitialized, m.State())
}

func TestManager_EndIsIdempotent(t *testing.T) {
	var teardowns int32
	m := newTestManager("svc", Hooks{OnEnd: func(context.Context, any) error {
		atomic.AddInt32(&teardowns, 1)
		return nil
	}})
	_, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := m.End(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&teardowns))
	assert.Equal(t, state.StatusEnded, m.State())
}

func TestManager_EndWaitsForInFlightInitialize(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	m := newTestManager("svc", Hooks{
		OnInitialize: func(context.Context, any) error {
			<-release
			_ = rec.hook("init", nil)(context.Background(), nil)
			return nil
		},
		OnEnd: rec.hook("end", nil),
	})

	go func() { _, _ = m.Initialize(context.Background(), nil) }()
	require.Eventually(t, func() bool { return m.State() == state.StatusInitializing },
		time.Second, time.Millisecond)

	endDone := make(chan error, 1)
	go func() {
		_, err := m.End(context.Background(), nil)
		endDone <- err
	}()

	select {
	case <-endDone:
		t.Fatal("End returned before the in-flight Initialize settled")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-endDone)
	assert.Equal(t, []string{"init", "end"}, rec.list())
	assert.Equal(t, state.StatusEnded, m.State())
}

func TestManager_EndWaitsForPostInitialize(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	m := newTestManager("svc", Hooks{
		PostInitialize: func(context.Context, any) error {
			<-release
			_ = rec.hook("post", nil)(context.Background(), nil)
			return nil
		},
		OnEnd: rec.hook("end", nil),
	})

	initDone := make(chan struct{})
	go func() {
		_, _ = m.Initialize(context.Background(), nil)
		close(initDone)
	}()
	require.Eventually(t, func() bool { return m.State() == state.StatusInitialized },
		time.Second, time.Millisecond)

	// A second caller joins the attempt instead of returning early.
	joined := make(chan bool, 1)
	go func() {
		ok, _ := m.Initialize(context.Background(), nil)
		joined <- ok
	}()

	endDone := make(chan error, 1)
	go func() {
		_, err := m.End(context.Background(), nil)
		endDone <- err
	}()

	select {
	case <-endDone:
		t.Fatal("End returned while PostInitialize was still running")
	case <-joined:
		t.Fatal("Initialize returned while PostInitialize was still running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, state.StatusInitialized, m.State())

	close(release)
	<-initDone
	assert.True(t, <-joined)
	require.NoError(t, <-endDone)
	assert.Equal(t, []string{"post", "end"}, rec.list())
	assert.Equal(t, state.StatusEnded, m.State())
}

func TestObservable_NotReadyAfterEndDuringPostInitialize(t *testing.T) {
	release := make(chan struct{})
	o := NewObservable(Options{
		Name:   "vm",
		Logger: logger.NewNop(),
		Hooks: Hooks{PostInitialize: func(context.Context, any) error {
			<-release
			return nil
		}},
	})

	go func() { _, _ = o.Initialize(context.Background(), nil) }()
	require.Eventually(t, func() bool { return o.State() == state.StatusInitialized },
		time.Second, time.Millisecond)

	endDone := make(chan struct{})
	go func() {
		_, _ = o.End(context.Background(), nil)
		close(endDone)
	}()
	close(release)
	<-endDone

	assert.Equal(t, state.StatusEnded, o.State())
	assert.False(t, o.IsInitialized().Get())
}

func TestManager_EndAlwaysReachesEnded(t *testing.T) {
	dep := newTestManager("dep", Hooks{OnEnd: func(context.Context, any) error {
		return errors.New("dep close failed")
	}})
	m := newTestManager("svc", Hooks{OnEnd: func(context.Context, any) error {
		return errors.New("close failed")
	}})
	m.AddDependency(dep)

	_, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)

	ok, err := m.End(context.Background(), nil)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.Contains(t, err.Error(), "dependency dep: dep close failed")
	assert.Equal(t, state.StatusEnded, m.State())
	assert.Equal(t, state.StatusEnded, dep.State())
}

// =============================================================================
// Dependencies
// =============================================================================

func TestManager_DependencyOrdering(t *testing.T) {
	rec := &recorder{}
	a := newTestManager("a", Hooks{OnInitialize: rec.hook("init a", nil), OnEnd: rec.hook("end a", nil)})
	b := newTestManager("b", Hooks{OnInitialize: rec.hook("init b", nil), OnEnd: rec.hook("end b", nil)})
	m := newTestManager("root", Hooks{
		PreInitialize:  rec.hook("pre root", nil),
		OnInitialize:   rec.hook("init root", nil),
		PostInitialize: rec.hook("post root", nil),
		OnEnd:          rec.hook("end root", nil),
	})
	m.AddDependency(a)
	m.AddDependency(b)
	m.AddDependency(a)
	require.Len(t, m.Dependencies(), 2)

	_, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	_, err = m.End(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pre root", "init a", "init b", "init root", "post root",
		"end root", "end b", "end a",
	}, rec.list())
}

func TestManager_DependencyFailureFailsFast(t *testing.T) {
	rec := &recorder{}
	a := newTestManager("a", Hooks{OnInitialize: rec.hook("init a", nil)})
	b := newTestManager("b", Hooks{OnInitialize: rec.hook("init b", errors.New("no backend"))})
	c := newTestManager("c", Hooks{OnInitialize: rec.hook("init c", nil)})
	m := newTestManager("root", Hooks{OnInitialize: rec.hook("init root", nil)})
	m.AddDependency(a)
	m.AddDependency(b)
	m.AddDependency(c)

	_, err := m.Initialize(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency b")
	assert.Equal(t, []string{"init a", "init b"}, rec.list())
	assert.Equal(t, state.StatusUninitialized, m.State())
	assert.Equal(t, state.StatusInitialized, a.State())
	assert.Equal(t, state.StatusUninitialized, c.State())
}

func TestManager_AddDependencyToken(t *testing.T) {
	reg := registry.New()
	dep := newTestManager("provider", Hooks{})
	reg.RegisterValue(registry.DataProvider, dep)

	m := NewManager(Options{Name: "service", Registry: reg, Logger: logger.NewNop()})
	require.NoError(t, m.AddDependencyToken(registry.DataProvider))

	err := m.AddDependencyToken(registry.LlmProvider)
	assert.ErrorIs(t, err, registry.ErrNotRegistered)

	_, err = m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInitialized, dep.State())

	m.RemoveDependency(dep)
	assert.Empty(t, m.Dependencies())
}

// =============================================================================
// Holds
// =============================================================================

func TestManager_EndWhenReleased(t *testing.T) {
	m := newTestManager("vm", Hooks{})
	_, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Acquire())
	assert.Equal(t, 2, m.Acquire())

	ended, err := m.EndWhenReleased(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, state.StatusInitialized, m.State())

	ended, err = m.EndWhenReleased(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, state.StatusEnded, m.State())
	assert.Equal(t, 0, m.Holds())
}

// =============================================================================
// Observable
// =============================================================================

func TestObservable_PublishesReadiness(t *testing.T) {
	var transitions []string
	o := NewObservable(Options{
		Name:   "vm",
		Logger: logger.NewNop(),
		OnTransition: func(from, to state.Status) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	var flips []bool
	o.IsInitialized().Subscribe(func(v bool, _ uint64) { flips = append(flips, v) })

	_, err := o.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, o.IsInitialized().Get())
	assert.Equal(t, state.StatusInitialized, o.StateValue().Get())

	_, err = o.End(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, o.IsInitialized().Get())
	assert.Equal(t, state.StatusEnded, o.StateValue().Get())

	assert.Equal(t, []bool{true, false}, flips)
	assert.Len(t, transitions, 4)
}

func TestObservable_OnChangeDroppedAtEnd(t *testing.T) {
	o := NewObservable(Options{Name: "vm", Logger: logger.NewNop()})
	_, err := o.Initialize(context.Background(), nil)
	require.NoError(t, err)

	var seen []state.Status
	OnChange(o, o.StateValue(), func(s state.Status, _ uint64) { seen = append(seen, s) })
	assert.Equal(t, 1, o.StateValue().Subscribers())

	_, err = o.End(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []state.Status{state.StatusEnding}, seen)
	assert.Equal(t, 0, o.StateValue().Subscribers())
}
