package actions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/insight_runtime/internal/engine/bus"
	"github.com/R3E-Network/insight_runtime/internal/engine/events"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *events.Bus) {
	t.Helper()
	b := events.NewBus(events.Options{Logger: logger.NewNop()})
	opts.Bus = b
	opts.Logger = logger.NewNop()
	d := NewDispatcher(opts)
	_, err := d.Initialize(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = d.End(context.Background(), nil)
		b.Close()
	})
	return d, b
}

func emitAndWait(t *testing.T, b *events.Bus, category events.Category, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Emit(category, payload, events.OriginUser).Wait(ctx))
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
}

// capture records every payload it receives under its name.
type capture struct {
	mu    sync.Mutex
	calls []string
	seen  []any
}

func (c *capture) action(name string) Action {
	return NewFunc(name, "records its payload", func(_ context.Context, payload any) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls = append(c.calls, name)
		c.seen = append(c.seen, payload)
		return name, nil
	})
}

func (c *capture) snapshot() ([]string, []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...), append([]any(nil), c.seen...)
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatcher_RunsActionsInRegistrationOrder(t *testing.T) {
	d, b := newTestDispatcher(t, Options{})
	c := &capture{}
	d.RegisterActions("X", c.action("first"), c.action("second"))

	payload := map[string]any{"n": 1}
	emitAndWait(t, b, "X", payload)
	ok, err := d.WaitForCategory(context.Background(), "X", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	calls, seen := c.snapshot()
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, []any{payload, payload}, seen)
}

func TestDispatcher_FailingActionsAreIsolated(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	c := &capture{}
	d.RegisterActions(events.CategoryUserAssessment,
		c.action("a1"),
		NewFunc("a2", "fails", func(context.Context, any) (any, error) {
			return nil, errors.New("llm unavailable")
		}),
		NewFunc("a3", "panics", func(context.Context, any) (any, error) {
			panic("nil profile")
		}),
		c.action("a4"),
	)

	report := d.Execute(context.Background(), events.CategoryUserAssessment, "payload")

	calls, _ := c.snapshot()
	assert.Equal(t, []string{"a1", "a4"}, calls)
	require.Len(t, report.Outcomes, 4)
	assert.Equal(t, "a1", report.Outcomes[0].Result)

	failed := report.Failed()
	require.Len(t, failed, 2)
	var execErr *ActionExecutionError
	require.ErrorAs(t, failed[0].Err, &execErr)
	assert.Equal(t, "a2", execErr.Action)
	assert.Equal(t, events.CategoryUserAssessment, execErr.Category)
	assert.Contains(t, failed[1].Err.Error(), "panic: nil profile")
	assert.Error(t, report.Err())

	p, ok := d.Progress(events.CategoryUserAssessment)
	require.True(t, ok)
	assert.Equal(t, RunError, p.Status)
	assert.Equal(t, 2, p.CompletedActions)
	assert.Equal(t, ActionCompleted, p.Actions[0].Status)
	assert.Equal(t, ActionError, p.Actions[1].Status)
	assert.Equal(t, "llm unavailable", p.Actions[1].Error)
}

func TestDispatcher_ExecuteWithoutActions(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	report := d.Execute(context.Background(), events.CategoryChat, nil)
	assert.Empty(t, report.Outcomes)
	assert.NoError(t, report.Err())
	_, ok := d.Progress(events.CategoryChat)
	assert.False(t, ok)
}

func TestDispatcher_ParallelModeKeepsOutcomeOrder(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{
		Mode:    ModeParallel,
		Limiter: bus.LimiterConfig{MaxConcurrent: 2},
	})

	var current, peak int32
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		name := name
		d.RegisterActions(events.CategoryQuickInsight, NewFunc(name, "", func(context.Context, any) (any, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return name, nil
		}))
	}

	report := d.Execute(context.Background(), events.CategoryQuickInsight, nil)
	require.NoError(t, report.Err())
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, name, report.Outcomes[i].Result)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

// =============================================================================
// Gating
// =============================================================================

func TestDispatcher_DisabledCategoriesAreIgnored(t *testing.T) {
	d, b := newTestDispatcher(t, Options{})
	c := &capture{}
	d.RegisterActions(events.CategoryChat, c.action("chat"))
	d.RegisterActions(events.CategoryLogin, c.action("login"))

	d.Disable(events.CategoryChat)
	emitAndWait(t, b, events.CategoryChat, nil)
	emitAndWait(t, b, events.CategoryLogin, nil)
	waitIdle(t, d)

	calls, _ := c.snapshot()
	assert.Equal(t, []string{"login"}, calls)
	assert.Equal(t, []events.Category{events.CategoryLogin}, d.EnabledCategories())
}

func TestDispatcher_Presets(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	d.ConfigureFtux()
	assert.True(t, d.IsEnabled(events.CategoryFtuxComplete))
	assert.True(t, d.IsEnabled(events.CategoryUserProfileGenerateSummary))
	assert.False(t, d.IsEnabled(events.CategorySignup))
	assert.False(t, d.IsEnabled(events.CategoryChat))

	d.ConfigureAppInit()
	assert.True(t, d.IsEnabled(events.CategorySignup))
	assert.False(t, d.IsEnabled(events.CategoryChat))

	d.ConfigureNormal()
	assert.True(t, d.IsEnabled(events.CategoryChat))

	d.DisableAll()
	d.Enable(events.CategoryChat)
	assert.True(t, d.IsEnabled(events.CategoryChat))
	assert.False(t, d.IsEnabled(events.CategoryLogin))
}

func TestDispatcher_QueuesUntilAppInitDone(t *testing.T) {
	d, b := newTestDispatcher(t, Options{AwaitAppInit: true})
	c := &capture{}
	d.RegisterActions(events.CategoryLogin, c.action("login"))
	d.RegisterActions(events.CategoryAppInitDone, c.action("init-done"))

	emitAndWait(t, b, events.CategoryLogin, "u1")
	waitIdle(t, d)
	calls, _ := c.snapshot()
	assert.Empty(t, calls)
	assert.Equal(t, 1, d.PendingCount())

	emitAndWait(t, b, events.CategoryAppInitDone, nil)
	waitIdle(t, d)

	calls, seen := c.snapshot()
	assert.Equal(t, []string{"login", "init-done"}, calls)
	assert.Equal(t, "u1", seen[0])
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatcher_BulkModeCoalescesPerCategory(t *testing.T) {
	d, b := newTestDispatcher(t, Options{})
	c := &capture{}
	d.RegisterActions(events.CategoryUserAssessment, c.action("summary"))
	d.RegisterActions(events.CategoryCoreValues, c.action("values"))

	d.BeginBulk()
	assert.True(t, d.InBulk())
	emitAndWait(t, b, events.CategoryUserAssessment, 1)
	emitAndWait(t, b, events.CategoryCoreValues, "v")
	emitAndWait(t, b, events.CategoryUserAssessment, 2)
	emitAndWait(t, b, events.CategoryUserAssessment, 3)
	waitIdle(t, d)

	calls, _ := c.snapshot()
	assert.Empty(t, calls)
	assert.Len(t, b.RecentByCategory(events.CategoryUserAssessment, 10), 3)

	assert.Equal(t, 2, d.EndBulk())
	assert.False(t, d.InBulk())
	assert.Equal(t, 0, d.EndBulk())
	waitIdle(t, d)

	calls, seen := c.snapshot()
	assert.Equal(t, []string{"summary", "values"}, calls)
	assert.Equal(t, []any{3, "v"}, seen)
}

func TestDispatcher_DropsEventsOfBusyCategory(t *testing.T) {
	d, b := newTestDispatcher(t, Options{})

	var runs int32
	d.RegisterActions(events.CategoryUserProfile, NewFunc("refresh", "re-emits its own category",
		func(ctx context.Context, _ any) (any, error) {
			atomic.AddInt32(&runs, 1)
			return nil, b.Emit(events.CategoryUserProfile, nil, events.OriginSystem).Wait(ctx)
		}))

	emitAndWait(t, b, events.CategoryUserProfile, nil)
	ok, err := d.WaitForCategory(context.Background(), events.CategoryUserProfile, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	waitIdle(t, d)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

// =============================================================================
// Waiting
// =============================================================================

func TestDispatcher_WaitForCategoryTimesOut(t *testing.T) {
	d, b := newTestDispatcher(t, Options{})
	release := make(chan struct{})
	d.RegisterActions(events.CategoryDigDeeper, NewFunc("slow", "", func(context.Context, any) (any, error) {
		<-release
		return nil, nil
	}))

	emitAndWait(t, b, events.CategoryDigDeeper, nil)
	ok, err := d.WaitForCategory(context.Background(), events.CategoryDigDeeper, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	p, found := d.Progress(events.CategoryDigDeeper)
	require.True(t, found)
	assert.Equal(t, RunRunning, p.Status)
	assert.Equal(t, "slow", p.CurrentAction)

	close(release)
	ok, err = d.WaitForCategory(context.Background(), events.CategoryDigDeeper, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatcher_WaitForCategoryReportsFailure(t *testing.T) {
	d, b := newTestDispatcher(t, Options{})
	d.RegisterActions(events.CategoryWeaknesses, NewFunc("broken", "", func(context.Context, any) (any, error) {
		return nil, errors.New("bad response")
	}))

	emitAndWait(t, b, events.CategoryWeaknesses, nil)
	ok, err := d.WaitForCategory(context.Background(), events.CategoryWeaknesses, 2*time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrActionsFailed)
}

func TestDispatcher_WaitForUnknownCategory(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	ok, err := d.WaitForCategory(context.Background(), events.CategoryInnerCircle, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestDispatcher_EndClearsState(t *testing.T) {
	b := events.NewBus(events.Options{Logger: logger.NewNop()})
	defer b.Close()
	d := NewDispatcher(Options{Bus: b, Logger: logger.NewNop()})
	_, err := d.Initialize(context.Background(), nil)
	require.NoError(t, err)

	c := &capture{}
	d.RegisterActions(events.CategoryChat, c.action("chat"))
	d.Execute(context.Background(), events.CategoryChat, nil)
	d.BeginBulk()

	_, err = d.End(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, state.StatusEnded, d.State())
	assert.False(t, d.IsInitialized().Get())
	assert.Empty(t, d.AllActions())
	assert.Empty(t, d.ProgressValue().Get())
	assert.False(t, d.InBulk())

	emitAndWait(t, b, events.CategoryChat, nil)
	calls, _ := c.snapshot()
	assert.Equal(t, []string{"chat"}, calls)
}

func TestDispatcher_ResolvesBusFromRegistry(t *testing.T) {
	reg := registry.New()
	b := events.NewBus(events.Options{Logger: logger.NewNop()})
	defer b.Close()

	missing := NewDispatcher(Options{Registry: reg, Logger: logger.NewNop()})
	_, err := missing.Initialize(context.Background(), nil)
	var initErr *lifecycle.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, registry.ErrNotRegistered)

	reg.RegisterValue(registry.ChangeEventBus, b)
	d := NewDispatcher(Options{Registry: reg, Logger: logger.NewNop()})
	_, err = d.Initialize(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _, _ = d.End(context.Background(), nil) }()

	c := &capture{}
	d.RegisterActions(events.CategorySignup, c.action("welcome"))
	emitAndWait(t, b, events.CategorySignup, nil)
	waitIdle(t, d)
	calls, _ := c.snapshot()
	assert.Equal(t, []string{"welcome"}, calls)
}

func TestDispatcher_RegistrationQueries(t *testing.T) {
	d := NewDispatcher(Options{Logger: logger.NewNop()})
	c := &capture{}
	d.RegisterActions(events.CategoryMotivations, c.action("m1"))
	d.RegisterActions(events.CategoryAboutYou, c.action("a1"))
	d.RegisterActions(events.CategoryMotivations, c.action("m2"))

	assert.Len(t, d.Actions(events.CategoryMotivations), 2)
	assert.Equal(t, []events.Category{events.CategoryMotivations, events.CategoryAboutYou}, d.Categories())

	var names []string
	for _, a := range d.AllActions() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"m1", "m2", "a1"}, names)

	d.UnregisterActions(events.CategoryMotivations)
	assert.Empty(t, d.Actions(events.CategoryMotivations))
	assert.Equal(t, []events.Category{events.CategoryAboutYou}, d.Categories())
}
