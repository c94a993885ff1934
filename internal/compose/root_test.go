package compose

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/insight_runtime/internal/config"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

const viewModel registry.Token = "IProfileViewModel"

type counting struct {
	*lifecycle.Observable
	inits atomic.Int32
	ends  atomic.Int32
}

func newCounting(initErr error, delay time.Duration) *counting {
	c := &counting{}
	c.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:   "profile-view-model",
		Logger: logger.NewNop(),
		Hooks: lifecycle.Hooks{
			OnInitialize: func(context.Context, any) error {
				time.Sleep(delay)
				c.inits.Add(1)
				return initErr
			},
			OnEnd: func(context.Context, any) error {
				c.ends.Add(1)
				return nil
			},
		},
	})
	return c
}

func newRoot() *Root {
	return New(Options{Logger: logger.NewNop()})
}

func TestRoot_ConcurrentBindsShareOneInstance(t *testing.T) {
	root := newRoot()
	var built atomic.Int32
	var comp *counting
	root.Provide(viewModel, func(*registry.Registry) (lifecycle.Component, error) {
		built.Add(1)
		comp = newCounting(nil, 20*time.Millisecond)
		return comp, nil
	})

	const n = 8
	bindings := make([]*Binding, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bindings[i] = root.Bind(context.Background(), viewModel, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	assert.Equal(t, int32(1), comp.inits.Load())
	for _, b := range bindings {
		require.NoError(t, b.Err)
		assert.Same(t, comp, b.Component)
		assert.True(t, b.IsInitialized.Get())
	}
	assert.Equal(t, n, comp.Holds())
}

func TestBinding_ReleaseEndsAfterLastHold(t *testing.T) {
	root := newRoot()
	comp := newCounting(nil, 0)
	root.Provide(viewModel, func(*registry.Registry) (lifecycle.Component, error) { return comp, nil })

	first := root.Bind(context.Background(), viewModel, nil)
	second := root.Bind(context.Background(), viewModel, nil)
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)

	require.NoError(t, first.Release(context.Background()))
	require.NoError(t, first.Release(context.Background()))
	assert.Equal(t, state.StatusInitialized, comp.State())

	require.NoError(t, second.Release(context.Background()))
	assert.Equal(t, state.StatusEnded, comp.State())
	assert.Equal(t, int32(1), comp.ends.Load())
	assert.False(t, second.IsInitialized.Get())
}

func TestBinding_RebindAfterReleaseBuildsFresh(t *testing.T) {
	root := newRoot()
	var built []*counting
	root.Provide(viewModel, func(*registry.Registry) (lifecycle.Component, error) {
		c := newCounting(nil, 0)
		built = append(built, c)
		return c, nil
	})

	first := root.Bind(context.Background(), viewModel, nil)
	require.NoError(t, first.Err)
	require.NoError(t, first.Release(context.Background()))
	require.Len(t, built, 1)
	assert.Equal(t, state.StatusEnded, built[0].State())
	assert.Empty(t, root.Components())

	second := root.Bind(context.Background(), viewModel, nil)
	require.NoError(t, second.Err)
	require.Len(t, built, 2)
	assert.Same(t, built[1], second.Component)
	assert.True(t, second.IsInitialized.Get())
	assert.Equal(t, state.StatusInitialized, built[1].State())
	assert.Len(t, root.Components(), 1)
}

func TestBinding_ReleaseKeepsReplacedRegistration(t *testing.T) {
	root := newRoot()
	root.Provide(viewModel, func(*registry.Registry) (lifecycle.Component, error) {
		return newCounting(nil, 0), nil
	})
	b := root.Bind(context.Background(), viewModel, nil)
	require.NoError(t, b.Err)

	replacement := newCounting(nil, 0)
	root.Registry().RegisterValue(viewModel, replacement)
	require.NoError(t, b.Release(context.Background()))

	v, err := root.Registry().Resolve(viewModel)
	require.NoError(t, err)
	assert.Same(t, replacement, v)
}

func TestRoot_BindUnknownToken(t *testing.T) {
	root := newRoot()

	b := root.Bind(context.Background(), "IMissing", nil)
	var resErr *registry.ResolutionError
	require.ErrorAs(t, b.Err, &resErr)
	assert.Equal(t, registry.Token("IMissing"), resErr.Token)
	assert.Nil(t, b.Component)
	assert.False(t, b.IsInitialized.Get())
	assert.NoError(t, b.Release(context.Background()))
}

func TestRoot_BindSurfacesInitializationError(t *testing.T) {
	root := newRoot()
	boom := errors.New("backend unreachable")
	comp := newCounting(boom, 0)
	root.Provide(viewModel, func(*registry.Registry) (lifecycle.Component, error) { return comp, nil })

	b := root.Bind(context.Background(), viewModel, nil)
	var initErr *lifecycle.InitializationError
	require.ErrorAs(t, b.Err, &initErr)
	assert.ErrorIs(t, b.Err, boom)
	assert.False(t, b.IsInitialized.Get())
	assert.Equal(t, state.StatusUninitialized, comp.State())
}

func TestRoot_BindSurfacesMissingEnvironment(t *testing.T) {
	root := newRoot()
	root.Provide(viewModel, func(reg *registry.Registry) (lifecycle.Component, error) {
		if _, err := config.NewSource(reg).Required("INSIGHT_TEST_UNSET_KEY"); err != nil {
			return nil, err
		}
		return newCounting(nil, 0), nil
	})

	b := root.Bind(context.Background(), viewModel, nil)
	var missing *config.MissingEnvError
	require.ErrorAs(t, b.Err, &missing)
	assert.Equal(t, "INSIGHT_TEST_UNSET_KEY", missing.Key)
}

func TestRoot_BindRecoversFromPanics(t *testing.T) {
	root := newRoot()
	root.Provide(viewModel, func(*registry.Registry) (lifecycle.Component, error) {
		panic("constructor exploded")
	})

	var b *Binding
	require.NotPanics(t, func() { b = root.Bind(context.Background(), viewModel, nil) })
	require.Error(t, b.Err)
	assert.Contains(t, b.Err.Error(), "panic: constructor exploded")
	assert.False(t, b.IsInitialized.Get())
}

func TestRoot_BindRejectsNonComponents(t *testing.T) {
	root := newRoot()
	root.Registry().RegisterValue(viewModel, "just a string")

	b := root.Bind(context.Background(), viewModel, nil)
	var resErr *registry.ResolutionError
	assert.ErrorAs(t, b.Err, &resErr)
}

func TestRoot_EndEndsComponentsAndResetsState(t *testing.T) {
	root := newRoot()
	first := newCounting(nil, 0)
	second := newCounting(nil, 0)
	root.Registry().RegisterValue("IFirst", first)
	root.Registry().RegisterValue("ISecond", second)

	require.NoError(t, root.Bind(context.Background(), "IFirst", nil).Err)
	require.NoError(t, root.Bind(context.Background(), "ISecond", nil).Err)
	assert.Len(t, root.Components(), 2)

	root.State().Set(StateSession, "token-1")
	var cleared bool
	root.State().Subscribe(StateSession, func(v any, _ uint64) { cleared = v == nil })

	require.NoError(t, root.End(context.Background()))
	assert.Equal(t, state.StatusEnded, first.State())
	assert.Equal(t, state.StatusEnded, second.State())
	assert.True(t, cleared)
	assert.Nil(t, root.State().Get(StateSession))
	assert.Empty(t, root.Components())
}
