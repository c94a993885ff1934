// Package runtime assembles the runtime substrate for one process: it
// provides the data provider, change event bus, action dispatcher, data
// service and sync registry through the composition root, initializes them
// in dependency order and announces APP_INIT_DONE.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/insight_runtime/internal/app/httpapi"
	"github.com/R3E-Network/insight_runtime/internal/compose"
	"github.com/R3E-Network/insight_runtime/internal/config"
	"github.com/R3E-Network/insight_runtime/internal/data"
	"github.com/R3E-Network/insight_runtime/internal/data/datasync"
	"github.com/R3E-Network/insight_runtime/internal/data/memory"
	"github.com/R3E-Network/insight_runtime/internal/data/postgres"
	"github.com/R3E-Network/insight_runtime/internal/data/supabase"
	"github.com/R3E-Network/insight_runtime/internal/engine/actions"
	"github.com/R3E-Network/insight_runtime/internal/engine/bus"
	"github.com/R3E-Network/insight_runtime/internal/engine/events"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/observable"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
	"github.com/R3E-Network/insight_runtime/supabase/client"
)

// Collections mirrored by the sync registry.
const (
	CollectionProfiles     = "user_profiles"
	CollectionAssessments  = "user_assessments"
	CollectionCoreValues   = "user_core_values"
	CollectionTopQualities = "user_top_qualities"
)

// Collections lists the mirrored collections in registration order.
var Collections = []string{
	CollectionProfiles,
	CollectionAssessments,
	CollectionCoreValues,
	CollectionTopQualities,
}

// Components are bound in this order and ended in reverse.
var initOrder = []registry.Token{
	registry.DataProvider,
	registry.DataService,
	registry.ActionDispatcher,
	registry.SyncRegistry,
}

// Options configures an Application.
type Options struct {
	Config   config.RuntimeConfig
	Registry *registry.Registry
	Logger   *logger.Logger
	Metrics  *metrics.Collector

	// Provider replaces the provider selected by Config.Provider.Kind.
	Provider data.Provider
}

// Application is the app initialization service.
type Application struct {
	*lifecycle.Observable

	cfg     config.RuntimeConfig
	log     *logger.Logger
	metrics *metrics.Collector
	reg     *registry.Registry
	root    *compose.Root

	Bus        *events.Bus
	Dispatcher *actions.Dispatcher
	Data       *data.Service
	Sync       *datasync.Registry

	values   map[string]*observable.Value[[]data.Record]
	ready    atomic.Bool
	unwatch  []func()
	server   *http.Server
	admin    *httpapi.Handler
	bindings []*compose.Binding
}

// New wires the application. Nothing is initialized until Initialize.
func New(opts Options) (*Application, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault("runtime")
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector("insight_runtime")
	}

	a := &Application{
		cfg:     opts.Config,
		log:     log,
		metrics: collector,
		reg:     reg,
		root:    compose.New(compose.Options{Registry: reg, Logger: log.Named("compose")}),
		values:  make(map[string]*observable.Value[[]data.Record], len(Collections)),
	}
	for _, name := range Collections {
		a.values[name] = observable.NewValue[[]data.Record](nil)
	}

	a.Bus = events.NewBus(events.Options{
		HistorySize: opts.Config.Events.HistorySize,
		Debounce:    time.Duration(opts.Config.Events.DebounceMS) * time.Millisecond,
		Logger:      log.Named("change-event-bus"),
		Metrics:     collector,
	})
	reg.RegisterValue(registry.ChangeEventBus, a.Bus)

	a.provideDataProvider(opts.Provider)
	a.root.Provide(registry.DataService, func(reg *registry.Registry) (lifecycle.Component, error) {
		a.Data = data.NewService(data.ServiceOptions{Registry: reg, Logger: log.Named("data-service"), Metrics: collector})
		return a.Data, nil
	})
	a.root.Provide(registry.ActionDispatcher, func(reg *registry.Registry) (lifecycle.Component, error) {
		a.Dispatcher = actions.NewDispatcher(actions.Options{
			Registry:     reg,
			Mode:         actions.Mode(opts.Config.Dispatcher.Mode),
			Limiter:      bus.LimiterConfig{MaxConcurrent: opts.Config.Dispatcher.MaxConcurrent, AcquireTimeout: 30 * time.Second},
			AwaitAppInit: true,
			Logger:       log.Named("action-dispatcher"),
			Metrics:      collector,
		})
		a.registerActions(a.Dispatcher)
		return a.Dispatcher, nil
	})
	a.root.Provide(registry.SyncRegistry, a.newSyncRegistry)

	a.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:     "app-init",
		Logger:   log,
		Metrics:  collector,
		Registry: reg,
		Hooks: lifecycle.Hooks{
			OnInitialize:   a.onInitialize,
			PostInitialize: a.postInitialize,
			OnEnd:          a.onEnd,
		},
	})
	return a, nil
}

func (a *Application) provideDataProvider(override data.Provider) {
	a.root.Provide(registry.DataProvider, func(reg *registry.Registry) (lifecycle.Component, error) {
		if override != nil {
			c, ok := override.(lifecycle.Component)
			if !ok {
				return nil, fmt.Errorf("provider %T does not implement lifecycle.Component", override)
			}
			return c, nil
		}
		return NewProvider(a.cfg.Provider, reg, a.log.Named("data-provider"), a.metrics), nil
	})
}

// ProviderComponent is a data provider with a lifecycle.
type ProviderComponent interface {
	data.Provider
	lifecycle.Component
}

// NewProvider builds the provider selected by cfg.Kind. Supabase
// credentials in cfg are registered as environment overrides on reg.
func NewProvider(cfg config.ProviderConfig, reg *registry.Registry, log *logger.Logger, rec metrics.Recorder) ProviderComponent {
	switch cfg.Kind {
	case config.ProviderSupabase:
		if cfg.SupabaseURL != "" {
			config.RegisterOverride(reg, supabase.EnvURL, cfg.SupabaseURL)
		}
		if cfg.SupabaseAnonKey != "" {
			config.RegisterOverride(reg, supabase.EnvAnonKey, cfg.SupabaseAnonKey)
		}
		retry, breaker := resilience(cfg)
		return supabase.New(supabase.Options{
			Registry:       reg,
			Logger:         log,
			Metrics:        rec,
			Retry:          retry,
			CircuitBreaker: breaker,
		})
	case config.ProviderPostgres:
		return postgres.New(postgres.Options{
			DSN:         cfg.DatabaseURL,
			Collections: Collections,
			Registry:    reg,
			Logger:      log,
			Metrics:     rec,
		})
	default:
		return memory.New(memory.Options{Logger: log, Metrics: rec})
	}
}

// resilience maps the provider settings onto the REST client policies.
// A nil result leaves that policy off.
func resilience(cfg config.ProviderConfig) (*client.RetryConfig, *client.CircuitBreakerConfig) {
	var retry *client.RetryConfig
	if cfg.Retry.MaxRetries > 0 {
		r := client.DefaultRetryConfig()
		r.MaxRetries = cfg.Retry.MaxRetries
		if cfg.Retry.InitialBackoffMS > 0 {
			r.InitialBackoff = time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond
		}
		if cfg.Retry.MaxBackoffMS > 0 {
			r.MaxBackoff = time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond
		}
		retry = &r
	}
	var breaker *client.CircuitBreakerConfig
	if cfg.CircuitBreaker.FailureThreshold > 0 {
		b := client.DefaultCircuitBreakerConfig()
		b.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
		if cfg.CircuitBreaker.SuccessThreshold > 0 {
			b.SuccessThreshold = cfg.CircuitBreaker.SuccessThreshold
		}
		if cfg.CircuitBreaker.TimeoutMS > 0 {
			b.Timeout = time.Duration(cfg.CircuitBreaker.TimeoutMS) * time.Millisecond
		}
		breaker = &b
	}
	return retry, breaker
}

func (a *Application) newSyncRegistry(reg *registry.Registry) (lifecycle.Component, error) {
	cache, err := a.newCache()
	if err != nil {
		return nil, err
	}
	var feed datasync.Feed
	if a.cfg.Sync.Realtime {
		if c, ok := registry.ResolveSafeAs[*client.Client](reg, registry.SupabaseClient); ok {
			feed = datasync.NewRealtimeFeed(c.NewRealtimeClient(), "")
		} else {
			a.log.Warn("sync.realtime is set but no supabase client is registered")
		}
	}

	a.Sync = datasync.New(datasync.Options{
		Registry:        reg,
		Cache:           cache,
		Feed:            feed,
		Schedule:        a.cfg.Sync.Schedule,
		WritesPerSecond: a.cfg.Sync.WritesPerSecond,
		Burst:           a.cfg.Sync.Burst,
		Logger:          a.log.Named("sync-registry"),
		Metrics:         a.metrics,
	})
	for _, name := range Collections {
		if err := a.Sync.RegisterSync(a.values[name], datasync.SyncOptions{
			Collection: name,
			Realtime:   feed != nil,
		}); err != nil {
			return nil, err
		}
	}
	return a.Sync, nil
}

func (a *Application) newCache() (datasync.Cache, error) {
	switch a.cfg.Sync.Cache {
	case config.CacheFile:
		return datasync.NewFileCache(a.cfg.Sync.CacheDir)
	case config.CacheRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return datasync.DialRedisCache(ctx, a.cfg.Sync.RedisAddr, a.cfg.Sync.RedisPrefix, 0)
	default:
		return datasync.NopCache{}, nil
	}
}

// registerActions installs the runtime's own actions.
func (a *Application) registerActions(d *actions.Dispatcher) {
	d.RegisterActions(events.CategoryUserProfileRefresh, actions.NewFunc(
		"refresh-user-data",
		"Refetch every mirrored collection from the backend",
		func(ctx context.Context, _ any) (any, error) {
			if a.Sync == nil {
				return nil, data.ErrNotInitialized
			}
			return nil, a.Sync.Refresh(ctx)
		},
	))
	d.RegisterActions(events.CategoryLogout, actions.NewFunc(
		"clear-session",
		"Reset the session and user profile state entries",
		func(context.Context, any) (any, error) {
			a.root.State().Set(compose.StateSession, nil)
			a.root.State().Set(compose.StateUserProfile, nil)
			return nil, nil
		},
	))
}

func (a *Application) onInitialize(ctx context.Context, cfg any) error {
	a.unwatch = append(a.unwatch,
		a.Bus.Subscribe(events.CategoryAppInitDone, func(context.Context, events.ChangeEvent) error {
			a.ready.Store(true)
			return nil
		}),
		a.values[CollectionProfiles].Subscribe(func(rows []data.Record, _ uint64) {
			var profile any
			if len(rows) > 0 {
				profile = rows[0]
			}
			a.root.State().Set(compose.StateUserProfile, profile)
		}),
	)

	for _, token := range initOrder {
		b := a.root.Bind(ctx, token, cfg)
		a.bindings = append(a.bindings, b)
		if b.Err != nil {
			a.dropWatches()
			a.releaseBindings(ctx)
			return b.Err
		}
	}
	return nil
}

// releaseBindings drops the app's holds in reverse bind order.
func (a *Application) releaseBindings(ctx context.Context) {
	for i := len(a.bindings) - 1; i >= 0; i-- {
		if err := a.bindings[i].Release(ctx); err != nil {
			a.log.WithField("token", a.bindings[i].Token).WithError(err).Warn("release failed")
		}
	}
	a.bindings = nil
}

func (a *Application) dropWatches() {
	for _, unwatch := range a.unwatch {
		unwatch()
	}
	a.unwatch = nil
}

func (a *Application) postInitialize(context.Context, any) error {
	a.Bus.Emit(events.CategoryAppInitDone, map[string]any{"collections": Collections}, events.OriginSystem)
	a.log.WithField("provider", a.cfg.Provider.Kind).Info("app initialization complete")
	return nil
}

func (a *Application) onEnd(ctx context.Context, _ any) error {
	a.ready.Store(false)
	a.dropWatches()
	a.bindings = nil
	err := a.root.End(ctx)
	a.Bus.Close()
	return err
}

// Ready reports whether APP_INIT_DONE has been delivered.
func (a *Application) Ready() bool { return a.ready.Load() }

// Value returns the observable mirrored to collection, or nil.
func (a *Application) Value(collection string) *observable.Value[[]data.Record] {
	return a.values[collection]
}

// Root returns the composition root.
func (a *Application) Root() *compose.Root { return a.root }

// Components reports the lifecycle state of every bound component.
func (a *Application) Components() []httpapi.ComponentStatus {
	bound := a.root.Components()
	out := make([]httpapi.ComponentStatus, 0, len(bound)+1)
	out = append(out, httpapi.ComponentStatus{Name: a.Name(), State: a.State()})
	for _, b := range bound {
		out = append(out, httpapi.ComponentStatus{
			Token: string(b.Token),
			Name:  b.Component.Name(),
			State: b.Component.State(),
		})
	}
	return out
}

// RecentEvents implements httpapi.Runtime.
func (a *Application) RecentEvents(category events.Category, n int) []events.ChangeEvent {
	if category == "" {
		return a.Bus.Recent(n)
	}
	return a.Bus.RecentByCategory(category, n)
}

// Progress implements httpapi.Runtime.
func (a *Application) Progress(category events.Category) (actions.Progress, bool) {
	if a.Dispatcher == nil || a.Dispatcher.State() != state.StatusInitialized {
		return actions.Progress{}, false
	}
	return a.Dispatcher.Progress(category)
}

// Run initializes the application, serves the admin API when an address
// is configured and blocks until ctx is cancelled. The application is
// ended before Run returns.
func (a *Application) Run(ctx context.Context) error {
	if _, err := a.Initialize(ctx, nil); err != nil {
		a.Bus.Close()
		return err
	}

	errCh := make(chan error, 1)
	if addr := a.cfg.HTTP.Addr; addr != "" {
		a.admin = httpapi.NewHandler(a, httpapi.Options{
			Metrics:           a.metrics.Handler(),
			Logger:            a.log.Named("admin-http"),
			AuditSize:         a.cfg.HTTP.AuditSize,
			AuditFile:         a.cfg.HTTP.AuditFile,
			RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
			Burst:             a.cfg.HTTP.Burst,
		})
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.admin,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.WithField("addr", addr).Info("admin server listening")
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	return errors.Join(runErr, a.Shutdown(context.WithoutCancel(ctx)))
}

// Shutdown stops the admin server and ends the application.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.admin != nil {
		if err := a.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := a.End(shutdownCtx, nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
