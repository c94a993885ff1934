// Package datasync mirrors observable record sets to a data provider. Local
// writes are pushed to the backend, remote changes are pulled back, and the
// last known rows are kept in a local cache for the next start.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/insight_runtime/internal/data"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/observable"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// ErrInvalidRegistration is returned for a registration without a value or
// collection.
var ErrInvalidRegistration = errors.New("sync: value and collection are required")

// Options configures a Registry.
type Options struct {
	// Provider is used when set. Otherwise it is resolved from Registry
	// under registry.DataProvider at initialize time.
	Provider data.Provider
	Registry *registry.Registry

	// Cache defaults to NopCache.
	Cache Cache
	// Feed is optional. Registrations with Realtime set watch it.
	Feed Feed

	// Schedule is a cron spec for periodic refreshes. Empty disables them.
	Schedule string

	// WritesPerSecond limits write-backs across all registrations.
	// Zero means unlimited.
	WritesPerSecond float64
	Burst           int

	Logger  *logger.Logger
	Metrics metrics.Recorder
}

// SyncOptions describes one registration.
type SyncOptions struct {
	Collection string
	// PersistName keys the local cache. Defaults to Collection.
	PersistName string
	Select      string
	Filters     data.Filters
	// Realtime refreshes the value whenever the feed reports a change.
	Realtime bool
}

type registration struct {
	value *observable.Value[[]data.Record]
	opts  SyncOptions

	// version of the last value applied from the backend or cache
	remoteVersion atomic.Uint64

	unsubscribe func()
	stopFeed    func() error

	// guarded by Registry.qmu
	queued         bool
	stale          bool
	dirty          bool
	pendingRows    []data.Record
	pendingVersion uint64
}

type job struct {
	stale   bool
	dirty   bool
	rows    []data.Record
	version uint64
}

// Registry binds observable record sets to a data provider.
type Registry struct {
	*lifecycle.Observable

	opts    Options
	log     *logger.Logger
	metrics metrics.Recorder
	cache   Cache
	limiter *rate.Limiter

	active atomic.Bool

	mu       sync.Mutex
	regs     []*registration
	provider data.Provider
	cron     *cron.Cron
	cancel   context.CancelFunc
	done     chan struct{}

	qmu      sync.Mutex
	queue    []*registration
	inflight int
	idle     chan struct{}
	wake     chan struct{}
}

// New creates a sync registry. Nothing is wired until Initialize.
func New(opts Options) *Registry {
	r := &Registry{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger, "sync-registry"),
		metrics: metrics.OrNoOp(opts.Metrics),
		cache:   opts.Cache,
		wake:    make(chan struct{}, 1),
	}
	if r.cache == nil {
		r.cache = NopCache{}
	}
	limit := rate.Inf
	if opts.WritesPerSecond > 0 {
		limit = rate.Limit(opts.WritesPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	r.limiter = rate.NewLimiter(limit, burst)

	r.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:     "sync-registry",
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Registry: opts.Registry,
		Hooks: lifecycle.Hooks{
			OnInitialize: r.onInitialize,
			OnEnd:        r.onEnd,
		},
	})
	return r
}

// RegisterSync declares that value mirrors opts.Collection. Before
// Initialize this only records the registration; afterwards the value is
// wired immediately and its first refresh is queued.
func (r *Registry) RegisterSync(value *observable.Value[[]data.Record], opts SyncOptions) error {
	if value == nil || opts.Collection == "" {
		return ErrInvalidRegistration
	}
	if opts.PersistName == "" {
		opts.PersistName = opts.Collection
	}
	reg := &registration{value: value, opts: opts}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
	if r.active.Load() {
		r.wire(context.Background(), reg)
	}
	return nil
}

// Registrations returns the collections registered so far.
func (r *Registry) Registrations() []SyncOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncOptions, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.opts
	}
	return out
}

func (r *Registry) onInitialize(ctx context.Context, _ any) error {
	p := r.opts.Provider
	if p == nil {
		if r.opts.Registry == nil {
			return &registry.ResolutionError{Token: registry.DataProvider}
		}
		var err error
		if p, err = registry.ResolveAs[data.Provider](r.opts.Registry, registry.DataProvider); err != nil {
			return err
		}
	}

	var c *cron.Cron
	if r.opts.Schedule != "" {
		c = cron.New(cron.WithLogger(cron.PrintfLogger(r.log.WithField("component", "sync-cron"))))
		if _, err := c.AddFunc(r.opts.Schedule, r.markAllStale); err != nil {
			return fmt.Errorf("sync schedule %q: %w", r.opts.Schedule, err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.provider = p
	r.cron = c
	r.cancel = cancel
	r.done = done
	r.active.Store(true)
	go r.run(workerCtx, done)
	for _, reg := range r.regs {
		r.wire(ctx, reg)
	}
	n := len(r.regs)
	r.mu.Unlock()

	if c != nil {
		c.Start()
	}
	r.log.WithField("registrations", n).Info("sync registry wired")

	// Initialize returns once the first refresh of every registration ran.
	if err := r.Flush(ctx); err != nil {
		r.log.WithError(err).Warn("initial sync refresh still pending")
	}
	return nil
}

// wire hydrates reg from the cache, subscribes to local writes and starts
// the realtime feed. The first refresh is queued. Caller holds r.mu.
func (r *Registry) wire(ctx context.Context, reg *registration) {
	entry := r.log.WithField("collection", reg.opts.Collection)

	if payload, err := r.cache.Load(ctx, reg.opts.PersistName); err == nil {
		var rows []data.Record
		if err := json.Unmarshal(payload, &rows); err != nil {
			entry.WithError(err).Warn("discarding unreadable sync cache")
		} else {
			reg.remoteVersion.Store(reg.value.Set(rows))
			entry.WithField("rows", len(rows)).Debug("hydrated from cache")
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		entry.WithError(err).Warn("sync cache load failed")
	}

	reg.unsubscribe = reg.value.Subscribe(func(rows []data.Record, version uint64) {
		r.enqueue(reg, func() {
			// Notifications may arrive out of order; keep the newest write.
			if version <= reg.pendingVersion {
				return
			}
			reg.dirty = true
			reg.pendingRows = rows
			reg.pendingVersion = version
		})
	})

	if reg.opts.Realtime && r.opts.Feed != nil {
		stop, err := r.opts.Feed.Watch(ctx, reg.opts.Collection, func() {
			r.enqueue(reg, func() { reg.stale = true })
		})
		if err != nil {
			entry.WithError(err).Warn("realtime watch failed; relying on scheduled refresh")
		} else {
			reg.stopFeed = stop
		}
	}

	r.enqueue(reg, func() { reg.stale = true })
}

func (r *Registry) onEnd(context.Context, any) error {
	r.mu.Lock()
	r.active.Store(false)
	for _, reg := range r.regs {
		if reg.unsubscribe != nil {
			reg.unsubscribe()
			reg.unsubscribe = nil
		}
		if reg.stopFeed != nil {
			if err := reg.stopFeed(); err != nil {
				r.log.WithField("collection", reg.opts.Collection).WithError(err).Warn("stop realtime watch")
			}
			reg.stopFeed = nil
		}
	}
	c, cancel, done := r.cron, r.cancel, r.done
	r.cron, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	if closer, ok := r.opts.Feed.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.log.WithError(err).Warn("close realtime feed")
		}
	}

	r.qmu.Lock()
	for _, reg := range r.queue {
		reg.queued, reg.stale, reg.dirty, reg.pendingRows = false, false, false, nil
	}
	r.queue = nil
	r.inflight = 0
	if r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
	r.qmu.Unlock()

	r.mu.Lock()
	r.provider = nil
	r.mu.Unlock()
	return nil
}

// Flush waits until every queued write-back and refresh has been processed.
func (r *Registry) Flush(ctx context.Context) error {
	r.qmu.Lock()
	idle := r.idle
	r.qmu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh refetches every registration and waits for the result.
func (r *Registry) Refresh(ctx context.Context) error {
	r.markAllStale()
	return r.Flush(ctx)
}

func (r *Registry) markAllStale() {
	r.mu.Lock()
	var regs []*registration
	if r.active.Load() {
		regs = append(regs, r.regs...)
	}
	r.mu.Unlock()
	for _, reg := range regs {
		r.enqueue(reg, func() { reg.stale = true })
	}
}

// enqueue applies mark to reg under the queue lock and schedules it. Work
// for one registration coalesces until the worker picks it up.
func (r *Registry) enqueue(reg *registration, mark func()) {
	if !r.active.Load() {
		return
	}
	r.qmu.Lock()
	mark()
	if !reg.queued {
		reg.queued = true
		r.queue = append(r.queue, reg)
	}
	if r.idle == nil {
		r.idle = make(chan struct{})
	}
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) next() (*registration, job, bool) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if len(r.queue) == 0 {
		return nil, job{}, false
	}
	reg := r.queue[0]
	r.queue = r.queue[1:]
	j := job{stale: reg.stale, dirty: reg.dirty, rows: reg.pendingRows, version: reg.pendingVersion}
	reg.queued, reg.stale, reg.dirty, reg.pendingRows = false, false, false, nil
	r.inflight++
	return reg, j, true
}

func (r *Registry) finish() {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.inflight > 0 {
		r.inflight--
	}
	if r.inflight == 0 && len(r.queue) == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
}

func (r *Registry) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		reg, j, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		r.process(ctx, reg, j)
		r.finish()
		if ctx.Err() != nil {
			return
		}
	}
}

// process runs the refresh before the write-back so that a value applied
// from the backend supersedes older local writes.
func (r *Registry) process(ctx context.Context, reg *registration, j job) {
	if j.stale {
		r.refresh(ctx, reg)
	}
	if !j.dirty {
		return
	}
	if j.version <= reg.remoteVersion.Load() {
		return
	}
	r.writeBack(ctx, reg, j.rows)
}

func (r *Registry) currentProvider() data.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

func (r *Registry) refresh(ctx context.Context, reg *registration) {
	p := r.currentProvider()
	if p == nil {
		return
	}
	start := time.Now()
	rows, err := p.Fetch(ctx, reg.opts.Collection, data.Query{Select: reg.opts.Select, Filters: reg.opts.Filters})
	r.metrics.RecordSyncOperation("refresh", reg.opts.Collection, time.Since(start), err)
	if err != nil {
		r.log.WithField("collection", reg.opts.Collection).WithError(err).Warn("sync refresh failed")
		return
	}

	if reflect.DeepEqual(reg.value.Get(), rows) {
		return
	}
	reg.remoteVersion.Store(reg.value.Set(rows))
	r.store(ctx, reg, rows)
}

func (r *Registry) writeBack(ctx context.Context, reg *registration, rows []data.Record) {
	r.store(ctx, reg, rows)
	if len(rows) == 0 {
		return
	}
	p := r.currentProvider()
	if p == nil {
		return
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	start := time.Now()
	_, err := p.Upsert(ctx, reg.opts.Collection, rows...)
	r.metrics.RecordSyncOperation("writeback", reg.opts.Collection, time.Since(start), err)
	if err != nil {
		r.log.WithField("collection", reg.opts.Collection).WithError(err).Warn("sync write-back failed")
	}
}

func (r *Registry) store(ctx context.Context, reg *registration, rows []data.Record) {
	if rows == nil {
		rows = []data.Record{}
	}
	payload, err := json.Marshal(rows)
	if err == nil {
		err = r.cache.Store(ctx, reg.opts.PersistName, payload)
	}
	if err != nil {
		r.log.WithField("collection", reg.opts.Collection).WithError(err).Warn("sync cache store failed")
	}
}
