package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/insight_runtime/internal/engine/bus"
	"github.com/R3E-Network/insight_runtime/internal/engine/events"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/observable"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// ErrActionsFailed is wrapped by WaitForCategory when the latest run of a
// category finished with failures.
var ErrActionsFailed = errors.New("actions failed")

// Mode selects how the actions of one category are executed.
type Mode string

const (
	// ModeSequential runs actions one after another in registration order.
	ModeSequential Mode = "sequential"
	// ModeParallel runs actions concurrently, bounded by the limiter.
	ModeParallel Mode = "parallel"
)

// Reasons recorded when an event does not run immediately.
const (
	reasonDisabled = "disabled"
	reasonBusy     = "busy"
	reasonPending  = "pending_app_init"
	reasonBulk     = "bulk"
)

// FtuxCategories are the categories processed during the first-run flow.
var FtuxCategories = []events.Category{
	events.CategoryAppInitDone,
	events.CategoryFtux,
	events.CategoryFtuxComplete,
	events.CategoryLogin,
	events.CategoryLogout,
	events.CategoryUserProfileGenerateSummary,
}

// Options configures a Dispatcher.
type Options struct {
	// Bus is the event source. When nil it is resolved from Registry under
	// registry.ChangeEventBus at initialize time.
	Bus      *events.Bus
	Registry *registry.Registry

	Mode    Mode
	Limiter bus.LimiterConfig

	// AwaitAppInit queues events until APP_INIT_DONE has been observed.
	AwaitAppInit bool

	Logger  *logger.Logger
	Metrics metrics.Recorder
}

type job struct {
	evt events.ChangeEvent
}

// Dispatcher is the action dispatch registry. Once initialized it listens
// to every category on the bus and runs the registered actions of each
// event on a single worker, so runs never overlap.
type Dispatcher struct {
	*lifecycle.Observable

	opts    Options
	log     *logger.Logger
	metrics metrics.Recorder
	limiter *bus.Limiter

	progress *observable.Value[ProgressMap]

	mu             sync.Mutex
	actions        map[events.Category][]Action
	order          []events.Category
	enabled        map[events.Category]bool
	defaultEnabled bool
	busy           map[events.Category]bool
	appInitDone    bool
	pending        []events.ChangeEvent
	bulk           bool
	bulkEvents     map[events.Category]events.ChangeEvent
	bulkOrder      []events.Category
	queue          []job
	outstanding    map[events.Category]int
	changed        chan struct{}
	runSeq         uint64

	bus    *events.Bus
	unsub  func()
	signal chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Register actions before or after
// initialization; events are only observed while it is Initialized.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Mode == "" {
		opts.Mode = ModeSequential
	}
	if opts.Limiter.MaxConcurrent == 0 && opts.Limiter.AcquireTimeout == 0 {
		opts.Limiter = bus.DefaultLimiterConfig()
	}
	d := &Dispatcher{
		opts:           opts,
		log:            logger.OrDefault(opts.Logger, "action-dispatcher"),
		metrics:        metrics.OrNoOp(opts.Metrics),
		limiter:        bus.NewLimiter(opts.Limiter),
		progress:       observable.NewValue(ProgressMap{}),
		actions:        make(map[events.Category][]Action),
		enabled:        make(map[events.Category]bool),
		defaultEnabled: true,
		busy:           make(map[events.Category]bool),
		outstanding:    make(map[events.Category]int),
		changed:        make(chan struct{}),
		signal:         make(chan struct{}, 1),
	}
	d.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:     "action-dispatcher",
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Registry: opts.Registry,
		Hooks: lifecycle.Hooks{
			OnInitialize:   d.onInitialize,
			PostInitialize: d.postInitialize,
			OnEnd:          d.onEnd,
		},
	})
	return d
}

func (d *Dispatcher) onInitialize(ctx context.Context, _ any) error {
	b := d.opts.Bus
	if b == nil {
		if d.opts.Registry == nil {
			return &registry.ResolutionError{Token: registry.ChangeEventBus}
		}
		var err error
		if b, err = registry.ResolveAs[*events.Bus](d.opts.Registry, registry.ChangeEventBus); err != nil {
			return err
		}
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.bus = b
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(workerCtx)
	return nil
}

func (d *Dispatcher) postInitialize(context.Context, any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsub = d.bus.SubscribeAll(d.handleEvent)
	return nil
}

func (d *Dispatcher) onEnd(context.Context, any) error {
	d.mu.Lock()
	unsub, cancel := d.unsub, d.cancel
	d.unsub, d.cancel, d.bus = nil, nil, nil
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.limiter.Close()

	d.mu.Lock()
	d.actions = make(map[events.Category][]Action)
	d.order = nil
	d.enabled = make(map[events.Category]bool)
	d.defaultEnabled = true
	d.busy = make(map[events.Category]bool)
	d.appInitDone = false
	d.pending = nil
	d.bulk = false
	d.bulkEvents = nil
	d.bulkOrder = nil
	d.queue = nil
	d.outstanding = make(map[events.Category]int)
	d.notifyLocked()
	d.mu.Unlock()

	d.progress.Set(ProgressMap{})
	return nil
}

// =============================================================================
// Registration
// =============================================================================

// RegisterActions appends actions to category.
func (d *Dispatcher) RegisterActions(category events.Category, actions ...Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.actions[category]; !ok {
		d.order = append(d.order, category)
	}
	d.actions[category] = append(d.actions[category], actions...)

	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name()
	}
	d.log.WithFields(logrus.Fields{
		"category": category,
		"actions":  names,
	}).Debug("actions registered")
}

// Actions returns the actions of category in registration order.
func (d *Dispatcher) Actions(category events.Category) []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Action(nil), d.actions[category]...)
}

// AllActions returns every registered action, grouped by category in the
// order categories were first registered.
func (d *Dispatcher) AllActions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []Action
	for _, c := range d.order {
		all = append(all, d.actions[c]...)
	}
	return all
}

// Categories returns the categories that have actions.
func (d *Dispatcher) Categories() []events.Category {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]events.Category(nil), d.order...)
}

// UnregisterActions removes every action of category.
func (d *Dispatcher) UnregisterActions(category events.Category) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.actions[category]; !ok {
		return
	}
	delete(d.actions, category)
	for i, c := range d.order {
		if c == category {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// =============================================================================
// Enablement
// =============================================================================

// Enable allows events of category to run.
func (d *Dispatcher) Enable(category events.Category) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled[category] = true
}

// Disable ignores events of category until it is enabled again.
func (d *Dispatcher) Disable(category events.Category) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled[category] = false
}

// EnableAll enables every category, including ones not seen yet.
func (d *Dispatcher) EnableAll() {
	d.setDefault(true)
}

// DisableAll disables every category, including ones not seen yet.
func (d *Dispatcher) DisableAll() {
	d.setDefault(false)
}

func (d *Dispatcher) setDefault(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = make(map[events.Category]bool)
	d.defaultEnabled = enabled
}

// IsEnabled reports whether events of category run.
func (d *Dispatcher) IsEnabled(category events.Category) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isEnabledLocked(category)
}

func (d *Dispatcher) isEnabledLocked(category events.Category) bool {
	if v, ok := d.enabled[category]; ok {
		return v
	}
	return d.defaultEnabled
}

// EnabledCategories returns the registered categories that are enabled,
// sorted by name.
func (d *Dispatcher) EnabledCategories() []events.Category {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []events.Category
	for _, c := range d.order {
		if d.isEnabledLocked(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConfigureFtux restricts processing to the first-run categories.
func (d *Dispatcher) ConfigureFtux() {
	d.configure(FtuxCategories...)
}

// ConfigureAppInit is the first-run set plus SIGNUP.
func (d *Dispatcher) ConfigureAppInit() {
	d.configure(append(append([]events.Category(nil), FtuxCategories...), events.CategorySignup)...)
}

// ConfigureNormal enables every category.
func (d *Dispatcher) ConfigureNormal() {
	d.EnableAll()
}

func (d *Dispatcher) configure(categories ...events.Category) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultEnabled = false
	d.enabled = make(map[events.Category]bool, len(categories))
	for _, c := range categories {
		d.enabled[c] = true
	}
}

// =============================================================================
// Bulk onboarding
// =============================================================================

// BeginBulk starts bulk-onboarding mode. Events keep being recorded on the
// bus but their actions are deferred until EndBulk.
func (d *Dispatcher) BeginBulk() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bulk {
		return
	}
	d.bulk = true
	d.bulkEvents = make(map[events.Category]events.ChangeEvent)
	d.bulkOrder = nil
	d.log.Info("bulk onboarding started")
}

// InBulk reports whether bulk-onboarding mode is active.
func (d *Dispatcher) InBulk() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bulk
}

// EndBulk leaves bulk-onboarding mode and queues one run per deferred
// category, carrying the last payload seen for it. Categories are queued
// in the order they were first deferred. It returns the number of runs
// queued.
func (d *Dispatcher) EndBulk() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.bulk {
		return 0
	}
	d.bulk = false
	deferred, order := d.bulkEvents, d.bulkOrder
	d.bulkEvents, d.bulkOrder = nil, nil

	queued := 0
	for _, c := range order {
		if d.admitLocked(deferred[c]) {
			queued++
		}
	}
	d.log.WithField("runs", queued).Info("bulk onboarding finished")
	return queued
}

// =============================================================================
// Dispatch
// =============================================================================

func (d *Dispatcher) handleEvent(_ context.Context, evt events.ChangeEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil
	}

	if evt.Category == events.CategoryAppInitDone && !d.appInitDone {
		d.appInitDone = true
		pending := d.pending
		d.pending = nil
		if len(pending) > 0 {
			d.log.WithField("events", len(pending)).Info("replaying events received before app init")
		}
		for _, p := range pending {
			d.admitLocked(p)
		}
	}
	d.admitLocked(evt)
	return nil
}

// admitLocked decides what happens to evt and reports whether a run was
// queued.
func (d *Dispatcher) admitLocked(evt events.ChangeEvent) bool {
	category := evt.Category
	reason := ""
	switch {
	case d.opts.AwaitAppInit && !d.appInitDone:
		d.pending = append(d.pending, evt)
		reason = reasonPending
	case !d.isEnabledLocked(category):
		reason = reasonDisabled
	case d.busy[category]:
		reason = reasonBusy
	case d.bulk:
		if _, seen := d.bulkEvents[category]; !seen {
			d.bulkOrder = append(d.bulkOrder, category)
		}
		d.bulkEvents[category] = evt
		reason = reasonBulk
	}
	if reason != "" {
		d.metrics.RecordDeferred(string(category), reason)
		d.log.WithFields(logrus.Fields{
			"category": category,
			"event_id": evt.ID,
			"reason":   reason,
		}).Debug("change event not dispatched")
		return false
	}

	d.queue = append(d.queue, job{evt: evt})
	d.outstanding[category]++
	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.signal:
		}
		for {
			j, ok := d.next()
			if !ok || ctx.Err() != nil {
				break
			}
			d.Execute(ctx, j.evt.Category, j.evt.Payload)

			d.mu.Lock()
			if d.outstanding[j.evt.Category] > 0 {
				d.outstanding[j.evt.Category]--
			}
			d.notifyLocked()
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) next() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return job{}, false
	}
	j := d.queue[0]
	d.queue[0] = job{}
	d.queue = d.queue[1:]
	return j, true
}

func (d *Dispatcher) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Execute runs the actions of category with payload and reports each
// outcome. A failing or panicking action never stops its siblings. While
// it runs, events of the same category are dropped so actions cannot
// retrigger themselves.
func (d *Dispatcher) Execute(ctx context.Context, category events.Category, payload any) *Report {
	d.mu.Lock()
	actions := append([]Action(nil), d.actions[category]...)
	d.runSeq++
	id := fmt.Sprintf("%s_%d", category, d.runSeq)
	d.mu.Unlock()

	report := &Report{ID: id, Category: category, Outcomes: make([]Outcome, len(actions))}
	if len(actions) == 0 {
		return report
	}

	d.setBusy(category, true)
	defer d.setBusy(category, false)

	d.startProgress(id, category, actions)
	if d.opts.Mode == ModeParallel {
		var wg sync.WaitGroup
		for i, a := range actions {
			wg.Add(1)
			go func(i int, a Action) {
				defer wg.Done()
				if err := d.limiter.Acquire(ctx); err != nil {
					report.Outcomes[i] = Outcome{Action: a.Name(), Err: &ActionExecutionError{Category: category, Action: a.Name(), Err: err}}
					d.updateAction(id, category, i, ActionError, err)
					return
				}
				defer d.limiter.Release()
				report.Outcomes[i] = d.executeOne(ctx, id, category, i, a, payload)
			}(i, a)
		}
		wg.Wait()
	} else {
		for i, a := range actions {
			report.Outcomes[i] = d.executeOne(ctx, id, category, i, a, payload)
		}
	}

	err := report.Err()
	d.finishProgress(id, category, err)
	if err != nil {
		d.log.WithField("category", category).WithError(err).Warn("actions finished with failures")
	}
	return report
}

func (d *Dispatcher) executeOne(ctx context.Context, id string, category events.Category, index int, a Action, payload any) Outcome {
	d.updateAction(id, category, index, ActionStarted, nil)
	start := time.Now()
	result, err := invoke(ctx, a, payload)
	out := Outcome{Action: a.Name(), Result: result, Duration: time.Since(start)}
	d.metrics.RecordActionExecution(string(category), a.Name(), out.Duration, err)

	if err != nil {
		out.Err = &ActionExecutionError{Category: category, Action: a.Name(), Err: err}
		d.updateAction(id, category, index, ActionError, err)
		d.log.WithFields(logrus.Fields{
			"category": category,
			"action":   a.Name(),
		}).WithError(err).Warn("action failed")
		return out
	}
	d.updateAction(id, category, index, ActionCompleted, nil)
	return out
}

func invoke(ctx context.Context, a Action, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Execute(ctx, payload)
}

func (d *Dispatcher) setBusy(category events.Category, busy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if busy {
		d.busy[category] = true
		return
	}
	delete(d.busy, category)
}

// =============================================================================
// Progress
// =============================================================================

// Progress returns the latest run of category.
func (d *Dispatcher) Progress(category events.Category) (Progress, bool) {
	p, ok := d.progress.Get()[category]
	return p, ok
}

// ProgressValue publishes the progress of every category.
func (d *Dispatcher) ProgressValue() *observable.Value[ProgressMap] {
	return d.progress
}

// WaitForCategory waits until no run of category is queued or running. It
// returns false and a nil error when timeout passes first, and an error
// wrapping ErrActionsFailed when the latest run failed. A zero timeout
// waits until ctx ends.
func (d *Dispatcher) WaitForCategory(ctx context.Context, category events.Category, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		d.mu.Lock()
		n := d.outstanding[category]
		changed := d.changed
		d.mu.Unlock()

		if n == 0 {
			if p, ok := d.Progress(category); ok && p.Status == RunError {
				return false, fmt.Errorf("%w: %s: %s", ErrActionsFailed, category, p.Error)
			}
			return true, nil
		}

		select {
		case <-changed:
		case <-expired:
			d.log.WithField("category", category).Warn("timed out waiting for actions")
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// WaitIdle waits until no run of any category is queued or running.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		idle := len(d.queue) == 0
		for _, n := range d.outstanding {
			if n > 0 {
				idle = false
				break
			}
		}
		changed := d.changed
		d.mu.Unlock()

		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PendingCount returns the number of events held until app init.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
