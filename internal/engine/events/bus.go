package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// ErrBusClosed is reported by receipts of events that were never delivered
// because the bus was closed.
var ErrBusClosed = errors.New("event bus closed")

// Options configures a Bus.
type Options struct {
	// HistorySize bounds the in-memory event history. 0 means 1000.
	HistorySize int

	// Debounce delays delivery so that only the last event of a burst in
	// the window is delivered. 0 disables debouncing.
	Debounce time.Duration

	// CategoryDebounce overrides Debounce per category.
	CategoryDebounce map[Category]time.Duration

	Logger  *logger.Logger
	Metrics metrics.Recorder
}

// Receipt tracks delivery of one emitted event.
type Receipt struct {
	Event ChangeEvent

	done       chan struct{}
	superseded bool
	dropped    bool
	errs       []error
}

func newReceipt(evt ChangeEvent) *Receipt {
	return &Receipt{Event: evt, done: make(chan struct{})}
}

// Done is closed once every listener has run, or the event was superseded
// or dropped.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until delivery finishes or ctx ends. It returns ErrBusClosed
// for events dropped by Close. Listener failures are not returned here; see
// Errors.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		if r.dropped {
			return ErrBusClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Superseded reports whether a later event of the same category replaced
// this one inside the debounce window. Valid after Done.
func (r *Receipt) Superseded() bool {
	<-r.done
	return r.superseded
}

// Errors returns the listener failures. Valid after Done.
func (r *Receipt) Errors() []error {
	<-r.done
	return r.errs
}

type listenerEntry struct {
	id       uint64
	listener Listener
	active   *atomic.Bool
}

type delivery struct {
	receipt   *Receipt
	ctx       context.Context
	listeners []listenerEntry
}

type worker struct {
	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

type pendingDelivery struct {
	d     delivery
	timer *time.Timer
}

// Bus is the change event bus. Emit records the event synchronously and
// delivers it asynchronously on a per-category worker so listeners of one
// category always observe events in emit order and in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Category][]listenerEntry
	global    []listenerEntry
	workers   map[Category]*worker
	pending   map[Category]*pendingDelivery
	nextID    uint64
	closed    bool

	history *History
	opts    Options
	log     *logger.Logger
	metrics metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates a bus.
func NewBus(opts Options) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		listeners: make(map[Category][]listenerEntry),
		workers:   make(map[Category]*worker),
		pending:   make(map[Category]*pendingDelivery),
		history:   NewHistory(opts.HistorySize),
		opts:      opts,
		log:       logger.OrDefault(opts.Logger, "event-bus"),
		metrics:   metrics.OrNoOp(opts.Metrics),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers listener for category and returns its disposer.
func (b *Bus) Subscribe(category Category, listener Listener) func() {
	return b.subscribe(category, false, listener)
}

// SubscribeAll registers listener for every category.
func (b *Bus) SubscribeAll(listener Listener) func() {
	return b.subscribe("", true, listener)
}

func (b *Bus) subscribe(category Category, all bool, listener Listener) func() {
	active := &atomic.Bool{}
	active.Store(true)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	entry := listenerEntry{id: id, listener: listener, active: active}
	if all {
		b.global = append(b.global, entry)
	} else {
		b.listeners[category] = append(b.listeners[category], entry)
	}
	b.mu.Unlock()

	return func() {
		if !active.CompareAndSwap(true, false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if all {
			b.global = removeEntry(b.global, id)
			return
		}
		b.listeners[category] = removeEntry(b.listeners[category], id)
		if len(b.listeners[category]) == 0 {
			delete(b.listeners, category)
		}
	}
}

func removeEntry(entries []listenerEntry, id uint64) []listenerEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// Emit publishes an event. It never waits for listeners.
func (b *Bus) Emit(category Category, payload any, origin Origin) *Receipt {
	return b.EmitContext(context.Background(), category, payload, origin)
}

// EmitContext publishes an event carrying the trace ID found in ctx.
// ctx is not used to cancel delivery.
func (b *Bus) EmitContext(ctx context.Context, category Category, payload any, origin Origin) *Receipt {
	if origin == "" {
		origin = OriginSystem
	}
	evt := ChangeEvent{
		ID:        uuid.NewString(),
		Category:  category,
		Payload:   payload,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		TraceID:   TraceID(ctx),
	}
	b.history.Add(evt)
	b.metrics.RecordEmit(string(category))

	receipt := newReceipt(evt)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		receipt.dropped = true
		close(receipt.done)
		return receipt
	}

	listeners := make([]listenerEntry, 0, len(b.listeners[category])+len(b.global))
	listeners = append(listeners, b.listeners[category]...)
	listeners = append(listeners, b.global...)

	deliverCtx := b.ctx
	if evt.TraceID != "" {
		deliverCtx = WithTraceID(deliverCtx, evt.TraceID)
	}
	d := delivery{receipt: receipt, ctx: deliverCtx, listeners: listeners}

	if window := b.debounceFor(category); window > 0 {
		b.debounceLocked(category, d, window)
		b.mu.Unlock()
		return receipt
	}
	// Enqueue under b.mu so Close cannot slip between the closed check and
	// the enqueue.
	b.workerLocked(category).enqueue(d)
	b.mu.Unlock()
	return receipt
}

func (b *Bus) debounceFor(category Category) time.Duration {
	if d, ok := b.opts.CategoryDebounce[category]; ok {
		return d
	}
	return b.opts.Debounce
}

// debounceLocked replaces any pending delivery of category with d.
func (b *Bus) debounceLocked(category Category, d delivery, window time.Duration) {
	if prev, ok := b.pending[category]; ok {
		prev.timer.Stop()
		prev.d.receipt.superseded = true
		close(prev.d.receipt.done)
	}
	p := &pendingDelivery{d: d}
	p.timer = time.AfterFunc(window, func() { b.flush(category, p) })
	b.pending[category] = p
}

func (b *Bus) flush(category Category, p *pendingDelivery) {
	b.mu.Lock()
	if b.pending[category] != p || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.pending, category)
	b.workerLocked(category).enqueue(p.d)
	b.mu.Unlock()
}

func (b *Bus) workerLocked(category Category) *worker {
	w, ok := b.workers[category]
	if ok {
		return w
	}
	w = &worker{signal: make(chan struct{}, 1)}
	b.workers[category] = w
	b.wg.Add(1)
	go b.run(category, w)
	return w
}

func (w *worker) enqueue(d delivery) {
	w.mu.Lock()
	w.queue = append(w.queue, d)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) next() (delivery, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return delivery{}, false
	}
	d := w.queue[0]
	w.queue[0] = delivery{}
	w.queue = w.queue[1:]
	return d, true
}

func (b *Bus) run(category Category, w *worker) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			for {
				d, ok := w.next()
				if !ok {
					return
				}
				d.receipt.dropped = true
				close(d.receipt.done)
			}
		case <-w.signal:
		}

		for {
			if b.ctx.Err() != nil {
				break
			}
			d, ok := w.next()
			if !ok {
				break
			}
			b.deliver(category, d)
		}
	}
}

func (b *Bus) deliver(category Category, d delivery) {
	for _, entry := range d.listeners {
		if !entry.active.Load() {
			continue
		}
		start := time.Now()
		err := b.invoke(d.ctx, entry.listener, d.receipt.Event)
		b.metrics.RecordDelivery(string(category), time.Since(start), err)
		if err != nil {
			d.receipt.errs = append(d.receipt.errs, err)
			b.log.WithFields(logrus.Fields{
				"category": category,
				"event_id": d.receipt.Event.ID,
			}).WithError(err).Warn("change listener failed")
		}
	}
	close(d.receipt.done)
}

func (b *Bus) invoke(ctx context.Context, listener Listener, evt ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return listener(ctx, evt)
}

// Recent returns the most recent n events, newest first.
func (b *Bus) Recent(n int) []ChangeEvent {
	return b.history.Recent(n)
}

// RecentByCategory returns the most recent n events of category.
func (b *Bus) RecentByCategory(category Category, n int) []ChangeEvent {
	return b.history.RecentByCategory(category, n)
}

// History exposes the event history.
func (b *Bus) History() *History {
	return b.history
}

// ListenerCount returns the number of listeners registered for category,
// not counting SubscribeAll listeners.
func (b *Bus) ListenerCount(category Category) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[category])
}

// Close stops delivery. Queued and debounced events that have not started
// are dropped; a listener already running finishes first.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for category, p := range b.pending {
		p.timer.Stop()
		p.d.receipt.dropped = true
		close(p.d.receipt.done)
		delete(b.pending, category)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
