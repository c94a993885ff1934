// Package memory is an in-memory data provider used as the test double for
// the backend providers.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/insight_runtime/internal/data"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// Operation names accepted by FailNext and Calls.
const (
	OpFetch         = "fetch"
	OpUpdate        = "update"
	OpUpsert        = "upsert"
	OpUpsertMinimal = "upsert_minimal"
	OpDelete        = "delete"
)

// Options configures a Provider.
type Options struct {
	Logger  *logger.Logger
	Metrics metrics.Recorder
	// Now stamps updated_at. Defaults to time.Now.
	Now func() time.Time
}

// Provider keeps collections in process memory.
type Provider struct {
	*lifecycle.Observable

	log     *logger.Logger
	metrics metrics.Recorder
	now     func() time.Time

	mu       sync.Mutex
	store    map[string][]data.Record
	failures map[string][]error
	calls    map[string]int
}

var _ data.Provider = (*Provider)(nil)

// New creates an empty provider.
func New(opts Options) *Provider {
	p := &Provider{
		log:      logger.OrDefault(opts.Logger, "memory-provider"),
		metrics:  metrics.OrNoOp(opts.Metrics),
		now:      opts.Now,
		store:    make(map[string][]data.Record),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:    "memory-provider",
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Hooks: lifecycle.Hooks{
			OnEnd: func(context.Context, any) error {
				p.ClearTestData()
				return nil
			},
		},
	})
	return p
}

// SetTestData replaces a collection. A nil slice removes it.
func (p *Provider) SetTestData(collection string, records []data.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if records == nil {
		delete(p.store, collection)
		return
	}
	rows := make([]data.Record, len(records))
	for i, r := range records {
		rows[i] = r.Clone()
	}
	p.store[collection] = rows
}

// ClearTestData drops every collection, queued failure and call count.
func (p *Provider) ClearTestData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = make(map[string][]data.Record)
	p.failures = make(map[string][]error)
	p.calls = make(map[string]int)
}

// FailNext makes the next call of op return err. Calls queue up.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Calls returns how many times op has been attempted.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// beginLocked counts op and pops its queued failure.
func (p *Provider) beginLocked(op string) error {
	p.calls[op]++
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

// Fetch implements data.Provider.
func (p *Provider) Fetch(_ context.Context, collection string, q data.Query) ([]data.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginLocked(OpFetch); err != nil {
		return nil, err
	}
	return p.selectLocked(collection, q), nil
}

func (p *Provider) selectLocked(collection string, q data.Query) []data.Record {
	columns := parseColumns(q.Select)
	out := make([]data.Record, 0)
	for _, r := range p.store[collection] {
		if !q.Filters.Match(r) {
			continue
		}
		out = append(out, project(r, columns))
	}
	return out
}

// Update implements data.Provider.
func (p *Provider) Update(_ context.Context, collection string, record data.Record) (data.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginLocked(OpUpdate); err != nil {
		return nil, err
	}
	id, ok := record.ID()
	if !ok {
		return nil, data.NewSyncError(OpUpdate, collection, data.KindInvalidRequest, data.ErrMissingID)
	}

	rows := p.store[collection]
	for i, existing := range rows {
		if sameID(existing, id) {
			updated := p.stamp(record)
			rows[i] = updated
			return updated.Clone(), nil
		}
	}
	return nil, data.NewSyncError(OpUpdate, collection, data.KindNotFound, data.ErrRecordNotFound)
}

// Upsert implements data.Provider.
func (p *Provider) Upsert(ctx context.Context, collection string, records ...data.Record) ([]data.Record, error) {
	return data.UpsertWithFallback(ctx, collection, records, data.UpsertPaths{
		Upsert: func(_ context.Context, records []data.Record) ([]data.Record, error) {
			return p.write(OpUpsert, collection, records)
		},
		UpsertMinimal: func(_ context.Context, records []data.Record) error {
			_, err := p.write(OpUpsertMinimal, collection, records)
			return err
		},
		FetchByIDs: func(_ context.Context, ids []any) ([]data.Record, error) {
			return p.fetchByIDs(collection, ids)
		},
	}, p.metrics, p.log)
}

func (p *Provider) write(op, collection string, records []data.Record) ([]data.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginLocked(op); err != nil {
		return nil, err
	}

	rows := p.store[collection]
	out := make([]data.Record, 0, len(records))
	for _, r := range records {
		stored := p.stamp(r)
		id, hasID := stored.ID()
		replaced := false
		if hasID {
			for i, existing := range rows {
				if sameID(existing, id) {
					rows[i] = stored
					replaced = true
					break
				}
			}
		}
		if !replaced {
			rows = append(rows, stored)
		}
		out = append(out, stored.Clone())
	}
	p.store[collection] = rows
	return out, nil
}

func (p *Provider) fetchByIDs(collection string, ids []any) ([]data.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginLocked(OpFetch); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[fmt.Sprint(id)] = true
	}
	out := make([]data.Record, 0, len(ids))
	for _, r := range p.store[collection] {
		if id, ok := r.ID(); ok && want[fmt.Sprint(id)] {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Delete implements data.Provider.
func (p *Provider) Delete(_ context.Context, collection string, filters data.Filters) error {
	if len(filters) == 0 {
		return data.NewSyncError(OpDelete, collection, data.KindInvalidRequest, data.ErrFilterRequired)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginLocked(OpDelete); err != nil {
		return err
	}

	rows := p.store[collection]
	kept := rows[:0]
	for _, r := range rows {
		if !filters.Match(r) {
			kept = append(kept, r)
		}
	}
	p.store[collection] = kept
	return nil
}

// stamp copies r and refreshes updated_at when the record carries one.
func (p *Provider) stamp(r data.Record) data.Record {
	out := r.Clone()
	if _, ok := out["updated_at"]; ok {
		out["updated_at"] = p.now().UTC().Format(time.RFC3339Nano)
	}
	return out
}

func sameID(r data.Record, id any) bool {
	rid, ok := r.ID()
	return ok && fmt.Sprint(rid) == fmt.Sprint(id)
}

func parseColumns(sel string) []string {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "*" {
		return nil
	}
	parts := strings.Split(sel, ",")
	cols := make([]string, 0, len(parts))
	for _, c := range parts {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

func project(r data.Record, columns []string) data.Record {
	if columns == nil {
		return r.Clone()
	}
	out := make(data.Record, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}
