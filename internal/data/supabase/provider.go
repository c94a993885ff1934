// Package supabase is the data provider backed by Supabase's PostgREST API.
package supabase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/insight_runtime/internal/config"
	"github.com/R3E-Network/insight_runtime/internal/data"
	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
	"github.com/R3E-Network/insight_runtime/supabase/client"
)

// Environment keys read when no client is supplied.
const (
	EnvURL     = "SUPABASE_URL"
	EnvAnonKey = "SUPABASE_ANON_KEY"
)

// PostgREST code returned when a single-row request matched nothing.
const codeNoRows = "PGRST116"

// Options configures a Provider.
type Options struct {
	// Client is used when set. Otherwise one registered under
	// registry.SupabaseClient is used, or a new one is built from the
	// environment and registered there.
	Client   *client.Client
	Registry *registry.Registry

	// Retry and CircuitBreaker configure a client built from the
	// environment.
	Retry          *client.RetryConfig
	CircuitBreaker *client.CircuitBreakerConfig

	Logger  *logger.Logger
	Metrics metrics.Recorder
}

// Provider implements data.Provider over PostgREST.
type Provider struct {
	*lifecycle.Observable

	opts    Options
	log     *logger.Logger
	metrics metrics.Recorder

	mu     sync.RWMutex
	client *client.Client
}

var _ data.Provider = (*Provider)(nil)

// New creates a provider. The client is resolved on Initialize.
func New(opts Options) *Provider {
	p := &Provider{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger, "supabase-provider"),
		metrics: metrics.OrNoOp(opts.Metrics),
	}
	p.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:     "supabase-provider",
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Registry: opts.Registry,
		Hooks: lifecycle.Hooks{
			OnInitialize: p.onInitialize,
			OnEnd:        p.onEnd,
		},
	})
	return p
}

func (p *Provider) onInitialize(context.Context, any) error {
	c, err := p.resolveClient()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
	return nil
}

func (p *Provider) resolveClient() (*client.Client, error) {
	if p.opts.Client != nil {
		return p.opts.Client, nil
	}
	if p.opts.Registry != nil {
		if c, ok := registry.ResolveSafeAs[*client.Client](p.opts.Registry, registry.SupabaseClient); ok {
			return c, nil
		}
	}

	env := config.NewSource(p.opts.Registry)
	url, err := env.Required(EnvURL)
	if err != nil {
		return nil, err
	}
	key, err := env.Required(EnvAnonKey)
	if err != nil {
		return nil, err
	}
	info, err := client.InspectAPIKey(key, time.Now())
	switch {
	case errors.Is(err, client.ErrKeyExpired):
		return nil, err
	case err != nil:
		p.log.WithError(err).Debug("supabase key is not a JWT; skipping claim checks")
	case info.ServiceRole():
		p.log.Warn("supabase key has the service_role role; row level security is bypassed")
	}
	c, err := client.New(client.Config{
		URL:            url,
		APIKey:         key,
		Retry:          p.opts.Retry,
		CircuitBreaker: p.opts.CircuitBreaker,
	})
	if err != nil {
		return nil, err
	}
	if p.opts.Registry != nil {
		p.opts.Registry.RegisterValue(registry.SupabaseClient, c)
	}
	p.log.WithField("url", url).Info("supabase client created")
	return c, nil
}

func (p *Provider) onEnd(context.Context, any) error {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
	return nil
}

// Client returns the active client, or nil when not initialized.
func (p *Provider) Client() *client.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *Provider) current(op, collection string) (*client.Client, error) {
	if c := p.Client(); c != nil {
		return c, nil
	}
	return nil, data.NewSyncError(op, collection, data.KindUnavailable, data.ErrNotInitialized)
}

// Fetch implements data.Provider.
func (p *Provider) Fetch(ctx context.Context, collection string, q data.Query) ([]data.Record, error) {
	c, err := p.current("fetch", collection)
	if err != nil {
		return nil, err
	}
	sel := strings.TrimSpace(q.Select)
	if sel == "" {
		sel = "*"
	}
	qb := c.From(collection).Select(sel)
	applyFilters(qb, q.Filters)

	resp, err := qb.Get(ctx)
	if err != nil {
		return nil, classify("fetch", collection, err)
	}
	return decodeRows("fetch", collection, resp)
}

// Update implements data.Provider.
func (p *Provider) Update(ctx context.Context, collection string, record data.Record) (data.Record, error) {
	c, err := p.current("update", collection)
	if err != nil {
		return nil, err
	}
	id, ok := record.ID()
	if !ok {
		return nil, data.NewSyncError("update", collection, data.KindInvalidRequest, data.ErrMissingID)
	}

	resp, err := c.From(collection).Eq("id", id).Update(ctx, record)
	if err != nil {
		return nil, classify("update", collection, err)
	}
	rows, err := decodeRows("update", collection, resp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, data.NewSyncError("update", collection, data.KindNotFound, data.ErrRecordNotFound)
	}
	return rows[0], nil
}

// Upsert implements data.Provider.
func (p *Provider) Upsert(ctx context.Context, collection string, records ...data.Record) ([]data.Record, error) {
	c, err := p.current("upsert", collection)
	if err != nil {
		return nil, err
	}
	return data.UpsertWithFallback(ctx, collection, records, data.UpsertPaths{
		Upsert: func(ctx context.Context, records []data.Record) ([]data.Record, error) {
			resp, err := c.From(collection).Upsert(ctx, records)
			if err != nil {
				return nil, classify("upsert", collection, err)
			}
			return decodeRows("upsert", collection, resp)
		},
		UpsertMinimal: func(ctx context.Context, records []data.Record) error {
			if _, err := c.From(collection).Minimal().Upsert(ctx, records); err != nil {
				return classify("upsert", collection, err)
			}
			return nil
		},
		FetchByIDs: func(ctx context.Context, ids []any) ([]data.Record, error) {
			resp, err := c.From(collection).Select("*").In("id", ids).Get(ctx)
			if err != nil {
				return nil, classify("fetch", collection, err)
			}
			return decodeRows("fetch", collection, resp)
		},
	}, p.metrics, p.log)
}

// Delete implements data.Provider.
func (p *Provider) Delete(ctx context.Context, collection string, filters data.Filters) error {
	if len(filters) == 0 {
		return data.NewSyncError("delete", collection, data.KindInvalidRequest, data.ErrFilterRequired)
	}
	c, err := p.current("delete", collection)
	if err != nil {
		return err
	}
	qb := c.From(collection).Minimal()
	applyFilters(qb, filters)
	if _, err := qb.Delete(ctx); err != nil {
		return classify("delete", collection, err)
	}
	return nil
}

func applyFilters(qb *client.QueryBuilder, filters data.Filters) {
	for _, f := range filters {
		if f.Value == nil {
			qb.Is(f.Field, "null")
			continue
		}
		qb.Eq(f.Field, f.Value)
	}
}

func decodeRows(op, collection string, resp *client.Response) ([]data.Record, error) {
	rows := make([]data.Record, 0)
	if err := resp.JSON(&rows); err != nil {
		return nil, data.NewSyncError(op, collection, data.KindInvalidRequest, err)
	}
	return rows, nil
}

// classify maps client errors onto SyncError kinds.
func classify(op, collection string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		se := data.NewSyncError(op, collection, data.KindInvalidRequest, err)
		se.Code = apiErr.Code
		switch {
		case client.IsPermissionDenied(err):
			se.Kind = data.KindPermissionDenied
		case apiErr.Code == codeNoRows || apiErr.StatusCode == http.StatusNotFound:
			se.Kind = data.KindNotFound
		case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests:
			se.Kind = data.KindUnavailable
		}
		return se
	}
	if errors.Is(err, client.ErrCircuitOpen) {
		return data.NewSyncError(op, collection, data.KindUnavailable, err)
	}
	return data.NewSyncError(op, collection, data.KindNetwork, err)
}
