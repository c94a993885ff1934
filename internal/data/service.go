package data

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/insight_runtime/internal/engine/lifecycle"
	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Provider is used directly when set. Otherwise it is resolved from
	// Registry under registry.DataProvider at initialize time.
	Provider Provider
	Registry *registry.Registry
	Logger   *logger.Logger
	Metrics  metrics.Recorder
}

// Service is the data access facade handed to feature code. It forwards to
// the registered provider and refuses calls while either side is not
// initialized.
type Service struct {
	*lifecycle.Observable

	opts    ServiceOptions
	log     *logger.Logger
	metrics metrics.Recorder

	mu       sync.RWMutex
	provider Provider
}

var _ Provider = (*Service)(nil)

// NewService creates a data service.
func NewService(opts ServiceOptions) *Service {
	s := &Service{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger, "data-service"),
		metrics: metrics.OrNoOp(opts.Metrics),
	}
	s.Observable = lifecycle.NewObservable(lifecycle.Options{
		Name:     "data-service",
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Registry: opts.Registry,
		Hooks: lifecycle.Hooks{
			OnInitialize: s.onInitialize,
			OnEnd:        s.onEnd,
		},
	})
	return s
}

func (s *Service) onInitialize(context.Context, any) error {
	p := s.opts.Provider
	if p == nil {
		if s.opts.Registry == nil {
			return &registry.ResolutionError{Token: registry.DataProvider}
		}
		var err error
		if p, err = registry.ResolveAs[Provider](s.opts.Registry, registry.DataProvider); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
	return nil
}

func (s *Service) onEnd(context.Context, any) error {
	s.mu.Lock()
	s.provider = nil
	s.mu.Unlock()
	return nil
}

// current returns the provider when both the service and a lifecycle-aware
// provider are Initialized.
func (s *Service) current(op, collection string) (Provider, error) {
	s.mu.RLock()
	p := s.provider
	s.mu.RUnlock()
	if p == nil || s.State() != state.StatusInitialized {
		return nil, NewSyncError(op, collection, KindUnavailable, ErrNotInitialized)
	}
	if lc, ok := p.(interface{ State() state.Status }); ok && lc.State() != state.StatusInitialized {
		return nil, NewSyncError(op, collection, KindUnavailable, ErrNotInitialized)
	}
	return p, nil
}

// Fetch implements Provider.
func (s *Service) Fetch(ctx context.Context, collection string, q Query) ([]Record, error) {
	start := time.Now()
	p, err := s.current("fetch", collection)
	if err != nil {
		return nil, err
	}
	rows, err := p.Fetch(ctx, collection, q)
	s.metrics.RecordSyncOperation("fetch", collection, time.Since(start), err)
	return rows, err
}

// Update implements Provider.
func (s *Service) Update(ctx context.Context, collection string, record Record) (Record, error) {
	start := time.Now()
	p, err := s.current("update", collection)
	if err != nil {
		return nil, err
	}
	out, err := p.Update(ctx, collection, record)
	s.metrics.RecordSyncOperation("update", collection, time.Since(start), err)
	return out, err
}

// Upsert implements Provider.
func (s *Service) Upsert(ctx context.Context, collection string, records ...Record) ([]Record, error) {
	start := time.Now()
	p, err := s.current("upsert", collection)
	if err != nil {
		return nil, err
	}
	rows, err := p.Upsert(ctx, collection, records...)
	s.metrics.RecordSyncOperation("upsert", collection, time.Since(start), err)
	return rows, err
}

// Delete implements Provider.
func (s *Service) Delete(ctx context.Context, collection string, filters Filters) error {
	start := time.Now()
	p, err := s.current("delete", collection)
	if err != nil {
		return err
	}
	err = p.Delete(ctx, collection, filters)
	s.metrics.RecordSyncOperation("delete", collection, time.Since(start), err)
	if err != nil {
		s.log.WithField("collection", collection).WithError(err).Debug("delete failed")
	}
	return err
}
