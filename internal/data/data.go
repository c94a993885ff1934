// Package data defines the boundary between the runtime and any backend
// store. Dependent code talks to a Provider; swapping the production
// provider for the in-memory one needs no change on the caller side.
package data

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Record is one row of a collection. Update and Upsert need an "id".
type Record map[string]any

// ID returns the record's id.
func (r Record) ID() (any, bool) {
	id, ok := r["id"]
	return id, ok && id != nil
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter is an equality condition on one field.
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Filters are ANDed together.
type Filters []Filter

// Match reports whether r satisfies every filter.
func (f Filters) Match(r Record) bool {
	for _, cond := range f {
		if !equal(r[cond.Field], cond.Value) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, tb := reflect.TypeOf(a), reflect.TypeOf(b); ta.Comparable() && tb.Comparable() {
		if a == b {
			return true
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Query selects rows of a collection.
type Query struct {
	Select  string  // column list, "*" when empty
	Filters Filters
}

// Provider is the only path through which the runtime touches a backend.
type Provider interface {
	Fetch(ctx context.Context, collection string, q Query) ([]Record, error)

	// Update replaces the record with the same id. It fails with a
	// not-found SyncError when no such record exists.
	Update(ctx context.Context, collection string, record Record) (Record, error)

	// Upsert inserts or updates records by id. When the write is rejected
	// as permission denied, implementations retry once without asking for
	// the written rows and read them back by id; if that read is not
	// possible the call succeeds with an empty result.
	Upsert(ctx context.Context, collection string, records ...Record) ([]Record, error)

	// Delete removes the rows matching filters. An empty filter is
	// rejected without touching the store.
	Delete(ctx context.Context, collection string, filters Filters) error
}

// IDs returns the ids of records, or nil when any record lacks one.
func IDs(records []Record) []any {
	ids := make([]any, 0, len(records))
	for _, r := range records {
		id, ok := r.ID()
		if !ok {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// Errors
// =============================================================================

// ErrorKind classifies a SyncError.
type ErrorKind string

const (
	KindNetwork          ErrorKind = "network"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNotFound         ErrorKind = "not_found"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindUnavailable      ErrorKind = "unavailable"
)

var (
	ErrFilterRequired = errors.New("filter is required for delete operations")
	ErrMissingID      = errors.New("record has no id")
	ErrRecordNotFound = errors.New("record not found")
	ErrNotInitialized = errors.New("data provider is not initialized")
)

// SyncError is a backend failure of one provider operation.
type SyncError struct {
	Op         string
	Collection string
	Kind       ErrorKind
	Code       string // backend error code, when known
	Err        error
}

func (e *SyncError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s (%s): %v", e.Op, e.Collection, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Collection, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError builds a SyncError.
func NewSyncError(op, collection string, kind ErrorKind, err error) *SyncError {
	return &SyncError{Op: op, Collection: collection, Kind: kind, Err: err}
}

// KindOf returns the kind of the SyncError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsPermissionDenied reports whether err is a permission-denied SyncError.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == KindPermissionDenied
}

// IsNotFound reports whether err is a not-found SyncError.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
