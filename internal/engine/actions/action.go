// Package actions maps change-event categories to ordered lists of
// independently failing actions and runs them when events arrive.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/insight_runtime/internal/engine/events"
)

// Action is a unit of work triggered by a change event.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, payload any) (any, error)
}

// Func adapts a function to Action.
type Func struct {
	name        string
	description string
	fn          func(ctx context.Context, payload any) (any, error)
}

// NewFunc creates an Action from fn.
func NewFunc(name, description string, fn func(ctx context.Context, payload any) (any, error)) *Func {
	return &Func{name: name, description: description, fn: fn}
}

func (f *Func) Name() string        { return f.name }
func (f *Func) Description() string { return f.description }

func (f *Func) Execute(ctx context.Context, payload any) (any, error) {
	return f.fn(ctx, payload)
}

// ActionExecutionError reports the failure of one action. It never aborts
// the sibling actions of the same category.
type ActionExecutionError struct {
	Category events.Category
	Action   string
	Err      error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s (%s): %v", e.Action, e.Category, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Outcome is the result of one action execution.
type Outcome struct {
	Action   string
	Result   any
	Err      error
	Duration time.Duration
}

// Report collects the outcomes of one category execution, in registration
// order.
type Report struct {
	ID       string
	Category events.Category
	Outcomes []Outcome
}

// Failed returns the outcomes that carry an error.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err joins every action failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
