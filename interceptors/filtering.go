package interceptors

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrFiltered is returned by a FilteringInterceptor configured with SkipWithError
var ErrFiltered = errors.New("event filtered")

// EventFilter decides whether an event is delivered
type EventFilter interface {
	// ShouldProcess returns true if the event should be delivered
	ShouldProcess(ctx context.Context, ev *Event) (bool, error)
}

// EventFilterFunc is a function adapter for EventFilter
type EventFilterFunc func(ctx context.Context, ev *Event) (bool, error)

// ShouldProcess implements EventFilter
func (f EventFilterFunc) ShouldProcess(ctx context.Context, ev *Event) (bool, error) {
	return f(ctx, ev)
}

// SkipBehavior defines what happens when an event is filtered out
type SkipBehavior int

const (
	// SkipSilently drops the event without error
	SkipSilently SkipBehavior = iota
	// SkipWithError reports ErrFiltered to the error listeners
	SkipWithError
)

// FilteringInterceptor drops events rejected by its filter
type FilteringInterceptor struct {
	filter       EventFilter
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter EventFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, skipBehavior: skipBehavior}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, ev *Event, next EventHandler) error {
	ok, err := i.filter.ShouldProcess(ctx, ev)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if !ok {
		if i.skipBehavior == SkipWithError {
			return fmt.Errorf("%w: kind=%s topic=%s", ErrFiltered, ev.Kind, ev.Topic)
		}
		return nil
	}
	return next.Handle(ctx, ev)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []EventFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...EventFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements EventFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, ev *Event) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, ev)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []EventFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...EventFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements EventFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, ev *Event) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, ev)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// KindFilter accepts events of the listed kinds
type KindFilter struct {
	kinds []string
}

// NewKindFilter creates a new kind filter
func NewKindFilter(kinds ...string) *KindFilter {
	return &KindFilter{kinds: kinds}
}

// ShouldProcess implements EventFilter
func (f *KindFilter) ShouldProcess(_ context.Context, ev *Event) (bool, error) {
	return slices.Contains(f.kinds, ev.Kind), nil
}

// SenderFilter rejects events from the listed employee ids
type SenderFilter struct {
	blocked map[string]struct{}
}

// NewSenderFilter creates a filter that drops events sent by blocked
func NewSenderFilter(blocked ...string) *SenderFilter {
	f := &SenderFilter{blocked: make(map[string]struct{}, len(blocked))}
	for _, id := range blocked {
		f.blocked[id] = struct{}{}
	}
	return f
}

// ShouldProcess implements EventFilter
func (f *SenderFilter) ShouldProcess(_ context.Context, ev *Event) (bool, error) {
	_, blocked := f.blocked[ev.Payload.String("from_employee_id")]
	return !blocked, nil
}
