package interceptors

import (
	"container/list"
	"context"
	"sync"
)

// DuplicateDetector remembers delivered message ids
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor drops events whose msg_id was already
// delivered. QoS 1 subscriptions may redeliver after a reconnect. Events
// without a msg_id always pass.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector) *DuplicateDetectionInterceptor {
	return &DuplicateDetectionInterceptor{detector: detector}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, ev *Event, next EventHandler) error {
	id := ev.MessageID()
	if id == "" {
		return next.Handle(ctx, ev)
	}

	dup, err := i.detector.IsDuplicate(ctx, id)
	if err != nil {
		return err
	}
	if dup {
		return nil
	}

	if err := next.Handle(ctx, ev); err != nil {
		return err
	}
	return i.detector.MarkProcessed(ctx, id)
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// MemoryDuplicateDetector keeps the most recent ids in memory, evicting the
// least recently seen once capacity is reached.
type MemoryDuplicateDetector struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

// NewMemoryDuplicateDetector creates a detector remembering capacity ids
func NewMemoryDuplicateDetector(capacity int) *MemoryDuplicateDetector {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryDuplicateDetector{
		capacity: capacity,
		order:    list.New(),
		seen:     make(map[string]*list.Element, capacity),
	}
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDuplicateDetector) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[messageID]; ok {
		d.order.MoveToFront(el)
		return true, nil
	}
	return false, nil
}

// MarkProcessed implements DuplicateDetector
func (d *MemoryDuplicateDetector) MarkProcessed(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[messageID]; ok {
		d.order.MoveToFront(el)
		return nil
	}
	d.seen[messageID] = d.order.PushFront(messageID)
	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return nil
}

// Len returns the number of remembered ids
func (d *MemoryDuplicateDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
