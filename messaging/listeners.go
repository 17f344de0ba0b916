package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mchat-go/contracts"
)

// Listener categories, used in ListenerError and log attributes
const (
	CategoryConnect    = "connect"
	CategoryDisconnect = "disconnect"
	CategoryInbox      = "inbox"
	CategoryGroup      = "group"
	CategoryError      = "error"
)

// InboxHandler receives private messages
type InboxHandler func(payload contracts.Payload) error

// GroupHandler receives messages of joined groups
type GroupHandler func(groupID string, payload contracts.Payload) error

type entry struct {
	id uint64
	fn any
}

// Registration is returned by every On* call
type Registration struct {
	remove func()
	once   sync.Once
}

// Remove unregisters the handler. Calling it more than once is harmless.
func (r *Registration) Remove() {
	if r == nil || r.remove == nil {
		return
	}
	r.once.Do(r.remove)
}

// Listeners is the registry of event handlers of a session.
// Handlers of a category run in registration order. Registering or removing
// a handler while events are emitted affects the next event only.
type Listeners struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
	logger   *slog.Logger
}

// ListenersOption configures Listeners
type ListenersOption func(*Listeners)

// WithListenersLogger sets the logger
func WithListenersLogger(logger *slog.Logger) ListenersOption {
	return func(l *Listeners) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListeners creates an empty registry
func NewListeners(opts ...ListenersOption) *Listeners {
	l := &Listeners{
		handlers: make(map[string][]entry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnConnect registers fn to run after every successful connect
func (l *Listeners) OnConnect(fn func()) *Registration {
	return l.add(CategoryConnect, fn)
}

// OnDisconnect registers fn to run whenever the session ends. The error is
// nil for an explicit disconnect and the cause for a lost connection.
func (l *Listeners) OnDisconnect(fn func(error)) *Registration {
	return l.add(CategoryDisconnect, fn)
}

// OnInbox registers fn for private messages
func (l *Listeners) OnInbox(fn InboxHandler) *Registration {
	return l.add(CategoryInbox, fn)
}

// OnGroup registers fn for group messages
func (l *Listeners) OnGroup(fn GroupHandler) *Registration {
	return l.add(CategoryGroup, fn)
}

// OnError registers fn for asynchronous errors
func (l *Listeners) OnError(fn func(error)) *Registration {
	return l.add(CategoryError, fn)
}

// Count returns the number of handlers registered for category
func (l *Listeners) Count(category string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers[category])
}

func (l *Listeners) add(category string, fn any) *Registration {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.handlers[category] = append(l.handlers[category], entry{id: id, fn: fn})
	l.mu.Unlock()

	return &Registration{remove: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		list := l.handlers[category]
		for i, e := range list {
			if e.id == id {
				// copy so snapshots held by running emits stay intact
				next := make([]entry, 0, len(list)-1)
				next = append(next, list[:i]...)
				l.handlers[category] = append(next, list[i+1:]...)
				return
			}
		}
	}}
}

func (l *Listeners) snapshot(category string) []entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers[category]
}

// EmitConnect invokes the connect handlers
func (l *Listeners) EmitConnect() {
	for _, e := range l.snapshot(CategoryConnect) {
		fn := e.fn.(func())
		l.invoke(CategoryConnect, func() error {
			fn()
			return nil
		})
	}
}

// EmitDisconnect invokes the disconnect handlers with cause
func (l *Listeners) EmitDisconnect(cause error) {
	for _, e := range l.snapshot(CategoryDisconnect) {
		fn := e.fn.(func(error))
		l.invoke(CategoryDisconnect, func() error {
			fn(cause)
			return nil
		})
	}
}

// EmitInbox invokes the inbox handlers
func (l *Listeners) EmitInbox(payload contracts.Payload) {
	for _, e := range l.snapshot(CategoryInbox) {
		fn := e.fn.(InboxHandler)
		l.invoke(CategoryInbox, func() error {
			return fn(payload)
		})
	}
}

// EmitGroup invokes the group handlers
func (l *Listeners) EmitGroup(groupID string, payload contracts.Payload) {
	for _, e := range l.snapshot(CategoryGroup) {
		fn := e.fn.(GroupHandler)
		l.invoke(CategoryGroup, func() error {
			return fn(groupID, payload)
		})
	}
}

// EmitError invokes the error handlers. Failures of error handlers are
// logged and never re-emitted.
func (l *Listeners) EmitError(err error) {
	if err == nil {
		return
	}
	handlers := l.snapshot(CategoryError)
	if len(handlers) == 0 {
		l.logger.Warn("Unhandled session error", "error", err)
		return
	}
	for _, e := range handlers {
		fn := e.fn.(func(error))
		if herr := safeCall(func() error {
			fn(err)
			return nil
		}); herr != nil {
			l.logger.Error("Error listener failed",
				"error", herr,
				"original", err)
		}
	}
}

func (l *Listeners) invoke(category string, fn func() error) {
	err := safeCall(fn)
	if err == nil {
		return
	}
	l.logger.Warn("Listener failed", "category", category, "error", err)
	l.EmitError(&contracts.ListenerError{Category: category, Err: err})
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
