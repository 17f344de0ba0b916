package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mchat-go/contracts"
)

// Event kinds
const (
	KindInbox = "inbox"
	KindGroup = "group"
)

// Event is one decoded inbox or group delivery
type Event struct {
	Kind       string
	Topic      string
	GroupID    string // empty for inbox events
	Payload    contracts.Payload
	ReceivedAt time.Time
}

// MessageID returns the server message id carried in the payload, if any
func (e *Event) MessageID() string {
	return e.Payload.String("msg_id")
}

// EventHandler represents a handler in the interceptor chain
type EventHandler interface {
	Handle(ctx context.Context, ev *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, ev *Event) error

// Handle implements EventHandler
func (f EventHandlerFunc) Handle(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// Interceptor processes events before they reach the final handler
type Interceptor interface {
	// Intercept processes an event and calls the next handler in the chain
	Intercept(ctx context.Context, ev *Event, next EventHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, ev *Event, next EventHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, ev *Event, next EventHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, ev *Event, next EventHandler) error {
	return i.fn(ctx, ev, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages a chain of interceptors. Add is not safe to call while
// events are being dispatched.
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates a new interceptor chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add adds an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs ev through the chain and then final
func (c *Chain) Execute(ctx context.Context, ev *Event, final EventHandler) error {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = EventHandlerFunc(func(ctx context.Context, ev *Event) error {
			return interceptor.Intercept(ctx, ev, next)
		})
	}
	return handler.Handle(ctx, ev)
}

// LoggingInterceptor logs event delivery
type LoggingInterceptor struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingInterceptor creates a logging interceptor writing at debug level
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger, level: slog.LevelDebug}
}

// WithLevel sets the level of the success log line
func (i *LoggingInterceptor) WithLevel(level slog.Level) *LoggingInterceptor {
	i.level = level
	return i
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, ev *Event, next EventHandler) error {
	start := time.Now()
	err := next.Handle(ctx, ev)
	attrs := []any{
		"kind", ev.Kind,
		"topic", ev.Topic,
		"msgId", ev.MessageID(),
		"duration", time.Since(start),
	}
	if ev.GroupID != "" {
		attrs = append(attrs, "groupId", ev.GroupID)
	}

	if err != nil {
		i.logger.Error("Event delivery failed", append(attrs, "error", err)...)
		return err
	}
	i.logger.Log(ctx, i.level, "Event delivered", attrs...)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
