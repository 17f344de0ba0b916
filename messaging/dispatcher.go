package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mchat-go/contracts"
	"github.com/glimte/mchat-go/identity"
	"github.com/glimte/mchat-go/interceptors"
)

// Route is the classification of an inbound message
type Route int

const (
	RouteDropped Route = iota
	RouteResponse
	RouteInbox
	RouteGroup
)

func (r Route) String() string {
	switch r {
	case RouteResponse:
		return "response"
	case RouteInbox:
		return "inbox"
	case RouteGroup:
		return "group"
	default:
		return "dropped"
	}
}

// ResponseSink receives messages published on the session's response topics
type ResponseSink interface {
	HandleResponse(correlationID string, payload []byte)
}

// Dispatcher routes inbound messages of one session
type Dispatcher struct {
	topics    identity.Topics
	responses ResponseSink
	listeners *Listeners
	logger    *slog.Logger
	metrics   MetricsCollector
	chain     *interceptors.Chain
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithDispatcherInterceptors runs inbox and group events through chain
// before the listeners
func WithDispatcherInterceptors(chain *interceptors.Chain) DispatcherOption {
	return func(d *Dispatcher) {
		d.chain = chain
	}
}

// NewDispatcher creates a dispatcher for topics
func NewDispatcher(topics identity.Topics, responses ResponseSink, listeners *Listeners, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		topics:    topics,
		responses: responses,
		listeners: listeners,
		logger:    slog.Default(),
		metrics:   &NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch classifies msg by topic and hands it to the response sink or the
// listeners. Unknown topics and malformed event bodies are dropped.
func (d *Dispatcher) Dispatch(msg Message) Route {
	route := d.route(msg)
	d.metrics.RecordDispatch(route)
	return route
}

func (d *Dispatcher) route(msg Message) Route {
	if id, ok := d.topics.ResponseCorrelationID(msg.Topic); ok {
		d.responses.HandleResponse(id, msg.Payload)
		return RouteResponse
	}

	if msg.Topic == d.topics.Inbox() {
		payload, err := contracts.DecodePayload(msg.Payload)
		if err != nil {
			d.logger.Warn("Dropping malformed inbox message", "topic", msg.Topic, "error", err)
			return RouteDropped
		}
		d.deliver(&interceptors.Event{
			Kind:    interceptors.KindInbox,
			Topic:   msg.Topic,
			Payload: payload,
		})
		return RouteInbox
	}

	if groupID, ok := d.topics.GroupID(msg.Topic); ok {
		payload, err := contracts.DecodePayload(msg.Payload)
		if err != nil {
			d.logger.Warn("Dropping malformed group message",
				"topic", msg.Topic,
				"groupId", groupID,
				"error", err)
			return RouteDropped
		}
		d.deliver(&interceptors.Event{
			Kind:    interceptors.KindGroup,
			Topic:   msg.Topic,
			GroupID: groupID,
			Payload: payload,
		})
		return RouteGroup
	}

	d.logger.Debug("Dropping message on unexpected topic", "topic", msg.Topic)
	return RouteDropped
}

func (d *Dispatcher) deliver(ev *interceptors.Event) {
	emit := interceptors.EventHandlerFunc(func(_ context.Context, ev *interceptors.Event) error {
		if ev.Kind == interceptors.KindGroup {
			d.listeners.EmitGroup(ev.GroupID, ev.Payload)
		} else {
			d.listeners.EmitInbox(ev.Payload)
		}
		return nil
	})

	if d.chain == nil || d.chain.Len() == 0 {
		_ = emit(context.Background(), ev)
		return
	}

	ev.ReceivedAt = time.Now()
	if err := d.chain.Execute(context.Background(), ev, emit); err != nil {
		d.listeners.EmitError(&contracts.ListenerError{Category: ev.Kind, Err: err})
	}
}
