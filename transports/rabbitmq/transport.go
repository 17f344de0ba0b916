// Package rabbitmq implements messaging.Transport on RabbitMQ.
//
// Topics are published to the amq.topic exchange with the same mapping the
// RabbitMQ MQTT plugin uses, so AMQP and MQTT clients of one broker see each
// other's messages: "/" and "." are swapped and the "+" wildcard becomes "*".
// Every connection consumes from one exclusive, server-named queue; Subscribe
// and Unsubscribe bind and unbind it.
//
// AMQP 0-9-1 has neither retained messages nor a last will, so both are
// ignored.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mchat-go/internal/rabbitmq"
	"github.com/glimte/mchat-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange shared with the MQTT plugin
const DefaultExchange = "amq.topic"

// ErrNotConnected is returned by operations on a transport without a connection
var ErrNotConnected = errors.New("rabbitmq: not connected")

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	url      string
	exchange string
	logger   *slog.Logger
	connOpts []rabbitmq.ConnectionOption

	mu          sync.Mutex
	pubMu       sync.Mutex
	manager     *rabbitmq.ConnectionManager
	listener    *lostListener
	pubCh       *amqp.Channel
	subCh       *amqp.Channel
	queue       string
	consumerTag string
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the topic exchange
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// NewTransport creates a new RabbitMQ transport. No connection is made until
// Connect.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	if !strings.HasPrefix(connectionString, "amqp://") && !strings.HasPrefix(connectionString, "amqps://") {
		return nil, fmt.Errorf("invalid connection string %q", rabbitmq.SanitizeURL(connectionString))
	}

	cfg := &TransportConfig{
		Exchange: DefaultExchange,
		Logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Transport{
		url:      connectionString,
		exchange: cfg.Exchange,
		logger:   cfg.Logger,
		connOpts: cfg.ConnectionOptions,
	}, nil
}

// lostListener forwards unexpected connection closes to the session
type lostListener struct {
	onLost func(error)
}

func (l *lostListener) OnConnected() {}

func (l *lostListener) OnDisconnected(err error) {
	if l.onLost != nil {
		l.onLost(err)
	}
}

// Connect dials RabbitMQ, declares the session queue and starts consuming
func (t *Transport) Connect(ctx context.Context, opts messaging.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager != nil && t.manager.IsConnected() {
		return errors.New("rabbitmq: already connected")
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithConnectionName(opts.ClientID),
	}, t.connOpts...)
	manager := rabbitmq.NewConnectionManager(t.url, connOpts...)
	listener := &lostListener{onLost: opts.OnConnectionLost}
	manager.AddStateListener(listener)

	if err := manager.Connect(ctx); err != nil {
		return err
	}

	pubCh, err := manager.Channel()
	if err != nil {
		_ = manager.Close()
		return err
	}
	subCh, err := manager.Channel()
	if err != nil {
		_ = manager.Close()
		return err
	}

	q, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = manager.Close()
		return &rabbitmq.TopologyError{Component: "queue", Name: "session", Op: "declare", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := subCh.Consume(q.Name, opts.ClientID, true, true, false, false, nil)
	if err != nil {
		_ = manager.Close()
		return &rabbitmq.ChannelError{Op: "consume " + q.Name, Err: err, Timestamp: time.Now()}
	}

	if opts.Will != nil {
		t.logger.Debug("Last will is not supported over AMQP", "topic", opts.Will.Topic)
	}

	t.manager = manager
	t.listener = listener
	t.pubCh = pubCh
	t.subCh = subCh
	t.queue = q.Name
	t.consumerTag = opts.ClientID

	go t.consume(deliveries, opts.OnMessage)

	t.logger.Debug("AMQP session ready", "queue", q.Name, "exchange", t.exchange)
	return nil
}

func (t *Transport) consume(deliveries <-chan amqp.Delivery, onMessage func(messaging.Message)) {
	for d := range deliveries {
		if onMessage == nil {
			continue
		}
		onMessage(messaging.Message{
			Topic:   TopicFromRoutingKey(d.RoutingKey),
			Payload: d.Body,
		})
	}
}

// Publish sends payload to the exchange with the routing key of topic
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	t.mu.Lock()
	ch := t.pubCh
	t.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	mode := amqp.Transient
	if qos > 0 {
		mode = amqp.Persistent
	}
	key := RoutingKey(topic)

	t.pubMu.Lock()
	err := ch.PublishWithContext(ctx, t.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	t.pubMu.Unlock()

	if err != nil {
		return &rabbitmq.PublishError{Exchange: t.exchange, RoutingKey: key, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Subscribe binds the session queue to the routing key of filter
func (t *Transport) Subscribe(ctx context.Context, filter string, qos byte) error {
	ch, queue, err := t.subscription(ctx)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, RoutingKey(filter), t.exchange, false, nil); err != nil {
		return &rabbitmq.TopologyError{Component: "binding", Name: filter, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Unsubscribe removes the bindings of filters
func (t *Transport) Unsubscribe(ctx context.Context, filters ...string) error {
	ch, queue, err := t.subscription(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, filter := range filters {
		if err := ch.QueueUnbind(queue, RoutingKey(filter), t.exchange, nil); err != nil {
			errs = append(errs, &rabbitmq.TopologyError{Component: "binding", Name: filter, Op: "delete", Err: err, Timestamp: time.Now()})
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the connection; the session queue is deleted by the broker
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	manager, listener, subCh, tag := t.manager, t.listener, t.subCh, t.consumerTag
	t.manager, t.listener, t.pubCh, t.subCh, t.queue = nil, nil, nil, nil, ""
	t.mu.Unlock()

	if manager == nil {
		return nil
	}
	manager.RemoveStateListener(listener)
	if subCh != nil && !subCh.IsClosed() {
		_ = subCh.Cancel(tag, false)
	}
	return manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manager != nil && t.manager.IsConnected()
}

func (t *Transport) subscription(ctx context.Context) (*amqp.Channel, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subCh == nil || t.subCh.IsClosed() {
		return nil, "", ErrNotConnected
	}
	return t.subCh, t.queue, nil
}

// RoutingKey converts an MQTT topic or filter into an AMQP routing key
func RoutingKey(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/':
			return '.'
		case '.':
			return '/'
		case '+':
			return '*'
		default:
			return r
		}
	}, topic)
}

// TopicFromRoutingKey converts an AMQP routing key back into an MQTT topic
func TopicFromRoutingKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.':
			return '/'
		case '/':
			return '.'
		default:
			return r
		}
	}, key)
}
