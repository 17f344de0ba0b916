// Package nats implements messaging.Transport on NATS core.
//
// MQTT topics map onto NATS subjects by replacing "/" with "." and the
// wildcards "+" and "#" with "*" and ">". A filter ending in "/#" is also
// subscribed on its parent subject, since MQTT matches the parent level while
// ">" does not. Topics containing "." cannot be expressed and are rejected.
//
// NATS core keeps no retained messages and has no last will, so both are
// ignored. Reconnection is left to the client; the NATS connection is opened
// with reconnects disabled.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mchat-go/messaging"
	"github.com/nats-io/nats.go"
)

var (
	// ErrNotConnected is returned by operations on a transport without a connection
	ErrNotConnected = errors.New("nats: not connected")
	// ErrInvalidTopic is returned for topics that have no subject form
	ErrInvalidTopic = errors.New("nats: topic cannot be mapped to a subject")
)

const (
	deliveryBuffer = 4096
	flushTimeout   = 5 * time.Second
)

// Transport implements messaging.Transport for NATS
type Transport struct {
	url    string
	logger *slog.Logger
	extra  []nats.Option

	mu         sync.Mutex
	conn       *nats.Conn
	deliveries chan *nats.Msg
	stop       func()
	subs       map[string][]*nats.Subscription
	closing    bool
}

var _ messaging.Transport = (*Transport)(nil)

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithNATSOptions appends raw nats.go connection options
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.extra = append(t.extra, opts...)
	}
}

// NewTransport creates a new NATS transport. No connection is made until
// Connect.
func NewTransport(url string, opts ...Option) (*Transport, error) {
	if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
		return nil, fmt.Errorf("invalid NATS url %q", url)
	}
	t := &Transport{
		url:    url,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Connect opens the NATS connection, bounded by the context
func (t *Transport) Connect(ctx context.Context, opts messaging.ConnectOptions) error {
	t.mu.Lock()
	if t.conn != nil && t.conn.IsConnected() {
		t.mu.Unlock()
		return errors.New("nats: already connected")
	}
	t.mu.Unlock()

	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				stop()
			}
			t.handleDisconnect(err, opts.OnConnectionLost)
		}),
	}
	if opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}
	natsOpts = append(natsOpts, t.extra...)

	if opts.Will != nil {
		t.logger.Debug("Last will is not supported over NATS", "topic", opts.Will.Topic)
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(t.url, natsOpts...)
		done <- result{conn, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}

	deliveries := make(chan *nats.Msg, deliveryBuffer)

	t.mu.Lock()
	t.conn = conn
	t.deliveries = deliveries
	t.stop = stop
	t.subs = make(map[string][]*nats.Subscription)
	t.closing = false
	t.mu.Unlock()

	go t.forward(deliveries, stopCh, opts.OnMessage)
	return nil
}

func (t *Transport) handleDisconnect(err error, onLost func(error)) {
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()

	if err == nil || closing {
		return
	}
	t.logger.Warn("NATS connection lost", "error", err)
	if onLost != nil {
		onLost(err)
	}
}

func (t *Transport) forward(deliveries <-chan *nats.Msg, stop <-chan struct{}, onMessage func(messaging.Message)) {
	for {
		select {
		case <-stop:
			return
		case msg := <-deliveries:
			if onMessage != nil {
				onMessage(messaging.Message{
					Topic:   TopicFromSubject(msg.Subject),
					Payload: msg.Data,
				})
			}
		}
	}
}

// Publish sends payload on the subject of topic
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := Subject(topic)
	if err != nil {
		return err
	}
	conn, err := t.connection()
	if err != nil {
		return err
	}
	if retain {
		t.logger.Debug("Retain flag ignored over NATS", "topic", topic)
	}
	return conn.Publish(subject, payload)
}

// Subscribe subscribes to the subject form of filter
func (t *Transport) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subjects, err := filterSubjects(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil || !conn.IsConnected() {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := t.subs[filter]; ok {
		t.mu.Unlock()
		return nil
	}

	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := conn.ChanSubscribe(subject, t.deliveries)
		if err != nil {
			t.mu.Unlock()
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	t.subs[filter] = subs
	t.mu.Unlock()

	// the server must know the interest before the first publish
	return flush(ctx, conn)
}

// Unsubscribe removes the subscriptions of filters
func (t *Transport) Unsubscribe(ctx context.Context, filters ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	if conn == nil || !conn.IsConnected() {
		t.mu.Unlock()
		return ErrNotConnected
	}
	var errs []error
	for _, filter := range filters {
		for _, sub := range t.subs[filter] {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(t.subs, filter)
	}
	t.mu.Unlock()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return flush(ctx, conn)
}

// Disconnect closes the connection without notifying the loss handler
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn, stop := t.conn, t.stop
	t.closing = true
	t.conn, t.stop, t.subs = nil, nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.Close()
	stop()
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *Transport) connection() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// Subject converts an MQTT topic or filter into a NATS subject
func Subject(topic string) (string, error) {
	if topic == "" || strings.Contains(topic, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch level {
		case "":
			return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, "."), nil
}

// TopicFromSubject converts a NATS subject back into an MQTT topic
func TopicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func filterSubjects(filter string) ([]string, error) {
	subject, err := Subject(filter)
	if err != nil {
		return nil, err
	}
	subjects := []string{subject}
	if parent, ok := strings.CutSuffix(filter, "/#"); ok {
		p, err := Subject(parent)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, p)
	}
	return subjects, nil
}

// flush waits for the server to process pending protocol. FlushWithContext
// requires a deadline.
func flush(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); ok {
		return conn.FlushWithContext(ctx)
	}
	return conn.FlushTimeout(flushTimeout)
}
