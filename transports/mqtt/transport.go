// Package mqtt implements messaging.Transport on an MQTT 3.1.1 broker using
// the Eclipse Paho client. A fresh Paho client is created for every Connect,
// carrying the session's client id, credentials and last will.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/glimte/mchat-go/messaging"
)

// ErrNotConnected is returned by operations on a transport without a connection
var ErrNotConnected = errors.New("mqtt: not connected")

// Transport implements messaging.Transport for MQTT
type Transport struct {
	brokerURL    string
	cleanSession bool
	keepAlive    time.Duration
	quiesce      time.Duration
	tlsConfig    *tls.Config
	logger       *slog.Logger

	mu     sync.Mutex
	client paho.Client
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	CleanSession bool
	KeepAlive    time.Duration
	Quiesce      time.Duration
	TLSConfig    *tls.Config
	Logger       *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithCleanSession controls whether the broker discards session state on connect
func WithCleanSession(clean bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.CleanSession = clean
	}
}

// WithKeepAlive sets the keepalive interval
func WithKeepAlive(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.KeepAlive = d
	}
}

// WithQuiesce sets how long Disconnect waits for in-flight work
func WithQuiesce(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Quiesce = d
	}
}

// WithTLSConfig sets the TLS configuration for ssl:// brokers
func WithTLSConfig(tlsConfig *tls.Config) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TLSConfig = tlsConfig
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a transport for brokerURL (tcp://host:port or
// ssl://host:port). No connection is made until Connect.
func NewTransport(brokerURL string, options ...TransportOption) (*Transport, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("broker url %q has no host", brokerURL)
	}

	cfg := &TransportConfig{
		KeepAlive: 60 * time.Second,
		Quiesce:   250 * time.Millisecond,
		Logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Transport{
		brokerURL:    brokerURL,
		cleanSession: cfg.CleanSession,
		keepAlive:    cfg.KeepAlive,
		quiesce:      cfg.Quiesce,
		tlsConfig:    cfg.TLSConfig,
		logger:       cfg.Logger,
	}, nil
}

// Connect opens a new MQTT connection
func (t *Transport) Connect(ctx context.Context, opts messaging.ConnectOptions) error {
	t.mu.Lock()
	if t.client != nil && t.client.IsConnectionOpen() {
		t.mu.Unlock()
		return errors.New("mqtt: already connected")
	}
	t.mu.Unlock()

	clientOpts := paho.NewClientOptions().
		AddBroker(t.brokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(t.cleanSession).
		SetKeepAlive(t.keepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)

	if deadline, ok := ctx.Deadline(); ok {
		clientOpts.SetConnectTimeout(time.Until(deadline))
	}
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if t.tlsConfig != nil {
		clientOpts.SetTLSConfig(t.tlsConfig)
	}
	if opts.Will != nil {
		clientOpts.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retain)
	}

	onMessage := opts.OnMessage
	clientOpts.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		if onMessage == nil {
			return
		}
		onMessage(messaging.Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Retained: m.Retained(),
		})
	})

	onLost := opts.OnConnectionLost
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		t.logger.Warn("MQTT connection lost", "clientId", opts.ClientID, "error", err)
		if onLost != nil {
			onLost(err)
		}
	})

	client := paho.NewClient(clientOpts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return err
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Debug("MQTT connected", "broker", t.brokerURL, "clientId", opts.ClientID)
	return nil
}

// Publish sends payload to topic
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, err := t.active()
	if err != nil {
		return err
	}
	return wait(ctx, client.Publish(topic, qos, retain, payload))
}

// Subscribe adds a subscription. Deliveries go through the connection's
// default publish handler.
func (t *Transport) Subscribe(ctx context.Context, filter string, qos byte) error {
	client, err := t.active()
	if err != nil {
		return err
	}
	return wait(ctx, client.Subscribe(filter, qos, nil))
}

// Unsubscribe removes subscriptions
func (t *Transport) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	client, err := t.active()
	if err != nil {
		return err
	}
	return wait(ctx, client.Unsubscribe(filters...))
}

// Disconnect closes the connection cleanly so the broker drops the will
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil
	}

	quiesce := t.quiesce
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < quiesce {
			quiesce = remaining
		}
	}
	if quiesce < 0 {
		quiesce = 0
	}
	client.Disconnect(uint(quiesce / time.Millisecond))
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *Transport) active() (paho.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// wait blocks until tok completes or ctx is done
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
