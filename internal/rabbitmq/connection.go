package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns one RabbitMQ connection
type ConnectionManager struct {
	url            string
	name           string
	dialTimeout    time.Duration
	conn           *amqp.Connection
	mu             sync.RWMutex
	logger         *slog.Logger
	isConnected    bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout bounds the dial when the context carries no deadline
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	connCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, cm.dialTimeout)
		defer cancel()
	}

	config := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if cm.name != "" {
		config.Properties.SetClientConnectionName(cm.name)
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, config)
		if err != nil {
			errChan <- err
			return
		}
		// the caller may have given up already
		select {
		case connChan <- conn:
		case <-connCtx.Done():
			_ = conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		cm.conn = conn
		cm.isConnected = true
		cm.done = make(chan struct{})
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(cm.url))

		cm.notifyConnected()
		go cm.watch(conn, notifyClose, cm.done)

		return nil

	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		err := connCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectionTimeout
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection. State listeners are not notified.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}

	return nil
}

// watch reports an unexpected close of conn
func (cm *ConnectionManager) watch(conn *amqp.Connection, notifyClose chan *amqp.Error, done chan struct{}) {
	select {
	case amqpErr, ok := <-notifyClose:
		cm.mu.Lock()
		current := cm.conn == conn && cm.isConnected
		if current {
			cm.isConnected = false
			cm.conn = nil
			close(cm.done)
		}
		cm.mu.Unlock()

		if !current {
			return
		}

		var err error = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cm.logger.Error("connection closed", "error", err)
		cm.notifyDisconnected(err)

	case <-done:
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
