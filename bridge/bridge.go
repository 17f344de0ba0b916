package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mchat-go/contracts"
	"github.com/glimte/mchat-go/identity"
	"github.com/glimte/mchat-go/internal/reliability"
	"github.com/glimte/mchat-go/messaging"
)

// Publisher defines the interface for publishing request envelopes
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Bridge correlates published requests with their responses
type Bridge struct {
	publisher      Publisher
	topics         identity.Topics
	ids            *identity.CorrelationGenerator
	table          *PendingTable
	qos            byte
	defaultTimeout time.Duration
	circuitBreaker *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
}

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	MaxPendingRequests int
	DefaultTimeout     time.Duration
	QoS                byte
	Correlation        *identity.CorrelationGenerator
	Logger             *slog.Logger
	Metrics            messaging.MetricsCollector
}

// WithBridgeCircuitBreaker sets the circuit breaker for request publishes
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithBridgeRetryPolicy sets the retry policy for failed publishes
func WithBridgeRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = policy
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithDefaultTimeout sets the timeout used when a request passes none
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithQoS sets the QoS level of request publishes
func WithQoS(qos byte) BridgeOption {
	return func(c *BridgeConfig) {
		c.QoS = qos
	}
}

// WithCorrelationGenerator sets the correlation id source
func WithCorrelationGenerator(gen *identity.CorrelationGenerator) BridgeOption {
	return func(c *BridgeConfig) {
		c.Correlation = gen
	}
}

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// WithBridgeMetrics sets the metrics collector
func WithBridgeMetrics(metrics messaging.MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = metrics
	}
}

// NewBridge creates a bridge publishing on the request topics of topics
func NewBridge(publisher Publisher, topics identity.Topics, opts ...BridgeOption) (*Bridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}

	config := &BridgeConfig{
		MaxPendingRequests: 1000,
		DefaultTimeout:     30 * time.Second,
		QoS:                1,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Correlation == nil {
		config.Correlation = identity.NewCorrelationGenerator()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = &messaging.NoOpMetricsCollector{}
	}

	return &Bridge{
		publisher:      publisher,
		topics:         topics,
		ids:            config.Correlation,
		table:          NewPendingTable(config.MaxPendingRequests),
		qos:            config.QoS,
		defaultTimeout: config.DefaultTimeout,
		circuitBreaker: config.CircuitBreaker,
		retryPolicy:    config.RetryPolicy,
		logger:         config.Logger,
		metrics:        config.Metrics,
	}, nil
}

// Request sends action and returns the response data. A non-zero response
// code is returned as *contracts.RemoteError.
func (b *Bridge) Request(ctx context.Context, action string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	resp, err := b.SendAndWait(ctx, action, params, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.Err(action)
	}
	return resp.Data, nil
}

// SendAndWait publishes action and waits for the raw response, the timeout or
// the end of ctx, whichever comes first. timeout <= 0 uses the default.
func (b *Bridge) SendAndWait(ctx context.Context, action string, params map[string]any, timeout time.Duration) (*contracts.Response, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	start := time.Now()
	id := b.ids.Next()

	body, err := json.Marshal(contracts.NewRequest(action, params))
	if err != nil {
		return nil, &contracts.RequestError{Action: action, CorrelationID: id, Err: err}
	}

	pending, err := b.table.Register(id, action)
	if err != nil {
		b.record(action, nil, err, start)
		return nil, &contracts.RequestError{Action: action, CorrelationID: id, Err: err}
	}
	b.metrics.SetPending(b.table.Len())

	if err := b.publish(ctx, b.topics.Request(id), body); err != nil {
		b.table.Resolve(id, nil, err)
		b.metrics.SetPending(b.table.Len())
		b.record(action, nil, err, start)
		b.logger.Warn("Failed to publish request",
			"action", action,
			"correlationId", id,
			"error", err)
		return nil, &contracts.RequestError{Action: action, CorrelationID: id, Err: err}
	}

	b.logger.Debug("Request published", "action", action, "correlationId", id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pending.Done():
	case <-timer.C:
		b.table.Resolve(id, nil, contracts.ErrRequestTimeout)
	case <-ctx.Done():
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = contracts.ErrRequestTimeout
		}
		b.table.Resolve(id, nil, cause)
	}

	// a concurrent resolution may have won; its outcome is the result
	<-pending.Done()
	b.metrics.SetPending(b.table.Len())

	resp, err := pending.Result()
	b.record(action, resp, err, start)
	if err != nil {
		return nil, &contracts.RequestError{Action: action, CorrelationID: id, Err: err}
	}
	return resp, nil
}

// HandleResponse resolves the request waiting on correlationID with payload.
// Unknown or late ids are dropped.
func (b *Bridge) HandleResponse(correlationID string, payload []byte) {
	resp, err := contracts.DecodeResponse(payload)
	if !b.table.Resolve(correlationID, resp, err) {
		b.logger.Debug("Dropping response without pending request", "correlationId", correlationID)
		return
	}
	if err != nil {
		b.logger.Warn("Malformed response", "correlationId", correlationID, "error", err)
	}
}

// CancelAll fails every pending request with err
func (b *Bridge) CancelAll(err error) int {
	n := b.table.CancelAll(err)
	if n > 0 {
		b.logger.Info("Cancelled pending requests", "count", n, "reason", err)
	}
	b.metrics.SetPending(0)
	return n
}

// PendingCount returns the number of pending requests
func (b *Bridge) PendingCount() int {
	return b.table.Len()
}

func (b *Bridge) publish(ctx context.Context, topic string, body []byte) error {
	publish := func() error {
		return b.publisher.Publish(ctx, topic, body, b.qos, false)
	}

	withRetry := func() error {
		if b.retryPolicy != nil {
			return reliability.Retry(ctx, b.retryPolicy, publish)
		}
		return publish()
	}

	if b.circuitBreaker != nil {
		return b.circuitBreaker.Execute(ctx, withRetry)
	}
	return withRetry()
}

func (b *Bridge) record(action string, resp *contracts.Response, err error, start time.Time) {
	b.metrics.RecordRequest(action, outcome(resp, err), time.Since(start))
}

func outcome(resp *contracts.Response, err error) string {
	switch {
	case err == nil && resp != nil && resp.IsSuccess():
		return messaging.OutcomeSuccess
	case err == nil:
		return messaging.OutcomeRemoteError
	case errors.Is(err, contracts.ErrRequestTimeout):
		return messaging.OutcomeTimeout
	case errors.Is(err, contracts.ErrDisconnected):
		return messaging.OutcomeDisconnected
	default:
		return messaging.OutcomeError
	}
}
