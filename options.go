// Copyright 2024 mchat Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mchat

import (
	"log/slog"
	"time"

	"github.com/glimte/mchat-go/interceptors"
	"github.com/glimte/mchat-go/internal/reliability"
	"github.com/glimte/mchat-go/messaging"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultConnectTimeout    = 15 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultMaxPending        = 1000
)

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	metrics           messaging.MetricsCollector
	clientID          string
	deviceID          string
	username          string
	password          string
	brokerAddress     string
	requestTimeout    time.Duration
	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	qos               byte
	skipAuthBind      bool
	maxPending        int
	reconnectPolicy   reliability.RetryPolicy
	retryPolicy       reliability.RetryPolicy
	circuitBreaker    *reliability.CircuitBreaker
	eventChain        *interceptors.Chain
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		logger:            slog.Default(),
		metrics:           &messaging.NoOpMetricsCollector{},
		requestTimeout:    defaultRequestTimeout,
		connectTimeout:    defaultConnectTimeout,
		disconnectTimeout: defaultDisconnectTimeout,
		qos:               1,
		maxPending:        defaultMaxPending,
	}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithClientID sets a fixed client id instead of a generated one
func WithClientID(clientID string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clientID = clientID
	}
}

// WithDeviceID sets the device part of generated client ids
func WithDeviceID(deviceID string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deviceID = deviceID
	}
}

// WithCredentials sets the broker credentials
func WithCredentials(username, password string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.username = username
		cfg.password = password
	}
}

// WithBrokerAddress sets the broker address reported in connection errors
func WithBrokerAddress(address string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.brokerAddress = address
	}
}

// WithRequestTimeout sets the default request timeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.requestTimeout = timeout
		}
	}
}

// WithConnectTimeout bounds Connect including subscriptions
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.connectTimeout = timeout
		}
	}
}

// WithQoS sets the QoS level of subscriptions, requests and presence
func WithQoS(qos byte) ClientOption {
	return func(cfg *clientConfig) {
		cfg.qos = qos
	}
}

// WithSkipAuthBind disables the auth.bind request issued on connect
func WithSkipAuthBind(skip bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.skipAuthBind = skip
	}
}

// WithMaxPendingRequests limits concurrent in-flight requests. 0 disables the limit.
func WithMaxPendingRequests(max int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxPending = max
	}
}

// WithAutoReconnect reconnects after an unclean connection loss, backing
// off exponentially from delay until connected or Disconnect is called.
func WithAutoReconnect(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if delay <= 0 {
			delay = defaultReconnectDelay
		}
		cfg.reconnectPolicy = reliability.NewExponentialBackoff(delay, 12*delay, 2.0, -1)
	}
}

// WithPublishRetry retries failed request publishes up to maxRetries times
func WithPublishRetry(maxRetries int, delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = reliability.NewExponentialBackoff(delay, 10*delay, 2.0, maxRetries)
	}
}

// WithCircuitBreaker stops publishing requests after threshold consecutive
// publish failures and probes again after timeout.
func WithCircuitBreaker(threshold int, timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.circuitBreaker = reliability.NewCircuitBreaker(
			reliability.WithName("request-publish"),
			reliability.WithFailureThreshold(threshold),
			reliability.WithTimeout(timeout),
		)
	}
}

// WithEventInterceptors runs inbox and group events through chain before
// the listeners see them
func WithEventInterceptors(chain *interceptors.Chain) ClientOption {
	return func(cfg *clientConfig) {
		cfg.eventChain = chain
	}
}
