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
	"fmt"
	"net/url"

	"github.com/glimte/mchat-go/config"
	"github.com/glimte/mchat-go/messaging"
	"github.com/glimte/mchat-go/transports/mqtt"
	"github.com/glimte/mchat-go/transports/nats"
	"github.com/glimte/mchat-go/transports/rabbitmq"
)

// NewClientFromConfig builds the transport selected by cfg and a client on
// it. opts are applied after the settings taken from cfg.
func NewClientFromConfig(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	resolved := defaultClientConfig()
	for _, opt := range opts {
		opt(resolved)
	}
	logger := resolved.logger

	var (
		transport messaging.Transport
		err       error
	)
	switch cfg.Transport {
	case config.TransportAMQP:
		transport, err = rabbitmq.NewTransport(cfg.BrokerURL(), rabbitmq.WithLogger(logger))
	case config.TransportNATS:
		transport, err = nats.NewTransport(cfg.BrokerURL(), nats.WithLogger(logger))
	default:
		transport, err = mqtt.NewTransport(cfg.BrokerURL(), mqtt.WithLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Transport, err)
	}

	configured := []ClientOption{
		WithClientID(cfg.ClientID),
		WithDeviceID(cfg.DeviceID),
		WithCredentials(cfg.Username, cfg.Password),
		WithBrokerAddress(redactedAddress(cfg)),
		WithRequestTimeout(cfg.RequestTimeout),
		WithConnectTimeout(cfg.ConnectTimeout),
		WithSkipAuthBind(cfg.SkipAuthBind),
	}
	if cfg.AutoReconnect {
		configured = append(configured, WithAutoReconnect(cfg.ReconnectDelay))
	}

	return NewClient(transport, cfg.Principal(), append(configured, opts...)...)
}

func redactedAddress(cfg *config.Config) string {
	u, err := url.Parse(cfg.BrokerURL())
	if err != nil {
		return cfg.BrokerHost
	}
	return u.Redacted()
}
