// Package config loads client settings from MCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
)

// Transport names accepted in MCHAT_TRANSPORT
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
	TransportNATS = "nats"
)

// Config holds the settings of one chat client. Zero values fall back to the
// defaults in the struct tags when decoded from the environment.
type Config struct {
	// Transport is mqtt, amqp or nats. ENV: MCHAT_TRANSPORT
	Transport string `env:"MCHAT_TRANSPORT,default=mqtt"`
	// BrokerHost ENV: MCHAT_BROKER_HOST
	BrokerHost string `env:"MCHAT_BROKER_HOST,default=localhost"`
	// BrokerPort of 0 selects the transport's standard port. ENV: MCHAT_BROKER_PORT
	BrokerPort int `env:"MCHAT_BROKER_PORT"`
	// UseTLS ENV: MCHAT_USE_TLS
	UseTLS bool `env:"MCHAT_USE_TLS"`

	Username string `env:"MCHAT_USERNAME"`
	Password string `env:"MCHAT_PASSWORD"`
	// EmployeeID is the principal id; defaults to Username. ENV: MCHAT_EMPLOYEE_ID
	EmployeeID string `env:"MCHAT_EMPLOYEE_ID"`
	ClientID   string `env:"MCHAT_CLIENT_ID"`
	DeviceID   string `env:"MCHAT_DEVICE_ID,default=go"`

	RequestTimeout time.Duration `env:"MCHAT_REQUEST_TIMEOUT,default=30s"`
	ConnectTimeout time.Duration `env:"MCHAT_CONNECT_TIMEOUT,default=15s"`
	SkipAuthBind   bool          `env:"MCHAT_SKIP_AUTH_BIND"`
	AutoReconnect  bool          `env:"MCHAT_AUTO_RECONNECT"`
	ReconnectDelay time.Duration `env:"MCHAT_RECONNECT_DELAY,default=5s"`
}

// Load decodes a Config from the environment and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMQTT, TransportAMQP, TransportNATS:
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.BrokerHost == "" {
		return errors.New("broker host is required")
	}
	if c.BrokerPort < 0 || c.BrokerPort > 65535 {
		return fmt.Errorf("invalid broker port %d", c.BrokerPort)
	}
	if c.Principal() == "" {
		return errors.New("employee id or username is required")
	}
	if c.RequestTimeout < 0 || c.ConnectTimeout < 0 || c.ReconnectDelay < 0 {
		return errors.New("timeouts cannot be negative")
	}
	return nil
}

// Principal returns the employee id, falling back to the username
func (c *Config) Principal() string {
	if c.EmployeeID != "" {
		return c.EmployeeID
	}
	return c.Username
}

// Port returns the configured port or the transport's standard one
func (c *Config) Port() int {
	if c.BrokerPort != 0 {
		return c.BrokerPort
	}
	switch c.Transport {
	case TransportAMQP:
		if c.UseTLS {
			return 5671
		}
		return 5672
	case TransportNATS:
		return 4222
	default:
		if c.UseTLS {
			return 8883
		}
		return 1883
	}
}

// BrokerURL returns the broker URL in the form the selected transport
// expects. AMQP credentials are embedded in the URL.
func (c *Config) BrokerURL() string {
	hostPort := net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.Port()))
	switch c.Transport {
	case TransportAMQP:
		u := url.URL{Scheme: "amqp", Host: hostPort, Path: "/"}
		if c.UseTLS {
			u.Scheme = "amqps"
		}
		if c.Username != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		}
		return u.String()
	case TransportNATS:
		if c.UseTLS {
			return "tls://" + hostPort
		}
		return "nats://" + hostPort
	default:
		if c.UseTLS {
			return "ssl://" + hostPort
		}
		return "tcp://" + hostPort
	}
}
