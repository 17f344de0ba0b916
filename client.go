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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mchat-go/bridge"
	"github.com/glimte/mchat-go/contracts"
	"github.com/glimte/mchat-go/identity"
	"github.com/glimte/mchat-go/internal/reliability"
	"github.com/glimte/mchat-go/messaging"
)

const actionAuthBind = "auth.bind"

// Client is one mchat session on a pub/sub transport
type Client struct {
	transport  messaging.Transport
	identity   identity.Identity
	topics     identity.Topics
	bridge     *bridge.Bridge
	listeners  *messaging.Listeners
	dispatcher *messaging.Dispatcher
	logger     *slog.Logger
	metrics    messaging.MetricsCollector
	cfg        *clientConfig

	mu        sync.Mutex
	state     State
	session   *session
	groups    map[string]struct{}
	reconnect *reconnectHandle
	pass      *connectPass
}

type reconnectHandle struct {
	cancel context.CancelFunc
}

// connectPass is the Connect call in flight while the state is connecting.
// Disconnect aborts it and waits on done.
type connectPass struct {
	abort   context.CancelFunc
	aborted bool
	done    chan struct{}
}

// session is the inbound path of one connect pass. Transport callbacks bound
// to a stale session are discarded once its stop channel is closed.
type session struct {
	inbound  chan messaging.Message
	lost     chan error
	stop     chan struct{}
	stopOnce sync.Once
}

func newSession() *session {
	return &session{
		inbound: make(chan messaging.Message, 256),
		lost:    make(chan error, 1),
		stop:    make(chan struct{}),
	}
}

func (s *session) deliver(msg messaging.Message) {
	select {
	case s.inbound <- msg:
	case <-s.stop:
	}
}

func (s *session) connectionLost(err error) {
	select {
	case s.lost <- err:
	case <-s.stop:
	default:
	}
}

func (s *session) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// NewClient creates a client for principalID on transport. The transport is
// not connected until Connect is called.
func NewClient(transport messaging.Transport, principalID string, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	cfg := defaultClientConfig()
	for _, opt := range options {
		opt(cfg)
	}

	id, err := identity.New(principalID, cfg.clientID, cfg.deviceID)
	if err != nil {
		return nil, err
	}
	id = id.WithCredentials(cfg.username, cfg.password)
	topics := identity.NewTopics(id)
	logger := cfg.logger.With("clientId", id.ClientID)

	bridgeOpts := []bridge.BridgeOption{
		bridge.WithDefaultTimeout(cfg.requestTimeout),
		bridge.WithMaxPendingRequests(cfg.maxPending),
		bridge.WithQoS(cfg.qos),
		bridge.WithBridgeLogger(logger),
		bridge.WithBridgeMetrics(cfg.metrics),
	}
	if cfg.retryPolicy != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithBridgeRetryPolicy(cfg.retryPolicy))
	}
	if cfg.circuitBreaker != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithBridgeCircuitBreaker(cfg.circuitBreaker))
	}
	b, err := bridge.NewBridge(transport, topics, bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	listeners := messaging.NewListeners(messaging.WithListenersLogger(logger))
	dispatcher := messaging.NewDispatcher(topics, b, listeners,
		messaging.WithDispatcherLogger(logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
		messaging.WithDispatcherInterceptors(cfg.eventChain),
	)

	return &Client{
		transport:  transport,
		identity:   id,
		topics:     topics,
		bridge:     b,
		listeners:  listeners,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    cfg.metrics,
		cfg:        cfg,
		state:      StateDisconnected,
		groups:     make(map[string]struct{}),
	}, nil
}

// Connect opens the session: transport connect with the offline will,
// subscriptions, online presence and auth.bind. Connect on a connected client
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateDisconnecting:
		c.mu.Unlock()
		return contracts.ErrAlreadyConnecting
	}
	c.state = StateConnecting
	sess := newSession()
	c.session = sess
	passCtx, abort := context.WithCancel(ctx)
	pass := &connectPass{abort: abort, done: make(chan struct{})}
	c.pass = pass
	groups := c.groupTopics()
	c.mu.Unlock()

	c.logger.Info("Connecting", "broker", c.cfg.brokerAddress)
	go c.run(sess)

	var bindErr error
	err := c.open(passCtx, sess, groups)
	if err == nil && !c.cfg.skipAuthBind {
		bindErr = c.bind(passCtx)
	}

	c.mu.Lock()
	switch {
	case err != nil:
	case pass.aborted:
		err = c.connectionError("connect", context.Canceled)
		bindErr = nil
	case c.session != sess:
		// lost while connecting
		err = c.connectionError("connect", contracts.ErrDisconnected)
	}
	if err != nil {
		owned := c.session == sess
		if owned {
			c.session = nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		sess.close()
		if owned {
			c.bridge.CancelAll(contracts.ErrDisconnected)
			c.closeTransport(ctx)
		}
		c.finishPass(pass)
		c.metrics.RecordConnection(messaging.ConnectionFailed)
		c.logger.Error("Connect failed", "error", err)
		return err
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.finishPass(pass)

	c.metrics.RecordConnection(messaging.ConnectionConnected)
	c.logger.Info("Connected", "principalId", c.identity.PrincipalID, "groups", len(groups))
	if bindErr != nil {
		c.listeners.EmitError(bindErr)
	}
	c.listeners.EmitConnect()
	return nil
}

// finishPass releases a Disconnect waiting on pass. It runs before any
// listener so a listener may call Disconnect.
func (c *Client) finishPass(pass *connectPass) {
	pass.abort()
	c.mu.Lock()
	if c.pass == pass {
		c.pass = nil
	}
	c.mu.Unlock()
	close(pass.done)
}

func (c *Client) open(ctx context.Context, sess *session, groups []string) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	offline, err := json.Marshal(contracts.NewPresence(contracts.StatusOffline))
	if err != nil {
		return err
	}

	err = c.transport.Connect(connectCtx, messaging.ConnectOptions{
		ClientID: c.identity.ClientID,
		Username: c.identity.Username,
		Password: c.identity.Password,
		Will: &messaging.Will{
			Topic:   c.topics.Status(),
			Payload: offline,
			QoS:     c.cfg.qos,
			Retain:  true,
		},
		OnMessage:        sess.deliver,
		OnConnectionLost: sess.connectionLost,
	})
	if err != nil {
		return c.connectionError("connect", fmt.Errorf("%w: %w", connectCause(ctx, connectCtx, err), err))
	}

	filters := append([]string{c.topics.ResponseFilter(), c.topics.Inbox()}, groups...)
	for _, filter := range filters {
		if err := c.transport.Subscribe(connectCtx, filter, c.cfg.qos); err != nil {
			return c.connectionError("subscribe "+filter, err)
		}
	}

	if err := c.publishPresence(connectCtx, contracts.StatusOnline); err != nil {
		return c.connectionError("publish presence", err)
	}
	return nil
}

func connectCause(ctx, connectCtx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(connectCtx.Err(), context.DeadlineExceeded):
		return contracts.ErrConnectTimeout
	default:
		return contracts.ErrConnectRefused
	}
}

// bind announces the principal to the server. The returned failure is
// reported to error listeners and never aborts the connect.
func (c *Client) bind(ctx context.Context) error {
	resp, err := c.bridge.SendAndWait(ctx, actionAuthBind,
		map[string]any{"employee_id": c.identity.PrincipalID},
		c.cfg.requestTimeout)

	var bindErr *contracts.BindError
	switch {
	case err != nil:
		bindErr = &contracts.BindError{Err: err}
	case !resp.IsSuccess():
		bindErr = &contracts.BindError{Code: resp.Code, Message: resp.Message}
	default:
		c.logger.Debug("Bound principal", "principalId", c.identity.PrincipalID)
		return nil
	}

	c.logger.Warn("auth.bind failed", "error", bindErr)
	return bindErr
}

// Disconnect ends the session: pending requests fail with ErrDisconnected,
// subscriptions are removed and offline presence is published before the
// transport is closed. Disconnect on a disconnected client is a no-op.
// A connect in progress, including an auto-reconnect pass, is aborted and
// Disconnect waits for it to wind down.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.cancel()
		c.reconnect = nil
	}
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		pass := c.pass
		pass.aborted = true
		c.mu.Unlock()
		c.logger.Info("Aborting connect")
		pass.abort()
		select {
		case <-pass.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateDisconnecting:
		c.mu.Unlock()
		return contracts.ErrAlreadyConnecting
	}
	c.state = StateDisconnecting
	sess := c.session
	c.session = nil
	groups := c.groupTopics()
	c.mu.Unlock()

	c.logger.Info("Disconnecting")
	if n := c.bridge.CancelAll(contracts.ErrDisconnected); n > 0 {
		c.logger.Debug("Failed in-flight requests", "count", n)
	}

	disconnectCtx, cancel := context.WithTimeout(ctx, c.cfg.disconnectTimeout)
	defer cancel()

	filters := append([]string{c.topics.ResponseFilter(), c.topics.Inbox()}, groups...)
	if err := c.transport.Unsubscribe(disconnectCtx, filters...); err != nil {
		c.logger.Debug("Unsubscribe failed", "error", err)
	}
	if err := c.publishPresence(disconnectCtx, contracts.StatusOffline); err != nil {
		c.logger.Debug("Offline presence failed", "error", err)
	}

	if sess != nil {
		sess.close()
	}
	err := c.transport.Disconnect(disconnectCtx)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.metrics.RecordConnection(messaging.ConnectionDisconnected)
	c.logger.Info("Disconnected")
	c.listeners.EmitDisconnect(nil)

	if err != nil {
		return c.connectionError("disconnect", err)
	}
	return nil
}

// run is the dispatch loop of one session
func (c *Client) run(sess *session) {
	for {
		select {
		case msg := <-sess.inbound:
			c.dispatcher.Dispatch(msg)
		case cause := <-sess.lost:
			c.handleLost(sess, cause)
			return
		case <-sess.stop:
			return
		}
	}
}

func (c *Client) handleLost(sess *session, cause error) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	prev := c.state
	c.state = StateDisconnected
	reconnect := c.cfg.reconnectPolicy != nil && prev == StateConnected
	c.mu.Unlock()

	sess.close()
	if cause == nil {
		cause = errors.New("connection lost")
	}
	connErr := c.connectionError("connection lost", fmt.Errorf("%w: %w", contracts.ErrDisconnected, cause))
	n := c.bridge.CancelAll(connErr)

	c.metrics.RecordConnection(messaging.ConnectionLost)
	c.logger.Warn("Connection lost", "error", cause, "cancelled", n, "state", prev.String())

	if prev != StateConnected {
		// Connect reports the failure to its caller
		return
	}
	c.listeners.EmitError(connErr)
	c.listeners.EmitDisconnect(connErr)

	if reconnect {
		c.startReconnect()
	}
}

func (c *Client) startReconnect() {
	c.mu.Lock()
	if c.reconnect != nil || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &reconnectHandle{cancel: cancel}
	c.reconnect = handle
	c.mu.Unlock()

	go func() {
		defer cancel()

		err := reliability.Retry(ctx, c.cfg.reconnectPolicy, func() error {
			c.metrics.RecordConnection(messaging.ConnectionReconnecting)
			err := c.Connect(ctx)
			if errors.Is(err, contracts.ErrAlreadyConnecting) {
				// someone else owns the lifecycle now
				return reliability.Permanent(err)
			}
			return err
		})

		c.mu.Lock()
		if c.reconnect == handle {
			c.reconnect = nil
		}
		c.mu.Unlock()

		if err == nil {
			c.logger.Info("Reconnected")
			return
		}
		if ctx.Err() == nil && !errors.Is(err, contracts.ErrAlreadyConnecting) {
			c.logger.Error("Reconnect abandoned", "error", err)
			c.listeners.EmitError(err)
		}
	}()
}

func (c *Client) publishPresence(ctx context.Context, status string) error {
	payload, err := json.Marshal(contracts.NewPresence(status))
	if err != nil {
		return err
	}
	return c.transport.Publish(ctx, c.topics.Status(), payload, c.cfg.qos, true)
}

func (c *Client) closeTransport(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.disconnectTimeout)
	defer cancel()
	if err := c.transport.Disconnect(closeCtx); err != nil {
		c.logger.Debug("Transport close failed", "error", err)
	}
}

func (c *Client) connectionError(op string, err error) error {
	return &contracts.ConnectionError{
		Op:        op,
		Broker:    c.cfg.brokerAddress,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// groupTopics must be called with mu held
func (c *Client) groupTopics() []string {
	out := make([]string, 0, len(c.groups))
	for id := range c.groups {
		out = append(out, c.topics.Group(id))
	}
	sort.Strings(out)
	return out
}

// State returns the lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the transport client id
func (c *Client) ClientID() string {
	return c.identity.ClientID
}

// PrincipalID returns the principal (employee) id
func (c *Client) PrincipalID() string {
	return c.identity.PrincipalID
}

// Topics returns the topic set of this session
func (c *Client) Topics() identity.Topics {
	return c.topics
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// PendingRequests returns the number of requests awaiting a response
func (c *Client) PendingRequests() int {
	return c.bridge.PendingCount()
}

// OnConnect registers fn to run after every successful connect. The client
// is already connected when fn runs, so fn may issue requests.
func (c *Client) OnConnect(fn func()) *messaging.Registration {
	return c.listeners.OnConnect(fn)
}

// OnDisconnect registers fn to run when the session ends. The error is nil
// after Disconnect and the cause after a connection loss.
func (c *Client) OnDisconnect(fn func(error)) *messaging.Registration {
	return c.listeners.OnDisconnect(fn)
}

// OnInbox registers fn for private messages. Handlers run on the dispatch
// goroutine and must not wait on Request; start a goroutine instead.
func (c *Client) OnInbox(fn messaging.InboxHandler) *messaging.Registration {
	return c.listeners.OnInbox(fn)
}

// OnGroup registers fn for messages of joined groups
func (c *Client) OnGroup(fn messaging.GroupHandler) *messaging.Registration {
	return c.listeners.OnGroup(fn)
}

// OnError registers fn for asynchronous errors: failing listeners, bind
// failures and connection loss.
func (c *Client) OnError(fn func(error)) *messaging.Registration {
	return c.listeners.OnError(fn)
}
