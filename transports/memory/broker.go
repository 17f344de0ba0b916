// Package memory provides an in-process pub/sub broker with MQTT topic
// semantics and a messaging.Transport bound to it. State is local to the
// Broker value, which makes it suitable for tests and single-process
// embeddings.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mchat-go/messaging"
)

// ErrDropped is reported to OnConnectionLost when the broker drops a session
var ErrDropped = errors.New("memory: connection dropped by broker")

// HandlerFunc is a broker-side responder. It runs on the publishing goroutine
// without broker locks held, so it may publish itself.
type HandlerFunc func(b *Broker, msg messaging.Message)

// Publication records one message accepted by the broker
type Publication struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

type responder struct {
	filter string
	fn     HandlerFunc
}

// Broker is an in-memory broker
type Broker struct {
	mu           sync.RWMutex
	sessions     map[string]*session
	retained     map[string][]byte
	responders   []responder
	publications []Publication
	connectErr   error
	connectDelay time.Duration
	logger       *slog.Logger
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithBrokerLogger sets the logger
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		sessions: make(map[string]*session),
		retained: make(map[string][]byte),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewTransport returns a transport attached to this broker
func (b *Broker) NewTransport() *Transport {
	return &Transport{broker: b}
}

// SetConnectError makes every following Connect fail with err. nil resets.
func (b *Broker) SetConnectError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// SetConnectDelay delays the connect acknowledgement of following Connects
func (b *Broker) SetConnectDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectDelay = d
}

// Handle registers fn for every publication matching filter
func (b *Broker) Handle(filter string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders = append(b.responders, responder{filter: filter, fn: fn})
}

// Publish injects a message as if published by a server-side client
func (b *Broker) Publish(topic string, payload []byte, retain bool) {
	b.route(Publication{Topic: topic, Payload: payload, QoS: 1, Retain: retain})
}

// Publications returns a copy of every publication the broker accepted
func (b *Broker) Publications() []Publication {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Publication, len(b.publications))
	copy(out, b.publications)
	return out
}

// Retained returns the retained payload of topic
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	payload, ok := b.retained[topic]
	return payload, ok
}

// IsConnected reports whether a session with clientID is attached
func (b *Broker) IsConnected(clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[clientID]
	return ok
}

// Subscriptions returns the filters of the session with clientID
func (b *Broker) Subscriptions(clientID string) []string {
	b.mu.RLock()
	s, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.filters()
}

// Drop simulates an unclean connection loss of clientID: the will is
// published and the session's OnConnectionLost is invoked.
func (b *Broker) Drop(clientID string) bool {
	b.mu.Lock()
	s, ok := b.sessions[clientID]
	if ok {
		delete(b.sessions, clientID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	s.close()
	if s.will != nil {
		b.route(Publication{ClientID: clientID, Topic: s.will.Topic, Payload: s.will.Payload, QoS: s.will.QoS, Retain: s.will.Retain})
	}
	b.logger.Debug("Dropped session", "clientId", clientID)

	if s.onLost != nil {
		go s.onLost(ErrDropped)
	}
	return true
}

func (b *Broker) attach(ctx context.Context, s *session) error {
	b.mu.Lock()
	err, delay := b.connectErr, b.connectDelay
	b.mu.Unlock()

	if err != nil {
		return err
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.sessions[s.clientID]; exists {
		return fmt.Errorf("memory: client id %q already connected", s.clientID)
	}
	b.sessions[s.clientID] = s
	return nil
}

func (b *Broker) detach(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.clientID] == s {
		delete(b.sessions, s.clientID)
	}
}

func (b *Broker) route(pub Publication) {
	b.mu.Lock()
	b.publications = append(b.publications, pub)
	if pub.Retain {
		if len(pub.Payload) == 0 {
			delete(b.retained, pub.Topic)
		} else {
			b.retained[pub.Topic] = pub.Payload
		}
	}
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	var handlers []HandlerFunc
	for _, r := range b.responders {
		if MatchTopic(r.filter, pub.Topic) {
			handlers = append(handlers, r.fn)
		}
	}
	b.mu.Unlock()

	msg := messaging.Message{Topic: pub.Topic, Payload: pub.Payload}
	for _, s := range sessions {
		if s.matches(pub.Topic) {
			s.enqueue(msg)
		}
	}
	for _, fn := range handlers {
		fn(b, msg)
	}
}

func (b *Broker) retainedMatching(filter string) []messaging.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []messaging.Message
	for topic, payload := range b.retained {
		if MatchTopic(filter, topic) {
			out = append(out, messaging.Message{Topic: topic, Payload: payload, Retained: true})
		}
	}
	return out
}
