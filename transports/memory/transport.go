package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/glimte/mchat-go/messaging"
)

// ErrNotConnected is returned by operations on a transport without a session
var ErrNotConnected = errors.New("memory: not connected")

// session is one broker connection. Deliveries are queued without bound and
// handed to OnMessage in order by a single goroutine, so publishers never
// block on a slow consumer.
type session struct {
	clientID  string
	will      *messaging.Will
	onMessage func(messaging.Message)
	onLost    func(error)

	mu     sync.Mutex
	subs   map[string]struct{}
	queue  []messaging.Message
	closed bool
	notify chan struct{}
	stop   chan struct{}
}

func newSession(opts messaging.ConnectOptions) *session {
	return &session{
		clientID:  opts.ClientID,
		will:      opts.Will,
		onMessage: opts.OnMessage,
		onLost:    opts.OnConnectionLost,
		subs:      make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (s *session) run() {
	for {
		select {
		case <-s.notify:
		case <-s.stop:
			return
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.onMessage != nil {
				s.onMessage(msg)
			}
		}
	}
}

func (s *session) enqueue(msg messaging.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.stop)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for filter := range s.subs {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (s *session) filters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for filter := range s.subs {
		out = append(out, filter)
	}
	sort.Strings(out)
	return out
}

// Transport implements messaging.Transport on a Broker
type Transport struct {
	broker *Broker

	mu      sync.Mutex
	session *session
}

var _ messaging.Transport = (*Transport)(nil)

// Connect attaches a new session to the broker
func (t *Transport) Connect(ctx context.Context, opts messaging.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil && !t.session.isClosed() {
		return errors.New("memory: already connected")
	}

	s := newSession(opts)
	if err := t.broker.attach(ctx, s); err != nil {
		return err
	}
	t.session = s
	go s.run()
	return nil
}

// Publish routes payload through the broker
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	s, err := t.active(ctx)
	if err != nil {
		return err
	}
	t.broker.route(Publication{ClientID: s.clientID, Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	return nil
}

// Subscribe adds filter and delivers matching retained messages
func (t *Transport) Subscribe(ctx context.Context, filter string, qos byte) error {
	s, err := t.active(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[filter] = struct{}{}
	s.mu.Unlock()

	for _, msg := range t.broker.retainedMatching(filter) {
		s.enqueue(msg)
	}
	return nil
}

// Unsubscribe removes filters
func (t *Transport) Unsubscribe(ctx context.Context, filters ...string) error {
	s, err := t.active(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, filter := range filters {
		delete(s.subs, filter)
	}
	s.mu.Unlock()
	return nil
}

// Disconnect detaches the session without publishing the will
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	t.broker.detach(s)
	s.close()
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil && !t.session.isClosed()
}

func (t *Transport) active(ctx context.Context) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	if s == nil || s.isClosed() {
		return nil, ErrNotConnected
	}
	return s, nil
}
