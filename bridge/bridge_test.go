package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mchat-go/contracts"
	"github.com/glimte/mchat-go/identity"
	"github.com/glimte/mchat-go/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	args := m.Called(ctx, topic, payload, qos, retain)
	return args.Error(0)
}

func testTopics(t *testing.T) identity.Topics {
	t.Helper()
	id, err := identity.New("E1001", "E1001_go_abc12345", "")
	require.NoError(t, err)
	return identity.NewTopics(id)
}

func correlationID(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}

// respondWith makes the publisher answer every request with body
func respondWith(b **Bridge, body string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		id := correlationID(args.String(1))
		go (*b).HandleResponse(id, []byte(body))
	}
}

func TestNewBridge(t *testing.T) {
	t.Run("rejects nil publisher", func(t *testing.T) {
		b, err := NewBridge(nil, testTopics(t))

		assert.Error(t, err)
		assert.Nil(t, b)
	})

	t.Run("applies options", func(t *testing.T) {
		b, err := NewBridge(&mockPublisher{}, testTopics(t),
			WithDefaultTimeout(time.Second),
			WithMaxPendingRequests(5),
			WithQoS(0))

		require.NoError(t, err)
		assert.Equal(t, time.Second, b.defaultTimeout)
		assert.Equal(t, 5, b.table.maxPending)
		assert.Equal(t, byte(0), b.qos)
	})
}

func TestBridgeRequest(t *testing.T) {
	t.Run("echo round trip returns data", func(t *testing.T) {
		topics := testTopics(t)
		pub := &mockPublisher{}
		var b *Bridge
		pub.On("Publish", mock.Anything, mock.MatchedBy(func(topic string) bool {
			return strings.HasPrefix(topic, identity.RequestRoot+"/E1001_go_abc12345/seq_")
		}), mock.Anything, byte(1), false).
			Run(respondWith(&b, `{"code":0,"data":{"x":1}}`)).
			Return(nil)

		b, _ = NewBridge(pub, topics)
		data, err := b.Request(context.Background(), "echo", map[string]any{"x": 1}, time.Second)

		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1}`, string(data))
		assert.Equal(t, 0, b.PendingCount())
		pub.AssertExpectations(t)
	})

	t.Run("request envelope is flat", func(t *testing.T) {
		pub := &mockPublisher{}
		var b *Bridge
		var sent []byte
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				sent = args.Get(2).([]byte)
				respondWith(&b, `{"code":0}`)(args)
			}).
			Return(nil)

		b, _ = NewBridge(pub, testTopics(t))
		_, err := b.Request(context.Background(), "msg.send_private", map[string]any{"to": "E2"}, time.Second)

		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"msg.send_private","to":"E2"}`, string(sent))
	})

	t.Run("non-zero code becomes RemoteError", func(t *testing.T) {
		pub := &mockPublisher{}
		var b *Bridge
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(respondWith(&b, `{"code":1,"message":"bad params","data":null}`)).
			Return(nil)

		b, _ = NewBridge(pub, testTopics(t))
		_, err := b.Request(context.Background(), "msg.send_private", nil, time.Second)

		remote, ok := contracts.IsRemote(err)
		require.True(t, ok)
		assert.Equal(t, 1, remote.Code)
		assert.Equal(t, "bad params", remote.Message)
		assert.Equal(t, "msg.send_private", remote.Action)
	})

	t.Run("SendAndWait returns the raw response for non-zero codes", func(t *testing.T) {
		pub := &mockPublisher{}
		var b *Bridge
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(respondWith(&b, `{"code":401,"message":"unauthorized"}`)).
			Return(nil)

		b, _ = NewBridge(pub, testTopics(t))
		resp, err := b.SendAndWait(context.Background(), "auth.bind", nil, time.Second)

		require.NoError(t, err)
		assert.Equal(t, contracts.CodeUnauthorized, resp.Code)
	})

	t.Run("timeout removes the slot and drops the late response", func(t *testing.T) {
		pub := &mockPublisher{}
		var lastID string
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { lastID = correlationID(args.String(1)) }).
			Return(nil)

		b, _ := NewBridge(pub, testTopics(t))
		start := time.Now()
		_, err := b.Request(context.Background(), "echo", nil, 100*time.Millisecond)

		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
		assert.True(t, contracts.IsTimeout(err))
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, 0, b.PendingCount())

		assert.NotPanics(t, func() {
			b.HandleResponse(lastID, []byte(`{"code":0}`))
		})
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("context deadline maps to request timeout", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		b, _ := NewBridge(pub, testTopics(t))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := b.Request(ctx, "echo", nil, time.Minute)

		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("context cancel returns context error", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		b, _ := NewBridge(pub, testTopics(t))
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := b.Request(ctx, "echo", nil, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("publish failure removes the slot", func(t *testing.T) {
		pub := &mockPublisher{}
		boom := errors.New("broker gone")
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(boom)

		b, _ := NewBridge(pub, testTopics(t))
		_, err := b.Request(context.Background(), "echo", nil, time.Second)

		var reqErr *contracts.RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, "echo", reqErr.Action)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("malformed response resolves with ErrMalformedResponse", func(t *testing.T) {
		pub := &mockPublisher{}
		var b *Bridge
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(respondWith(&b, `not json`)).
			Return(nil)

		b, _ = NewBridge(pub, testTopics(t))
		_, err := b.Request(context.Background(), "echo", nil, time.Second)

		assert.ErrorIs(t, err, contracts.ErrMalformedResponse)
	})

	t.Run("concurrent requests resolve independently in reverse order", func(t *testing.T) {
		pub := &mockPublisher{}
		ids := make(chan string, 2)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				var req map[string]any
				_ = json.Unmarshal(args.Get(2).([]byte), &req)
				ids <- correlationID(args.String(1)) + "|" + req["n"].(string)
			}).
			Return(nil)

		b, _ := NewBridge(pub, testTopics(t))

		results := make([]string, 2)
		var wg sync.WaitGroup
		for i, n := range []string{"first", "second"} {
			wg.Add(1)
			go func(i int, n string) {
				defer wg.Done()
				data, err := b.Request(context.Background(), "echo", map[string]any{"n": n}, 2*time.Second)
				if assert.NoError(t, err) {
					results[i] = string(data)
				}
			}(i, n)
		}

		a, c := <-ids, <-ids
		for _, pair := range []string{c, a} {
			parts := strings.SplitN(pair, "|", 2)
			b.HandleResponse(parts[0], []byte(`{"code":0,"data":{"n":"`+parts[1]+`"}}`))
		}
		wg.Wait()

		assert.JSONEq(t, `{"n":"first"}`, results[0])
		assert.JSONEq(t, `{"n":"second"}`, results[1])
	})

	t.Run("CancelAll fails in-flight requests", func(t *testing.T) {
		pub := &mockPublisher{}
		published := make(chan struct{}, 3)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { published <- struct{}{} }).
			Return(nil)

		b, _ := NewBridge(pub, testTopics(t))

		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			go func() {
				_, err := b.Request(context.Background(), "echo", nil, time.Minute)
				errs <- err
			}()
		}
		for i := 0; i < 3; i++ {
			<-published
		}
		require.Eventually(t, func() bool { return b.PendingCount() == 3 }, time.Second, 5*time.Millisecond)

		n := b.CancelAll(contracts.ErrDisconnected)

		assert.Equal(t, 3, n)
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, <-errs, contracts.ErrDisconnected)
		}
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("too many pending requests", func(t *testing.T) {
		pub := &mockPublisher{}
		published := make(chan struct{}, 1)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { published <- struct{}{} }).
			Return(nil)

		b, _ := NewBridge(pub, testTopics(t), WithMaxPendingRequests(1))
		go func() {
			_, _ = b.Request(context.Background(), "echo", nil, time.Minute)
		}()
		<-published

		_, err := b.Request(context.Background(), "echo", nil, time.Minute)

		assert.ErrorIs(t, err, contracts.ErrTooManyPendingRequests)
		b.CancelAll(contracts.ErrDisconnected)
	})

	t.Run("retry policy retries failed publishes", func(t *testing.T) {
		pub := &mockPublisher{}
		var b *Bridge
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("transient")).Once()
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(respondWith(&b, `{"code":0,"data":{}}`)).
			Return(nil).Once()

		b, _ = NewBridge(pub, testTopics(t),
			WithBridgeRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))
		_, err := b.Request(context.Background(), "echo", nil, time.Second)

		require.NoError(t, err)
		pub.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("open circuit short-circuits publishes", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("down"))

		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Minute))
		b, _ := NewBridge(pub, testTopics(t), WithBridgeCircuitBreaker(cb))

		_, err := b.Request(context.Background(), "echo", nil, time.Second)
		require.Error(t, err)

		_, err = b.Request(context.Background(), "echo", nil, time.Second)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		pub.AssertNumberOfCalls(t, "Publish", 1)
	})
}
