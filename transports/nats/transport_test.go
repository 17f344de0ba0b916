package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/glimte/mchat-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	t.Run("maps levels and wildcards", func(t *testing.T) {
		cases := map[string]string{
			"mchat/msg/req/c1/seq_1": "mchat.msg.req.c1.seq_1",
			"mchat/msg/resp/c1/+":    "mchat.msg.resp.c1.*",
			"mchat/msg/group/#":      "mchat.msg.group.>",
			"#":                      ">",
		}
		for topic, subject := range cases {
			got, err := Subject(topic)
			require.NoError(t, err)
			assert.Equal(t, subject, got)
		}
	})

	t.Run("rejects topics without a subject form", func(t *testing.T) {
		for _, topic := range []string{"", "a.b/c", "a//b", "/a"} {
			_, err := Subject(topic)
			assert.ErrorIs(t, err, ErrInvalidTopic, topic)
		}
	})

	t.Run("subject converts back to topic", func(t *testing.T) {
		assert.Equal(t, "mchat/msg/inbox/E1", TopicFromSubject("mchat.msg.inbox.E1"))
	})

	t.Run("multi level filter also covers the parent", func(t *testing.T) {
		subjects, err := filterSubjects("mchat/msg/group/#")
		require.NoError(t, err)
		assert.Equal(t, []string{"mchat.msg.group.>", "mchat.msg.group"}, subjects)
	})
}

func TestNewTransport(t *testing.T) {
	t.Run("rejects other schemes", func(t *testing.T) {
		_, err := NewTransport("amqp://localhost:5672")
		assert.Error(t, err)
	})

	t.Run("operations fail before connect", func(t *testing.T) {
		tr, err := NewTransport("nats://localhost:4222")
		require.NoError(t, err)

		ctx := context.Background()
		assert.False(t, tr.IsConnected())
		assert.ErrorIs(t, tr.Publish(ctx, "a/b", nil, 0, false), ErrNotConnected)
		assert.ErrorIs(t, tr.Subscribe(ctx, "a/+", 0), ErrNotConnected)
		assert.NoError(t, tr.Disconnect(ctx))
	})

	t.Run("expired context fails fast", func(t *testing.T) {
		tr, err := NewTransport("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		assert.ErrorIs(t, tr.Connect(ctx, messaging.ConnectOptions{ClientID: "c1"}), context.DeadlineExceeded)
	})
}

func TestTransportIntegration(t *testing.T) {
	url := os.Getenv("MCHAT_TEST_NATS_URL")
	if url == "" {
		t.Skip("MCHAT_TEST_NATS_URL not set")
	}

	tr, err := NewTransport(url)
	require.NoError(t, err)

	received := make(chan messaging.Message, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx, messaging.ConnectOptions{
		ClientID:  "mchat-nats-test",
		OnMessage: func(m messaging.Message) { received <- m },
	}))
	defer tr.Disconnect(context.Background())

	t.Run("delivers in publish order", func(t *testing.T) {
		require.NoError(t, tr.Subscribe(ctx, "mchat/test/#", 0))
		require.NoError(t, tr.Publish(ctx, "mchat/test/one", []byte("1"), 0, false))
		require.NoError(t, tr.Publish(ctx, "mchat/test", []byte("2"), 0, false))

		for _, want := range []string{"mchat/test/one", "mchat/test"} {
			select {
			case m := <-received:
				assert.Equal(t, want, m.Topic)
			case <-ctx.Done():
				t.Fatal("no message received")
			}
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		require.NoError(t, tr.Unsubscribe(ctx, "mchat/test/#"))
		require.NoError(t, tr.Publish(ctx, "mchat/test/one", []byte("3"), 0, false))

		select {
		case m := <-received:
			t.Fatalf("unexpected message on %s", m.Topic)
		case <-time.After(300 * time.Millisecond):
		}
	})
}
