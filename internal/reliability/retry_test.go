package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("publish failed"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("publish failed"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("negative max retries is unbounded", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, -1)

		retry, _ := eb.ShouldRetry(10_000, errors.New("refused"))
		assert.True(t, retry)
		assert.Equal(t, -1, eb.MaxRetries())
	})

	t.Run("NextDelay grows and caps without jitter", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 800*time.Millisecond, eb.NextDelay(3))
		assert.Equal(t, time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 100; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, 5)
		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad credentials")))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		cause := errors.New("still failing")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("permanent error stops immediately and is unwrapped", func(t *testing.T) {
		cause := errors.New("unauthorized")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return Permanent(cause)
		})

		assert.Equal(t, cause, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation interrupts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := Retry(ctx, NewFixedDelay(time.Hour, -1), func() error {
			return errors.New("refused")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Permanent(nil) is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
		assert.False(t, IsPermanent(errors.New("x")))
	})
}
