package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/glimte/mchat-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	t.Run("Register rejects duplicate ids", func(t *testing.T) {
		table := NewPendingTable(0)
		_, err := table.Register("seq_1", "echo")
		require.NoError(t, err)

		_, err = table.Register("seq_1", "echo")

		assert.ErrorIs(t, err, contracts.ErrDuplicateCorrelationID)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("Resolve sets exactly one outcome and removes the slot", func(t *testing.T) {
		table := NewPendingTable(0)
		req, _ := table.Register("seq_1", "echo")

		ok := table.Resolve("seq_1", &contracts.Response{Code: 0}, nil)

		assert.True(t, ok)
		<-req.Done()
		resp, err := req.Result()
		assert.NoError(t, err)
		assert.NotNil(t, resp)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("Resolve of unknown id returns false", func(t *testing.T) {
		table := NewPendingTable(0)

		assert.False(t, table.Resolve("missing", &contracts.Response{}, nil))
	})

	t.Run("second Resolve loses", func(t *testing.T) {
		table := NewPendingTable(0)
		req, _ := table.Register("seq_1", "echo")

		assert.True(t, table.Resolve("seq_1", nil, contracts.ErrRequestTimeout))
		assert.False(t, table.Resolve("seq_1", &contracts.Response{}, nil))

		resp, err := req.Result()
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
	})

	t.Run("Resolve with neither outcome is malformed", func(t *testing.T) {
		table := NewPendingTable(0)
		req, _ := table.Register("seq_1", "echo")

		table.Resolve("seq_1", nil, nil)

		_, err := req.Result()
		assert.ErrorIs(t, err, contracts.ErrMalformedResponse)
	})

	t.Run("CancelAll resolves all with the same error", func(t *testing.T) {
		table := NewPendingTable(0)
		var reqs []*PendingRequest
		for _, id := range []string{"a", "b", "c"} {
			req, _ := table.Register(id, "echo")
			reqs = append(reqs, req)
		}
		cause := errors.New("gone")

		n := table.CancelAll(cause)

		assert.Equal(t, 3, n)
		assert.Equal(t, 0, table.Len())
		for _, req := range reqs {
			<-req.Done()
			_, err := req.Result()
			assert.Equal(t, cause, err)
		}
	})

	t.Run("max pending is enforced", func(t *testing.T) {
		table := NewPendingTable(1)
		_, err := table.Register("a", "echo")
		require.NoError(t, err)

		_, err = table.Register("b", "echo")

		assert.ErrorIs(t, err, contracts.ErrTooManyPendingRequests)
	})

	t.Run("size tracks registrations minus resolutions under concurrency", func(t *testing.T) {
		table := NewPendingTable(0)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := string(rune('A'+i%26)) + string(rune('a'+i/26))
				_, err := table.Register(id, "echo")
				assert.NoError(t, err)
				if i%2 == 0 {
					table.Resolve(id, &contracts.Response{}, nil)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 50, table.Len())
	})
}
