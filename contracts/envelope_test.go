package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest(t *testing.T) {
	t.Run("MarshalJSON flattens params next to action", func(t *testing.T) {
		req := NewRequest("msg.send_private", map[string]any{"to_employee_id": "e2", "content": "hi"})

		data, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"msg.send_private","to_employee_id":"e2","content":"hi"}`, string(data))
	})

	t.Run("action wins over a param of the same name", func(t *testing.T) {
		req := NewRequest("echo", map[string]any{"action": "spoofed", "x": 1})

		data, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"echo","x":1}`, string(data))
	})

	t.Run("nil params encode only the action", func(t *testing.T) {
		data, err := json.Marshal(NewRequest("org.tree", nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"org.tree"}`, string(data))
	})

	t.Run("UnmarshalJSON splits action from params", func(t *testing.T) {
		var req Request
		err := json.Unmarshal([]byte(`{"action":"auth.bind","employee_id":"e1"}`), &req)

		require.NoError(t, err)
		assert.Equal(t, "auth.bind", req.Action)
		assert.Equal(t, map[string]any{"employee_id": "e1"}, req.Params)
	})

	t.Run("UnmarshalJSON rejects a body without action", func(t *testing.T) {
		var req Request
		err := json.Unmarshal([]byte(`{"employee_id":"e1"}`), &req)
		assert.Error(t, err)
	})
}

func TestDecodeResponse(t *testing.T) {
	t.Run("success with data", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"code":0,"data":{"x":1}}`))

		require.NoError(t, err)
		assert.True(t, resp.IsSuccess())
		assert.JSONEq(t, `{"x":1}`, string(resp.Data))
		assert.NoError(t, resp.Err("echo"))
	})

	t.Run("null message and data are tolerated", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"code":0,"message":null,"data":null}`))

		require.NoError(t, err)
		assert.Empty(t, resp.Message)
		assert.Nil(t, resp.Data)
	})

	t.Run("non-zero code converts to RemoteError", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"code":1,"message":"bad params"}`))
		require.NoError(t, err)

		remote, ok := IsRemote(resp.Err("msg.send_private"))
		require.True(t, ok)
		assert.Equal(t, 1, remote.Code)
		assert.Equal(t, "bad params", remote.Message)
		assert.Equal(t, "msg.send_private", remote.Action)
	})

	t.Run("surrounding whitespace is ignored", func(t *testing.T) {
		resp, err := DecodeResponse([]byte("  {\"code\":0}\n"))

		require.NoError(t, err)
		assert.True(t, resp.IsSuccess())
	})

	t.Run("malformed bodies", func(t *testing.T) {
		for _, body := range []string{``, `not json`, `null`, `[1,2]`, `"text"`, `{"code":"zero"}`,
			` null `, "\n null\t", `{}`, `{"message":"x"}`, `{"code":null}`, `{"data":{"x":1}}`} {
			_, err := DecodeResponse([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedResponse, "body %q", body)
		}
	})
}

func TestPresence(t *testing.T) {
	t.Run("encodes ISO-8601 UTC with milliseconds", func(t *testing.T) {
		ts := time.Date(2024, 3, 1, 8, 30, 15, 123_000_000, time.FixedZone("CET", 3600))
		data, err := json.Marshal(Presence{Status: StatusOnline, UpdatedAt: ts})

		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"online","updated_at":"2024-03-01T07:30:15.123Z"}`, string(data))
	})

	t.Run("decodes what it encodes", func(t *testing.T) {
		p := NewPresence(StatusOffline)
		data, err := json.Marshal(p)
		require.NoError(t, err)

		var decoded Presence
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, StatusOffline, decoded.Status)
		assert.WithinDuration(t, p.UpdatedAt, decoded.UpdatedAt, time.Millisecond)
	})
}

func TestPayload(t *testing.T) {
	t.Run("DecodePayload requires an object", func(t *testing.T) {
		_, err := DecodePayload([]byte(`[1]`))
		assert.Error(t, err)

		_, err = DecodePayload([]byte(`null`))
		assert.Error(t, err)
	})

	t.Run("Decode produces a typed view", func(t *testing.T) {
		p, err := DecodePayload([]byte(`{"msg_id":"m1","from_employee_id":"e2","content":"hi","type":"text"}`))
		require.NoError(t, err)

		var msg InboxMessage
		require.NoError(t, p.Decode(&msg))
		assert.Equal(t, "m1", msg.MsgID)
		assert.Equal(t, "e2", msg.FromEmployeeID)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, "text", p.String("type"))
		assert.Empty(t, p.String("missing"))
	})
}

func TestErrors(t *testing.T) {
	t.Run("RequestError unwraps to its cause", func(t *testing.T) {
		err := &RequestError{Action: "echo", CorrelationID: "seq_1", Err: ErrRequestTimeout}

		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.True(t, IsTimeout(err))
		assert.Contains(t, err.Error(), "seq_1")
	})

	t.Run("ConnectionError unwraps to its cause", func(t *testing.T) {
		err := &ConnectionError{Op: "connect", Broker: "tcp://localhost:1883", Err: ErrConnectRefused, Timestamp: time.Now()}

		assert.ErrorIs(t, err, ErrConnectRefused)
		assert.Contains(t, err.Error(), "tcp://localhost:1883")
	})

	t.Run("RemoteError without message falls back to the code", func(t *testing.T) {
		err := &RemoteError{Code: 500}
		assert.Contains(t, err.Error(), "code 500")

		_, ok := IsRemote(errors.New("plain"))
		assert.False(t, ok)
	})

	t.Run("BindError reports either cause or code", func(t *testing.T) {
		assert.Contains(t, (&BindError{Code: 401, Message: "Unauthorized"}).Error(), "Unauthorized")
		assert.ErrorIs(t, &BindError{Err: ErrRequestTimeout}, ErrRequestTimeout)
	})
}
