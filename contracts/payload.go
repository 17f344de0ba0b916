package contracts

import (
	"encoding/json"
	"fmt"
)

// Payload is an opaque inbox or group event body
type Payload map[string]any

// DecodePayload parses an event body. Only JSON objects are accepted.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("payload: not an object")
	}
	return p, nil
}

// Decode re-encodes the payload into a typed view such as InboxMessage
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// String returns the payload value for key if it is a string
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// InboxMessage is the server's delivery format for private messages
type InboxMessage struct {
	MsgID          string `json:"msg_id,omitempty"`
	Type           string `json:"type,omitempty"`
	FromEmployeeID string `json:"from_employee_id,omitempty"`
	Content        any    `json:"content,omitempty"`
	SentAt         string `json:"sent_at,omitempty"`
	QuoteMsgID     string `json:"quote_msg_id,omitempty"`
}

// GroupMessage is the server's delivery format for group messages
type GroupMessage struct {
	MsgID          string `json:"msg_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	FromEmployeeID string `json:"from_employee_id,omitempty"`
	Content        any    `json:"content,omitempty"`
	SentAt         string `json:"sent_at,omitempty"`
	QuoteMsgID     string `json:"quote_msg_id,omitempty"`
}
