package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Response codes returned by the server gateway
const (
	CodeOK           = 0
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeServerError  = 500
)

// Request is the envelope published on a request topic. It is encoded flat:
// the action name sits next to the action-specific fields.
type Request struct {
	Action string
	Params map[string]any
}

// NewRequest creates a request envelope for an action
func NewRequest(action string, params map[string]any) *Request {
	return &Request{Action: action, Params: params}
}

// MarshalJSON encodes the request as a single flat object. The action key
// always wins over a parameter of the same name.
func (r *Request) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		body[k] = v
	}
	body["action"] = r.Action
	return json.Marshal(body)
}

// UnmarshalJSON splits a flat object back into action and params
func (r *Request) UnmarshalJSON(data []byte) error {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	action, ok := body["action"].(string)
	if !ok || action == "" {
		return fmt.Errorf("request: missing action")
	}
	delete(body, "action")
	r.Action = action
	r.Params = body
	return nil
}

// Response is the envelope received on a response topic
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsSuccess reports whether the peer accepted the request
func (r *Response) IsSuccess() bool {
	return r.Code == CodeOK
}

// Err converts a non-zero code into a RemoteError
func (r *Response) Err(action string) error {
	if r.IsSuccess() {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Message, Action: action}
}

// DecodeResponse parses a response body. Anything that is not a JSON object
// carrying a numeric code is reported as ErrMalformedResponse.
func DecodeResponse(data []byte) (*Response, error) {
	data = bytes.TrimSpace(data)
	// "null" unmarshals cleanly into a zero value
	if len(data) == 0 || string(data) == "null" {
		return nil, ErrMalformedResponse
	}
	var wire struct {
		Code    *int            `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if wire.Code == nil {
		return nil, fmt.Errorf("%w: missing code", ErrMalformedResponse)
	}
	resp := &Response{Code: *wire.Code, Message: wire.Message, Data: wire.Data}
	if string(resp.Data) == "null" {
		resp.Data = nil
	}
	return resp, nil
}

// Presence statuses
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// presenceTimeLayout matches the ISO-8601 form emitted by the other mchat clients
const presenceTimeLayout = "2006-01-02T15:04:05.000Z"

// Presence is the retained status announcement for a principal
type Presence struct {
	Status    string
	UpdatedAt time.Time
}

// NewPresence creates a presence announcement stamped with the current time
func NewPresence(status string) Presence {
	return Presence{Status: status, UpdatedAt: time.Now().UTC()}
}

type presenceWire struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// MarshalJSON encodes UpdatedAt in UTC with millisecond precision
func (p Presence) MarshalJSON() ([]byte, error) {
	return json.Marshal(presenceWire{
		Status:    p.Status,
		UpdatedAt: p.UpdatedAt.UTC().Format(presenceTimeLayout),
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp
func (p *Presence) UnmarshalJSON(data []byte) error {
	var w presenceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Status = w.Status
	p.UpdatedAt = time.Time{}
	if w.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("presence: invalid updated_at: %w", err)
		}
		p.UpdatedAt = ts
	}
	return nil
}
