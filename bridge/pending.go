package bridge

import (
	"sync"
	"time"

	"github.com/glimte/mchat-go/contracts"
)

// PendingRequest is one request slot waiting for its response
type PendingRequest struct {
	ID        string
	Action    string
	CreatedAt time.Time

	done     chan struct{}
	once     sync.Once
	response *contracts.Response
	err      error
}

func newPendingRequest(id, action string) *PendingRequest {
	return &PendingRequest{
		ID:        id,
		Action:    action,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed once the slot is resolved
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only meaningful after Done is closed.
func (p *PendingRequest) Result() (*contracts.Response, error) {
	return p.response, p.err
}

// complete sets exactly one of resp and err; later calls are ignored
func (p *PendingRequest) complete(resp *contracts.Response, err error) {
	p.once.Do(func() {
		if err != nil {
			p.err = err
		} else if resp != nil {
			p.response = resp
		} else {
			p.err = contracts.ErrMalformedResponse
		}
		close(p.done)
	})
}

// PendingTable maps correlation ids to waiting requests
type PendingTable struct {
	mu         sync.Mutex
	pending    map[string]*PendingRequest
	maxPending int
}

// NewPendingTable creates a table. maxPending <= 0 means unbounded.
func NewPendingTable(maxPending int) *PendingTable {
	return &PendingTable{
		pending:    make(map[string]*PendingRequest),
		maxPending: maxPending,
	}
}

// Register adds a slot for id
func (t *PendingTable) Register(id, action string) (*PendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, contracts.ErrDuplicateCorrelationID
	}
	if t.maxPending > 0 && len(t.pending) >= t.maxPending {
		return nil, contracts.ErrTooManyPendingRequests
	}

	req := newPendingRequest(id, action)
	t.pending[id] = req
	return req, nil
}

// Resolve removes the slot for id and completes it. It returns false when no
// slot exists, which is the case for late or unknown responses.
func (t *PendingTable) Resolve(id string, resp *contracts.Response, err error) bool {
	t.mu.Lock()
	req, exists := t.pending[id]
	if exists {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}
	req.complete(resp, err)
	return true
}

// CancelAll resolves every pending slot with err and empties the table
func (t *PendingTable) CancelAll(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*PendingRequest)
	t.mu.Unlock()

	for _, req := range pending {
		req.complete(nil, err)
	}
	return len(pending)
}

// Len returns the number of pending slots
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
