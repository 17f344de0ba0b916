package health

import (
	"context"
	"fmt"
	"time"

	mchat "github.com/glimte/mchat-go"
	"github.com/glimte/mchat-go/messaging"
)

// Session is the part of *mchat.Client the session checker reads
type Session interface {
	State() mchat.State
	PendingRequests() int
	ClientID() string
}

// SessionChecker reports a chat session unhealthy unless it is connected,
// and degraded while too many requests are waiting for responses.
type SessionChecker struct {
	session          Session
	pendingThreshold int
}

// NewSessionChecker creates a session checker. A threshold <= 0 disables
// the pending check.
func NewSessionChecker(session Session, pendingThreshold int) *SessionChecker {
	return &SessionChecker{session: session, pendingThreshold: pendingThreshold}
}

func (c *SessionChecker) Name() string {
	return "session"
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.session.State()
	pending := c.session.PendingRequests()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"client_id": c.session.ClientID(),
			"state":     state.String(),
			"pending":   pending,
		},
	}

	switch {
	case state != mchat.StateConnected:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Session is %s", state)
	case c.pendingThreshold > 0 && pending > c.pendingThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests pending", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "Session is connected"
	}

	result.Duration = time.Since(start)
	return result
}

// TransportChecker reports the transport connection flag
type TransportChecker struct {
	name      string
	transport messaging.Transport
}

// NewTransportChecker creates a transport checker
func NewTransportChecker(name string, transport messaging.Transport) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Transport is connected",
	}
	if !c.transport.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Transport is not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
