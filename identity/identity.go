package identity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultDevice = "go"

// Identity identifies one session against the broker
type Identity struct {
	// ClientID is the connection identity; response topics are partitioned by it
	ClientID string
	// PrincipalID is the stable application identity (employee id)
	PrincipalID string
	Username    string
	Password    string
}

// New builds an identity, generating a client id unless one is supplied
func New(principalID, clientID, deviceID string) (Identity, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Identity{}, fmt.Errorf("identity: principal id is required")
	}
	if strings.ContainsAny(principalID, "/+#") {
		return Identity{}, fmt.Errorf("identity: principal id %q contains topic separators", principalID)
	}

	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = GenerateClientID(principalID, deviceID)
	} else if strings.ContainsAny(clientID, "/+#") {
		return Identity{}, fmt.Errorf("identity: client id %q contains topic separators", clientID)
	}

	return Identity{ClientID: clientID, PrincipalID: principalID}, nil
}

// WithCredentials returns a copy carrying broker credentials
func (i Identity) WithCredentials(username, password string) Identity {
	i.Username = username
	i.Password = password
	return i
}

// GenerateClientID returns <principal>_<device>_<8 random alphanumerics>
func GenerateClientID(principalID, deviceID string) string {
	if deviceID == "" {
		deviceID = defaultDevice
	}
	return fmt.Sprintf("%s_%s_%s", principalID, deviceID, randomAlnum(8))
}

// randomAlnum draws n lowercase hex digits from fresh v4 UUIDs
func randomAlnum(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}

// CorrelationGenerator produces correlation ids of the form
// seq_<10 random>_<millis>. The millisecond component never goes backwards or
// repeats within one generator, even when the clock does not advance.
type CorrelationGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewCorrelationGenerator creates a generator backed by the wall clock
func NewCorrelationGenerator() *CorrelationGenerator {
	return &CorrelationGenerator{now: time.Now}
}

// Next returns a fresh correlation id
func (g *CorrelationGenerator) Next() string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	g.mu.Unlock()

	return fmt.Sprintf("seq_%s_%d", randomAlnum(10), ms)
}
