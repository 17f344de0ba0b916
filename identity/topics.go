package identity

import "strings"

// Topic roots shared with the server gateway
const (
	RequestRoot  = "mchat/msg/req"
	ResponseRoot = "mchat/msg/resp"
	InboxRoot    = "mchat/inbox"
	GroupRoot    = "mchat/group"
	StatusRoot   = "mchat/status"
)

// Topics holds the topic names of one session
type Topics struct {
	clientID       string
	responsePrefix string
	inbox          string
	status         string
}

// NewTopics computes the topic set for an identity
func NewTopics(id Identity) Topics {
	return Topics{
		clientID:       id.ClientID,
		responsePrefix: ResponseRoot + "/" + id.ClientID + "/",
		inbox:          InboxRoot + "/" + id.PrincipalID,
		status:         StatusRoot + "/" + id.PrincipalID,
	}
}

// Request returns the topic a request with correlationID is published on
func (t Topics) Request(correlationID string) string {
	return RequestRoot + "/" + t.clientID + "/" + correlationID
}

// Response returns the topic the answer to correlationID arrives on
func (t Topics) Response(correlationID string) string {
	return t.responsePrefix + correlationID
}

// ResponseFilter is the subscription matching every response of this session
func (t Topics) ResponseFilter() string {
	return t.responsePrefix + "+"
}

// Inbox returns the private inbox topic
func (t Topics) Inbox() string {
	return t.inbox
}

// Status returns the presence topic
func (t Topics) Status() string {
	return t.status
}

// Group returns the topic of a group
func (t Topics) Group(groupID string) string {
	return GroupRoot + "/" + groupID
}

// ResponseCorrelationID extracts the correlation id from a response topic of
// this session. Topics of other sessions, or with nested levels, do not match.
func (t Topics) ResponseCorrelationID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, t.responsePrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// GroupID extracts the group id from a group topic
func (t Topics) GroupID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, GroupRoot+"/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
