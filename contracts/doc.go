// Package contracts defines the wire shapes and error taxonomy shared by every
// mchat component.
//
// Wire shapes:
//   - Request: {"action": "<name>", ...params} published to a request topic
//   - Response: {"code": 0, "message": "", "data": {...}} received on a response topic
//   - Presence: {"status": "online", "updated_at": "<ISO-8601 UTC>"} retained on a status topic
//   - Payload: opaque inbox/group event bodies, with typed views InboxMessage and GroupMessage
//
// Errors are exposed as sentinels (ErrNotConnected, ErrRequestTimeout, ...) and
// typed errors (RemoteError, RequestError, ConnectionError, ListenerError,
// BindError) that unwrap to them, so callers classify with errors.Is and errors.As.
package contracts
