// Package messaging holds the inbound side of an mchat session: the transport
// contract every broker adapter implements, the listener registry for event
// handlers, and the dispatcher that routes each inbound message either to the
// request bridge or to the registered listeners.
//
// Example usage:
//
//	listeners := messaging.NewListeners()
//	listeners.OnInbox(func(p contracts.Payload) error {
//		fmt.Println("inbox:", p.String("content"))
//		return nil
//	})
//
//	dispatcher := messaging.NewDispatcher(topics, bridge, listeners)
//	route := dispatcher.Dispatch(messaging.Message{Topic: topic, Payload: body})
//
// The dispatcher never panics on unknown topics or malformed bodies; a failing
// listener is reported to the error listeners and never stops the remaining
// listeners of the same message.
package messaging
