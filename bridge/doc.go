// Package bridge provides synchronous request-response over the asynchronous
// pub/sub transport of an mchat session.
//
// Every request gets a fresh correlation id, is registered in the pending
// table and published on the request topic. The response arrives on the
// session's response topic and is matched back solely by that id, so
// responses may arrive in any order.
//
// Key features:
//   - Per-request timeout and context cancellation
//   - At-most-once resolution: a late response after a timeout is dropped
//   - CancelAll to fail every in-flight request when the session ends
//   - Optional retry policy and circuit breaker on the publish path
//
// Basic usage:
//
//	b, err := bridge.NewBridge(transport, topics)
//	if err != nil {
//	    return err
//	}
//
//	data, err := b.Request(ctx, "msg.send_private", params, 30*time.Second)
//	if remote, ok := contracts.IsRemote(err); ok {
//	    log.Printf("server rejected request: %d %s", remote.Code, remote.Message)
//	}
package bridge
