// Package bus implements the correlated request/reply transport Component
// C (the agent client) sits on. It is deliberately opaque to payload
// semantics: encryption (Component B) and RPC framing (Component C) are
// layered on top, not here.
package bus

import "context"

// ReplyFunc is invoked (on its own goroutine) when a reply for a request
// arrives on its dedicated reply subject.
type ReplyFunc func(payload map[string]any)

// Transport is the bus contract spec.md §4.A describes: subjects are
// formed as "<service>.<clientID>"; SendRequest returns a request id the
// caller can later hand to CancelRequest. The transport never interprets
// payload contents.
type Transport interface {
	// SendRequest publishes payload to subject and registers onReply to
	// fire when a reply arrives. It returns immediately with a request id.
	SendRequest(ctx context.Context, subject string, payload map[string]any, onReply ReplyFunc) (requestID string, err error)

	// CancelRequest detaches the callback for requestID and best-effort
	// unsubscribes. Safe to call after the reply has already fired.
	CancelRequest(requestID string)
}
