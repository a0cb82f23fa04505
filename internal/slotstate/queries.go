package slotstate

import (
	"net/http"
	"time"
)

// Queries is the read-only half of the slot's context: the questions
// Transition must ask the runtime to resolve a transition, as opposed
// to Command, which is the write half (effects the runtime must
// perform after Transition returns).
type Queries interface {
	// IsConnectionClosed reports whether the slot's connection has
	// already been observed closed (e.g. a prior onConnectionCompleted
	// raced a response entity finishing).
	IsConnectionClosed() bool

	// WillCloseAfter reports whether resp's own directives (Connection:
	// close, HTTP/1.0 without keep-alive) or the original request's
	// semantics force the connection closed once resp's entity ends.
	WillCloseAfter(resp *http.Response) bool

	// ResponseEntitySubscriptionTimeout is the configured duration a
	// dispatched response may sit unsubscribed before being abandoned.
	// Zero means unbounded (no onTimeout is ever armed).
	ResponseEntitySubscriptionTimeout() time.Duration
}
