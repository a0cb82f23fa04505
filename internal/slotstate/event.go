package slotstate

import (
	"net/http"

	"github.com/shockwave-http/slotpool/internal/reqctx"
)

// EventKind discriminates the fifteen events the runtime may deliver.
type EventKind int

const (
	OnPreConnect EventKind = iota
	OnNewRequest
	OnConnectionAttemptSucceeded
	OnConnectionAttemptFailed
	OnRequestEntityCompleted
	OnRequestEntityFailed
	OnResponseReceived
	OnResponseDispatchable
	OnResponseEntitySubscribed
	OnResponseEntityCompleted
	OnResponseEntityFailed
	OnConnectionCompleted
	OnConnectionFailed
	OnTimeout
	OnShutdown
)

func (k EventKind) String() string {
	names := [...]string{
		"onPreConnect", "onNewRequest", "onConnectionAttemptSucceeded",
		"onConnectionAttemptFailed", "onRequestEntityCompleted",
		"onRequestEntityFailed", "onResponseReceived", "onResponseDispatchable",
		"onResponseEntitySubscribed", "onResponseEntityCompleted",
		"onResponseEntityFailed", "onConnectionCompleted", "onConnectionFailed",
		"onTimeout", "onShutdown",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "onUnknown"
}

// Event is the tagged union of inputs the runtime feeds to Transition.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	Request  *reqctx.RequestContext // OnNewRequest
	Cause    error                  // the *Failed variants
	Response *http.Response         // OnResponseReceived
}

func PreConnect() Event                       { return Event{Kind: OnPreConnect} }
func NewRequest(r *reqctx.RequestContext) Event { return Event{Kind: OnNewRequest, Request: r} }
func ConnectionAttemptSucceeded() Event       { return Event{Kind: OnConnectionAttemptSucceeded} }
func ConnectionAttemptFailed(cause error) Event {
	return Event{Kind: OnConnectionAttemptFailed, Cause: cause}
}
func RequestEntityCompleted() Event { return Event{Kind: OnRequestEntityCompleted} }
func RequestEntityFailed(cause error) Event {
	return Event{Kind: OnRequestEntityFailed, Cause: cause}
}
func ResponseReceived(resp *http.Response) Event {
	return Event{Kind: OnResponseReceived, Response: resp}
}
func ResponseDispatchable() Event    { return Event{Kind: OnResponseDispatchable} }
func ResponseEntitySubscribed() Event { return Event{Kind: OnResponseEntitySubscribed} }
func ResponseEntityCompleted() Event { return Event{Kind: OnResponseEntityCompleted} }
func ResponseEntityFailed(cause error) Event {
	return Event{Kind: OnResponseEntityFailed, Cause: cause}
}
func ConnectionCompleted() Event { return Event{Kind: OnConnectionCompleted} }
func ConnectionFailed(cause error) Event {
	return Event{Kind: OnConnectionFailed, Cause: cause}
}
func Timeout() Event  { return Event{Kind: OnTimeout} }
func Shutdown() Event { return Event{Kind: OnShutdown} }
