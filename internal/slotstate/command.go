package slotstate

import (
	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/result"
	"net/http"
)

// Command is the effect half of a (NextState, Command) pair: Transition
// stays pure and returns what the runtime must DO, never doing it
// itself.
type Command interface{ isCommand() }

// OpenConnection asks the runtime to start dialing a fresh connection
// for this slot. The runtime must not call this while the slot already
// owns an open connection.
type OpenConnection struct{}

func (OpenConnection) isCommand() {}

// PushRequest asks the runtime to write Request's head (and, as it
// becomes available, its entity) onto the slot's connection.
type PushRequest struct {
	Request *reqctx.RequestContext
}

func (PushRequest) isCommand() {}

// DispatchResult asks the runtime to surface Result for Request on the
// dispatcher's output port. Transition guarantees this fires at most
// once per RequestContext.
type DispatchResult struct {
	Request *reqctx.RequestContext
	Result  result.Result[*http.Response]
}

func (DispatchResult) isCommand() {}

// LogWarning asks the runtime to log a warning naming Request (if any)
// and Message — used for subscription timeouts and shutdown drops.
type LogWarning struct {
	Message string
	Request *reqctx.RequestContext
}

func (LogWarning) isCommand() {}

// CloseConnection asks the runtime to tear down the slot's connection
// immediately, bypassing the normal Idle/Unconnected reuse decision —
// used when a subscription timeout force-abandons a response entity.
type CloseConnection struct{}

func (CloseConnection) isCommand() {}
