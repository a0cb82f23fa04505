// Package slotstate implements the slot state machine: a pure function
// from (State, Event, Queries) to (State, []Command, error).
//
// The nine states are a flat tagged union (Kind discriminator plus the
// fields each state needs), not a class hierarchy. Shared behavior
// across states lives in small helper functions instead (busyFailure,
// onResponseEntityCompleted's reuse-or-close decision), invoked from
// whichever transition arms need them.
package slotstate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/result"
)

// Kind discriminates the nine slot states.
type Kind int

const (
	Unconnected Kind = iota
	PreConnecting
	Connecting
	Idle
	WaitingForResponse
	WaitingForResponseDispatch
	WaitingForResponseEntitySubscription
	WaitingForEndOfResponseEntity
	WaitingForEndOfRequestEntity
)

func (k Kind) String() string {
	switch k {
	case Unconnected:
		return "Unconnected"
	case PreConnecting:
		return "PreConnecting"
	case Connecting:
		return "Connecting"
	case Idle:
		return "Idle"
	case WaitingForResponse:
		return "WaitingForResponse"
	case WaitingForResponseDispatch:
		return "WaitingForResponseDispatch"
	case WaitingForResponseEntitySubscription:
		return "WaitingForResponseEntitySubscription"
	case WaitingForEndOfResponseEntity:
		return "WaitingForEndOfResponseEntity"
	case WaitingForEndOfRequestEntity:
		return "WaitingForEndOfRequestEntity"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is the tagged union. Only the fields relevant to Kind are
// meaningful; see the per-Kind constructors below for which ones.
type State struct {
	Kind             Kind
	Request          *reqctx.RequestContext
	Result           *result.Result[*http.Response]
	ReqEntityPending bool
	SubscriptionWait time.Duration
}

func stateUnconnected() State { return State{Kind: Unconnected} }
func statePreConnecting() State { return State{Kind: PreConnecting} }
func stateConnecting(r *reqctx.RequestContext) State { return State{Kind: Connecting, Request: r} }
func stateIdle() State { return State{Kind: Idle} }

func stateWaitingForResponse(r *reqctx.RequestContext, pending bool) State {
	return State{Kind: WaitingForResponse, Request: r, ReqEntityPending: pending}
}

func stateWaitingForResponseDispatch(r *reqctx.RequestContext, res result.Result[*http.Response], pending bool) State {
	return State{Kind: WaitingForResponseDispatch, Request: r, Result: &res, ReqEntityPending: pending}
}

func stateWaitingForResponseEntitySubscription(r *reqctx.RequestContext, res result.Result[*http.Response], timeout time.Duration, pending bool) State {
	return State{Kind: WaitingForResponseEntitySubscription, Request: r, Result: &res, ReqEntityPending: pending, SubscriptionWait: timeout}
}

func stateWaitingForEndOfResponseEntity(r *reqctx.RequestContext, res result.Result[*http.Response], pending bool) State {
	return State{Kind: WaitingForEndOfResponseEntity, Request: r, Result: &res, ReqEntityPending: pending}
}

func stateWaitingForEndOfRequestEntity() State { return State{Kind: WaitingForEndOfRequestEntity} }

// New returns the initial state every slot begins in.
func New() State { return stateUnconnected() }

// Response returns the response carried by Result, if any.
func (s State) Response() *http.Response {
	if s.Result == nil || !s.Result.Ok() {
		return nil
	}
	return s.Result.Value()
}
