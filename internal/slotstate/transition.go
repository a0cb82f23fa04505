package slotstate

import (
	"fmt"
	"net/http"

	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/result"
)

// IllegalEventError is the fatal condition raised when an event
// arrives in a state that does not list it. The slot runtime must tear
// the slot down on this, not retry or ignore it.
type IllegalEventError struct {
	State Kind
	Event EventKind
}

func (e *IllegalEventError) Error() string {
	return fmt.Sprintf("slotstate: illegal event %s in state %s", e.Event, e.State)
}

// Transition is the pure function (State, Event, Queries) -> (State,
// []Command, error) at the heart of the slot; the error is an
// *IllegalEventError when e is not accepted in s. It never performs I/O, never
// blocks, and never mutates anything reachable from s or e — every
// side effect the caller must perform comes back as a Command.
func Transition(s State, e Event, q Queries) (State, []Command, error) {
	if e.Kind == OnShutdown {
		return transitionShutdown(s)
	}

	switch s.Kind {
	case Unconnected:
		return transitionUnconnected(s, e)
	case PreConnecting:
		return transitionPreConnecting(s, e)
	case Connecting:
		return transitionConnecting(s, e)
	case Idle:
		return transitionIdle(s, e)
	case WaitingForResponse:
		return transitionWaitingForResponse(s, e)
	case WaitingForResponseDispatch:
		return transitionWaitingForResponseDispatch(s, e, q)
	case WaitingForResponseEntitySubscription:
		return transitionWaitingForResponseEntitySubscription(s, e)
	case WaitingForEndOfResponseEntity:
		return transitionWaitingForEndOfResponseEntity(s, e, q)
	case WaitingForEndOfRequestEntity:
		return transitionWaitingForEndOfRequestEntity(s, e, q)
	default:
		return s, nil, &IllegalEventError{State: s.Kind, Event: e.Kind}
	}
}

func illegal(s State, e Event) (State, []Command, error) {
	return s, nil, &IllegalEventError{State: s.Kind, Event: e.Kind}
}

// transitionShutdown implements the onShutdown rule: no-op in the
// three states that hold neither a request nor an in-progress response
// exchange, drop-with-log everywhere else.
func transitionShutdown(s State) (State, []Command, error) {
	switch s.Kind {
	case Unconnected, PreConnecting, Idle:
		return s, nil, nil
	default:
		var cmds []Command
		if s.Request != nil {
			cmds = append(cmds, LogWarning{Message: "shutdown: dropping in-flight request", Request: s.Request})
		} else {
			cmds = append(cmds, LogWarning{Message: "shutdown: dropping busy slot"})
		}
		return stateUnconnected(), cmds, nil
	}
}

func transitionUnconnected(s State, e Event) (State, []Command, error) {
	switch e.Kind {
	case OnPreConnect:
		return statePreConnecting(), []Command{OpenConnection{}}, nil
	case OnNewRequest:
		return stateConnecting(e.Request), []Command{OpenConnection{}}, nil
	default:
		return illegal(s, e)
	}
}

func transitionPreConnecting(s State, e Event) (State, []Command, error) {
	switch e.Kind {
	case OnConnectionAttemptSucceeded:
		return stateIdle(), nil, nil
	case OnNewRequest:
		return stateConnecting(e.Request), nil, nil
	case OnConnectionAttemptFailed, OnConnectionFailed, OnConnectionCompleted:
		return stateUnconnected(), nil, nil
	default:
		return illegal(s, e)
	}
}

func transitionConnecting(s State, e Event) (State, []Command, error) {
	switch e.Kind {
	case OnConnectionAttemptSucceeded:
		next := stateWaitingForResponse(s.Request, true)
		return next, []Command{PushRequest{Request: s.Request}}, nil
	case OnConnectionAttemptFailed, OnConnectionFailed, OnConnectionCompleted:
		return busyFailure(s.Request, false, e.Cause)
	default:
		return illegal(s, e)
	}
}

func transitionIdle(s State, e Event) (State, []Command, error) {
	switch e.Kind {
	case OnNewRequest:
		next := stateWaitingForResponse(e.Request, true)
		return next, []Command{PushRequest{Request: e.Request}}, nil
	case OnConnectionCompleted, OnConnectionFailed:
		return stateUnconnected(), nil, nil
	default:
		return illegal(s, e)
	}
}

func transitionWaitingForResponse(s State, e Event) (State, []Command, error) {
	switch e.Kind {
	case OnRequestEntityCompleted:
		if !s.ReqEntityPending {
			return illegal(s, e)
		}
		return stateWaitingForResponse(s.Request, false), nil, nil
	case OnResponseReceived:
		res := result.Success(e.Response)
		return stateWaitingForResponseDispatch(s.Request, res, s.ReqEntityPending), nil, nil
	case OnConnectionAttemptFailed, OnRequestEntityFailed, OnConnectionFailed, OnConnectionCompleted:
		return busyFailure(s.Request, s.ReqEntityPending, e.Cause)
	default:
		return illegal(s, e)
	}
}

// busyFailure implements the busy failure policy for the two states
// that hold an undispatched request: a retryable failure dispatches
// immediately and the slot always drops to Unconnected, regardless of
// reqEntityPending; a non-retryable failure instead carries the
// pending flag through to dispatch so a still-streaming request entity
// is accounted for.
func busyFailure(r *reqctx.RequestContext, pending bool, cause error) (State, []Command, error) {
	if r.CanBeRetried() {
		cmd := DispatchResult{Request: r, Result: result.Failure[*http.Response](cause)}
		return stateUnconnected(), []Command{cmd}, nil
	}
	return stateWaitingForResponseDispatch(r, result.Failure[*http.Response](cause), pending), nil, nil
}

func transitionWaitingForResponseDispatch(s State, e Event, q Queries) (State, []Command, error) {
	switch e.Kind {
	case OnRequestEntityCompleted:
		if !s.ReqEntityPending {
			return illegal(s, e)
		}
		return stateWaitingForResponseDispatch(s.Request, *s.Result, false), nil, nil
	case OnResponseDispatchable:
		cmd := DispatchResult{Request: s.Request, Result: *s.Result}
		if s.Result.Ok() {
			timeout := q.ResponseEntitySubscriptionTimeout()
			next := stateWaitingForResponseEntitySubscription(s.Request, *s.Result, timeout, s.ReqEntityPending)
			return next, []Command{cmd}, nil
		}
		return stateUnconnected(), []Command{cmd}, nil
	default:
		return illegal(s, e)
	}
}

func transitionWaitingForResponseEntitySubscription(s State, e Event) (State, []Command, error) {
	switch e.Kind {
	case OnRequestEntityCompleted:
		if !s.ReqEntityPending {
			return illegal(s, e)
		}
		return stateWaitingForResponseEntitySubscription(s.Request, *s.Result, s.SubscriptionWait, false), nil, nil
	case OnResponseEntitySubscribed:
		return stateWaitingForEndOfResponseEntity(s.Request, *s.Result, s.ReqEntityPending), nil, nil
	case OnTimeout:
		cmds := []Command{
			LogWarning{Message: "response entity subscription timed out", Request: s.Request},
			CloseConnection{},
		}
		return stateUnconnected(), cmds, nil
	default:
		return illegal(s, e)
	}
}

func transitionWaitingForEndOfResponseEntity(s State, e Event, q Queries) (State, []Command, error) {
	switch e.Kind {
	case OnRequestEntityCompleted:
		if !s.ReqEntityPending {
			return illegal(s, e)
		}
		return stateWaitingForEndOfResponseEntity(s.Request, *s.Result, false), nil, nil
	case OnResponseEntityCompleted:
		if s.ReqEntityPending {
			return stateWaitingForEndOfRequestEntity(), nil, nil
		}
		resp := s.Result.Value()
		if q.WillCloseAfter(resp) || q.IsConnectionClosed() {
			return stateUnconnected(), nil, nil
		}
		return stateIdle(), nil, nil
	case OnResponseEntityFailed:
		return stateUnconnected(), nil, nil
	case OnConnectionCompleted, OnConnectionFailed:
		// Result already dispatched; a late connection event changes
		// nothing. Generation-id tagging at the runtime boundary keeps
		// a stale event like this from reaching a different, later
		// occupant of the slot.
		return s, nil, nil
	default:
		return illegal(s, e)
	}
}

func transitionWaitingForEndOfRequestEntity(s State, e Event, q Queries) (State, []Command, error) {
	switch e.Kind {
	case OnRequestEntityCompleted, OnRequestEntityFailed:
		if q.IsConnectionClosed() {
			return stateUnconnected(), nil, nil
		}
		return stateIdle(), nil, nil
	case OnConnectionCompleted, OnConnectionFailed:
		return stateUnconnected(), nil, nil
	default:
		return illegal(s, e)
	}
}
