// Package reqctx defines RequestContext, the immutable record that rides
// through the dispatcher and slot state machine for the lifetime of one
// HTTP request.
package reqctx

import (
	"net/http"
	"sync"

	"github.com/shockwave-http/slotpool/internal/result"
	"github.com/shockwave-http/slotpool/internal/retrypolicy"
)

// Completion is the one-shot handle a caller awaits for a request's
// outcome. It settles exactly once, from pending to either success or
// failure.
type Completion struct {
	once sync.Once
	done chan struct{}
	res  result.Result[*http.Response]
}

// NewCompletion returns a pending completion handle.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Settle resolves the completion exactly once. Later calls are no-ops,
// preserving "settled exactly once" even if both the slot runtime and a
// shutdown path race to settle the same request.
func (c *Completion) Settle(res result.Result[*http.Response]) {
	c.once.Do(func() {
		c.res = res
		close(c.done)
	})
}

// Done returns a channel closed once Settle has run.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Result returns the settled result. Only meaningful after Done() has
// fired.
func (c *Completion) Result() result.Result[*http.Response] { return c.res }

// IsSettled reports whether Settle has already run, without blocking.
func (c *Completion) IsSettled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// RequestContext is the immutable record that carries the HTTP
// request, a one-shot completion handle, and the retry budget.
type RequestContext struct {
	Request     *http.Request
	Completion  *Completion
	RetriesLeft int
}

// New wraps req with a fresh, pending completion handle and the given
// retry budget.
func New(req *http.Request, retriesLeft int) *RequestContext {
	return &RequestContext{
		Request:     req,
		Completion:  NewCompletion(),
		RetriesLeft: retriesLeft,
	}
}

// CanBeRetried is true iff RetriesLeft > 0 AND the request is
// idempotent by method and has a replayable entity.
func (r *RequestContext) CanBeRetried() bool {
	return retrypolicy.CanBeRetried(r.Request, r.RetriesLeft)
}

// Retry returns a new RequestContext for the same request and completion
// handle with RetriesLeft decremented by one. The dispatcher calls this
// when re-enqueuing a retryable failure; the original RequestContext is
// relinquished by the slot.
func (r *RequestContext) Retry() *RequestContext {
	return &RequestContext{
		Request:     r.Request,
		Completion:  r.Completion,
		RetriesLeft: r.RetriesLeft - 1,
	}
}
