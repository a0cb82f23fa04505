// Package slotrun is the slot runtime: it owns one connection and at
// most one in-flight request, drives slotstate.Transition from a
// serialized event queue, and performs every Command the state
// machine hands back.
package slotrun

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/result"
	"github.com/shockwave-http/slotpool/internal/slotlog"
	"github.com/shockwave-http/slotpool/internal/slotstate"
	"github.com/shockwave-http/slotpool/pkg/wireconn"
)

// ResultFunc is how a slot hands a settled or retryable outcome back
// to whatever owns it (the dispatcher's response merger). It is called
// exactly once per RequestContext that reaches a DispatchResult
// command.
type ResultFunc func(*reqctx.RequestContext, result.Result[*http.Response])

// Slot is one entry in the dispatcher's slot array: one event queue,
// one goroutine draining it, one connection at a time.
type Slot struct {
	index           int
	dialer          *wireconn.Dialer
	logger          *slotlog.Logger
	subTimeout      time.Duration
	idleConnTimeout time.Duration
	maxConnLifetime time.Duration
	onDispatch      ResultFunc

	events chan taggedEvent
	gen    generation

	mu           sync.Mutex
	conn         net.Conn
	closed       bool
	reqClose     bool
	connOpenedAt time.Time
	reusing      bool

	state    slotstate.State
	kindView atomic.Int32 // mirrors state.Kind for lock-free reads from Kind()

	timer     *time.Timer // arms the subscription-timeout event
	idleTimer *time.Timer // arms the idle/lifetime reap event

	onKindChange func(slotstate.Kind)
}

type taggedEvent struct {
	event       slotstate.Event
	generation  uint64
	checkGen    bool
	requireIdle bool
}

// New builds a Slot at the given index. onDispatch is invoked from the
// slot's own goroutine (inside Run), so it must not block on the
// slot's own events channel. idleConnTimeout and maxConnLifetime are
// zero-means-unbounded, matching config.Settings.
func New(index int, dialer *wireconn.Dialer, logger *slotlog.Logger, subscriptionTimeout, idleConnTimeout, maxConnLifetime time.Duration, onDispatch ResultFunc) *Slot {
	s := &Slot{
		index:           index,
		dialer:          dialer,
		logger:          logger,
		subTimeout:      subscriptionTimeout,
		idleConnTimeout: idleConnTimeout,
		maxConnLifetime: maxConnLifetime,
		onDispatch:      onDispatch,
		events:          make(chan taggedEvent, 8),
		state:           slotstate.New(),
	}
	s.kindView.Store(int32(s.state.Kind))
	return s
}

// Index returns the slot's position in the dispatcher's slot array.
func (s *Slot) Index() int { return s.index }

// SetKindChangeHook registers fn to be called, from the slot's own
// run-loop goroutine, every time a transition changes state.Kind. The
// dispatcher uses this instead of polling Kind() so its routing
// table reflects reality the instant a transition happens rather than
// whenever a caller next happens to check — polling would leave a
// window where two concurrent Do callers both observe the same slot
// as Unconnected and race to submit a request into it. Must be called
// before Run starts.
func (s *Slot) SetKindChangeHook(fn func(slotstate.Kind)) {
	s.onKindChange = fn
}

// Kind reports the slot's current state kind without blocking on the
// run loop — safe to call from the dispatcher's routing goroutine.
func (s *Slot) Kind() slotstate.Kind {
	return slotstate.Kind(s.kindView.Load())
}

// Submit enqueues an externally-sourced event (onNewRequest,
// onPreConnect, onShutdown) — these always apply to "now", so they
// bypass generation filtering. Submit blocks if the slot's queue is
// full; callers expecting backpressure (the dispatcher) should size
// their own request channel instead of racing this one.
func (s *Slot) Submit(e slotstate.Event) {
	s.events <- taggedEvent{event: e}
}

func (s *Slot) postGenerational(gen uint64, e slotstate.Event) {
	s.events <- taggedEvent{event: e, generation: gen, checkGen: true}
}

// postReap is postGenerational plus a requireIdle guard: a reap timer
// armed while the connection sat Idle can still fire after that same
// connection was handed to a fresh request (no redial, so the
// generation alone wouldn't catch it). Checked in Run alongside the
// generation so the two filters close the window together instead of
// racing against a separate check made outside the run loop.
func (s *Slot) postReap(gen uint64, e slotstate.Event) {
	s.events <- taggedEvent{event: e, generation: gen, checkGen: true, requireIdle: true}
}

// Run drains the slot's event queue until ctx is cancelled, applying
// Transition to every event and executing the Commands it returns.
// Exactly one goroutine may call Run for a given Slot.
func (s *Slot) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.handle(ctx, slotstate.Shutdown())
			s.stopTimer()
			s.stopIdleTimer()
			s.closeConn()
			return
		case te := <-s.events:
			if te.checkGen && te.generation != s.gen.current() {
				s.logger.Slog().Debug("dropping stale event",
					"slot", s.index, "event", te.event.Kind.String(),
					"event_gen", te.generation, "current_gen", s.gen.current())
				continue
			}
			if te.requireIdle && s.state.Kind != slotstate.Idle {
				s.logger.Slog().Debug("dropping reap for a slot no longer idle",
					"slot", s.index, "event", te.event.Kind.String(), "kind", s.state.Kind.String())
				continue
			}
			s.handle(ctx, te.event)
		}
	}
}

func (s *Slot) handle(ctx context.Context, e slotstate.Event) {
	prev := s.state
	next, cmds, err := slotstate.Transition(prev, e, s)
	if err != nil {
		if illErr, ok := err.(*slotstate.IllegalEventError); ok {
			s.logger.IllegalEvent(s.index, illErr)
		}
		s.teardown()
		return
	}

	s.logger.Transition(s.index, prev.Kind, next.Kind, e.Kind)

	if prev.Kind == slotstate.WaitingForResponseEntitySubscription && next.Kind != slotstate.WaitingForResponseEntitySubscription {
		s.stopTimer()
	}
	if prev.Kind == slotstate.Idle && next.Kind != slotstate.Idle {
		s.stopIdleTimer()
	}

	s.state = next
	s.setKind(next.Kind)

	reusing := prev.Kind == slotstate.Idle && next.Kind == slotstate.WaitingForResponse
	for _, cmd := range cmds {
		if _, ok := cmd.(slotstate.PushRequest); ok {
			s.mu.Lock()
			s.reusing = reusing
			s.mu.Unlock()
		}
		s.execute(ctx, cmd)
	}

	// Any transition that lands on Unconnected relinquishes whatever
	// connection the slot held — a failed exchange, a server-requested
	// close, or a reap (idle/lifetime). The PreConnecting/Connecting ->
	// Unconnected path on a dial failure has no connection yet, so this
	// is a no-op there; closeConn is itself idempotent.
	if next.Kind == slotstate.Unconnected && prev.Kind != slotstate.Unconnected {
		s.closeConn()
	}

	if next.Kind == slotstate.WaitingForResponseEntitySubscription && prev.Kind != slotstate.WaitingForResponseEntitySubscription {
		s.armTimer(next.SubscriptionWait)
	}
	if next.Kind == slotstate.Idle && prev.Kind != slotstate.Idle {
		s.armIdleTimer()
	}

	// This implementation has no notion of a consumer "not ready yet" —
	// a result is always dispatchable the instant nothing is still
	// pending on the request side, so the runtime advances the
	// onResponseDispatchable step itself rather than waiting for an
	// external trigger.
	if next.Kind == slotstate.WaitingForResponseDispatch && !next.ReqEntityPending {
		s.handle(ctx, slotstate.ResponseDispatchable())
	}
}

// teardown forces the slot back to Unconnected after an illegal event,
// closing whatever connection it held and bumping the generation so
// any I/O still in flight for the abandoned connection is discarded
// on arrival.
func (s *Slot) teardown() {
	s.stopTimer()
	s.stopIdleTimer()
	s.closeConn()
	s.gen.next()
	s.state = slotstate.New()
	s.setKind(s.state.Kind)
}

func (s *Slot) setKind(k slotstate.Kind) {
	s.kindView.Store(int32(k))
	if s.onKindChange != nil {
		s.onKindChange(k)
	}
}

func (s *Slot) execute(ctx context.Context, cmd slotstate.Command) {
	switch c := cmd.(type) {
	case slotstate.OpenConnection:
		s.executeOpenConnection(ctx)
	case slotstate.PushRequest:
		s.executePushRequest(ctx, c)
	case slotstate.DispatchResult:
		s.logger.Dispatched(s.index, c.Request, responseOrNil(c.Result), errOrNil(c.Result))
		s.onDispatch(c.Request, c.Result)
	case slotstate.LogWarning:
		s.logger.Warning(s.index, c.Message, c.Request)
	case slotstate.CloseConnection:
		s.closeConn()
	}
}

func responseOrNil(r result.Result[*http.Response]) *http.Response {
	if !r.Ok() {
		return nil
	}
	return r.Value()
}

func errOrNil(r result.Result[*http.Response]) error {
	if r.Ok() {
		return nil
	}
	return r.Err()
}

func (s *Slot) executeOpenConnection(ctx context.Context) {
	gen := s.gen.next()
	go func() {
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			s.logger.DialFailure(s.index, s.dialer.Target.String(), err)
			s.postGenerational(gen, slotstate.ConnectionAttemptFailed(err))
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.closed = false
		s.connOpenedAt = time.Now()
		s.mu.Unlock()
		s.postGenerational(gen, slotstate.ConnectionAttemptSucceeded())
	}()
}

func (s *Slot) executePushRequest(ctx context.Context, cmd slotstate.PushRequest) {
	gen := s.gen.current()
	req := cmd.Request

	s.mu.Lock()
	conn := s.conn
	reusing := s.reusing
	s.reqClose = req.Request.Close
	s.mu.Unlock()

	go func() {
		// A connection coming out of Idle may have been closed by the
		// peer while it sat unused; a freshly dialed one can't have,
		// so only reused connections pay this check. Modeled on
		// TCPHealthChecker.Check being run against pooled connections
		// before handing them back out, not against ones just dialed.
		if reusing && !wireconn.IsStillUsable(conn) {
			s.postGenerational(gen, slotstate.ConnectionFailed(wireconn.ErrPeerClosedIdleConn))
			return
		}
		if err := wireconn.WriteRequest(conn, req.Request); err != nil {
			s.postGenerational(gen, slotstate.RequestEntityFailed(err))
			return
		}
		s.postGenerational(gen, slotstate.RequestEntityCompleted())

		resp, err := wireconn.ReadResponse(conn, req.Request)
		if err != nil {
			s.postGenerational(gen, slotstate.ConnectionFailed(err))
			return
		}
		if err := wireconn.RefreshQuickAck(conn, s.dialer.Socket); err != nil {
			s.logger.Warning(s.index, "refresh quickack: "+err.Error(), req)
		}
		if err := wireconn.DecodeBody(resp); err != nil {
			s.postGenerational(gen, slotstate.ConnectionFailed(err))
			return
		}
		resp.Body = newEntityBody(resp.Body,
			func() { s.postGenerational(gen, slotstate.ResponseEntitySubscribed()) },
			func(entityErr error) {
				if entityErr == nil {
					s.postGenerational(gen, slotstate.ResponseEntityCompleted())
				} else {
					s.postGenerational(gen, slotstate.ResponseEntityFailed(entityErr))
				}
			},
		)
		s.postGenerational(gen, slotstate.ResponseReceived(resp))
	}()
}

func (s *Slot) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.closed {
		s.conn.Close()
		s.closed = true
	}
}

func (s *Slot) armTimer(wait time.Duration) {
	if wait <= 0 {
		return
	}
	gen := s.gen.current()
	s.timer = time.AfterFunc(wait, func() {
		s.postGenerational(gen, slotstate.Timeout())
	})
}

func (s *Slot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// armIdleTimer schedules the connection to be reaped after
// idleConnTimeout of sitting Idle, or sooner if maxConnLifetime runs
// out first while it sits Idle. The lifetime is only checked here, on
// entry to Idle: a connection already past its lifetime cap is reaped
// immediately instead of being armed, and one that passes the cap
// mid-exchange is reaped when it next becomes Idle.
func (s *Slot) armIdleTimer() {
	if s.idleConnTimeout <= 0 && s.maxConnLifetime <= 0 {
		return
	}
	gen := s.gen.current()
	s.mu.Lock()
	openedAt := s.connOpenedAt
	s.mu.Unlock()

	wait := s.idleConnTimeout
	reason := "idle_timeout"
	if s.maxConnLifetime > 0 {
		remaining := s.maxConnLifetime - time.Since(openedAt)
		if remaining <= 0 {
			s.reap(gen, "max_lifetime")
			return
		}
		if wait <= 0 || remaining < wait {
			wait = remaining
			reason = "max_lifetime"
		}
	}
	if wait <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(wait, func() {
		s.reap(gen, reason)
	})
}

// reap logs whatever TCP diagnostics are available for the connection
// about to be closed, then posts the event that drives it back to
// Unconnected.
func (s *Slot) reap(gen uint64, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	var tcpInfo any
	if conn != nil {
		if info, err := wireconn.TCPDiagnostics(conn); err == nil && info != nil {
			tcpInfo = info
		}
	}
	s.logger.Reaped(s.index, reason, tcpInfo)
	s.postReap(gen, slotstate.ConnectionCompleted())
}

func (s *Slot) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// Queries implementation — the read-only half Transition needs.

func (s *Slot) IsConnectionClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Slot) WillCloseAfter(resp *http.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resp.Close || s.reqClose
}

func (s *Slot) ResponseEntitySubscriptionTimeout() time.Duration {
	return s.subTimeout
}
