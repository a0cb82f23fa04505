// Package dispatcher is the third core component: a bounded array of
// slots, a request router, a warm-connection maintainer, and a
// response merger. It is the only place that knows about more than one
// slot at a time.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shockwave-http/slotpool/internal/config"
	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/result"
	"github.com/shockwave-http/slotpool/internal/slotlog"
	"github.com/shockwave-http/slotpool/internal/slotrun"
	"github.com/shockwave-http/slotpool/internal/slotstate"
	"github.com/shockwave-http/slotpool/pkg/wireconn"
)

// routePollInterval is how often a request blocked on a full pool
// re-checks for a freed slot, matching the poll cadence of
// ConnectionPool.GetConn's wait loop.
const routePollInterval = 10 * time.Millisecond

// Stats reports the dispatcher's slot occupancy, modeled on
// ConnectionPool.Stats()/PoolStats.
type Stats struct {
	Total       int
	Idle        int
	Connected   int // slots mid-exchange: anything but Unconnected/Idle
	Unconnected int
}

// Dispatcher owns MaxConnections slots targeting a single host and
// routes RequestContexts into them: idle+connected first, else an
// Unconnected slot, else backpressure.
type Dispatcher struct {
	settings config.Settings
	logger   *slotlog.Logger
	slots    []*slotrun.Slot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex // guards localKind, cursor, and inflight
	cursor int        // round-robin starting point for idle-slot search

	// localKind is the dispatcher's own authoritative view of each
	// slot's Kind, kept current by each slot's onKindChange hook rather
	// than read via Slot.Kind() at routing time — see
	// slotrun.Slot.SetKindChangeHook for why polling would race.
	localKind []slotstate.Kind

	// inflight tracks every routed request's completion handle that has
	// not yet settled, so Close can settle them with a shutdown failure
	// instead of leaving callers to notice only via ctx cancellation.
	inflight map[*reqctx.Completion]struct{}
}

// New builds a Dispatcher targeting target and starts every slot's run
// loop. Callers must call Close when done to release the slots'
// connections and goroutines.
func New(target *url.URL, settings config.Settings, logger *slotlog.Logger) (*Dispatcher, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	if logger == nil {
		logger = slotlog.Discard()
	}

	dialer := wireconn.NewDialer(target, settings.DialTimeout, settings.TLSConfig, settings.Socket)
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		settings: settings,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[*reqctx.Completion]struct{}),
	}

	d.slots = make([]*slotrun.Slot, settings.MaxConnections)
	d.localKind = make([]slotstate.Kind, settings.MaxConnections)
	for i := range d.slots {
		idx := i
		slot := slotrun.New(idx, dialer, logger, settings.ResponseEntitySubscriptionTimeout, settings.IdleConnTimeout, settings.MaxConnLifetime, d.handleResult)
		slot.SetKindChangeHook(func(k slotstate.Kind) {
			d.mu.Lock()
			d.localKind[idx] = k
			d.mu.Unlock()
		})
		d.slots[idx] = slot
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			slot.Run(ctx)
		}()
	}

	for i := 0; i < settings.MinConnections; i++ {
		d.slots[i].Submit(slotstate.PreConnect())
	}

	return d, nil
}

// Do routes req into a slot and blocks until the request settles or
// ctx is cancelled. This is the dispatcher-facing half of
// pkg/slotpool.Pool.Do.
//
// When every slot is busy, Do applies backpressure rather than failing
// fast: it polls for a freed slot the way ConnectionPool.GetConn does,
// bounded only by ctx (and the dispatcher's own shutdown).
func (d *Dispatcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	rc := reqctx.New(req, d.settings.MaxRetries)
	if err := d.awaitRoute(ctx, rc); err != nil {
		return nil, err
	}

	select {
	case <-rc.Completion.Done():
		res := rc.Completion.Result()
		if res.Ok() {
			return res.Value(), nil
		}
		return nil, res.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, fmt.Errorf("dispatcher: closed")
	}
}

// awaitRoute routes rc into a slot, waiting for one to free up if every
// slot is currently busy. Grounded on ConnectionPool.GetConn's
// ticker-plus-deadline wait loop: a request that arrives when the pool
// is saturated blocks instead of being shed.
func (d *Dispatcher) awaitRoute(ctx context.Context, rc *reqctx.RequestContext) error {
	if d.route(rc) {
		return nil
	}

	ticker := time.NewTicker(routePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return fmt.Errorf("dispatcher: closed")
		case <-ticker.C:
			if d.route(rc) {
				return nil
			}
		}
	}
}

// route picks a slot for rc: the first Idle slot, else the first
// Unconnected slot (which dials on rc's behalf), else false for
// backpressure. Both searches start at a round-robin cursor that
// advances by one on every call.
func (d *Dispatcher) route(rc *reqctx.RequestContext) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.slots)
	start := d.cursor
	d.cursor = (d.cursor + 1) % n

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if d.localKind[idx] == slotstate.Idle {
			// Mark busy before Submit, under the same lock: the slot's
			// own onKindChange hook won't fire until it actually
			// processes the event, which would otherwise leave a window
			// where a second concurrent route() sees this slot as still
			// Idle and double-books it.
			d.localKind[idx] = slotstate.WaitingForResponse
			d.inflight[rc.Completion] = struct{}{}
			d.slots[idx].Submit(slotstate.NewRequest(rc))
			return true
		}
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if d.localKind[idx] == slotstate.Unconnected {
			d.localKind[idx] = slotstate.Connecting
			d.inflight[rc.Completion] = struct{}{}
			d.slots[idx].Submit(slotstate.NewRequest(rc))
			return true
		}
	}
	return false
}

// handleResult is every slot's onDispatch callback: the response
// merger. A retryable failure is re-enqueued with retriesLeft - 1;
// anything else settles rc's completion handle.
func (d *Dispatcher) handleResult(rc *reqctx.RequestContext, res result.Result[*http.Response]) {
	if !res.Ok() && rc.CanBeRetried() {
		retried := rc.Retry()
		d.logger.Retrying(retried)
		if d.route(retried) {
			return
		}
		// No slot accepted the retry (every slot busy, none Idle or
		// Unconnected); fall through and settle
		// the original completion handle with the failure rather than
		// drop the request silently.
	}

	d.mu.Lock()
	delete(d.inflight, rc.Completion)
	d.mu.Unlock()
	rc.Completion.Settle(res)
}

// Stats reports slot occupancy across the pool.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{Total: len(d.slots)}
	for _, kind := range d.localKind {
		switch kind {
		case slotstate.Idle:
			stats.Idle++
		case slotstate.Unconnected:
			stats.Unconnected++
		default:
			stats.Connected++
		}
	}
	return stats
}

// Close shuts every slot down, waits for their run loops to exit, and
// settles any outstanding completion handle with a shutdown failure so
// a caller blocked in Do is unblocked via its own handle rather than
// only by ctx cancellation racing against d.ctx.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	pending := make([]*reqctx.Completion, 0, len(d.inflight))
	for c := range d.inflight {
		pending = append(pending, c)
	}
	d.inflight = make(map[*reqctx.Completion]struct{})
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	shutdown := result.Failure[*http.Response](fmt.Errorf("dispatcher: closed"))
	for _, c := range pending {
		c.Settle(shutdown)
	}
}
