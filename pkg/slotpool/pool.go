// Package slotpool is the public facade: it wires internal/dispatcher,
// internal/slotrun and internal/slotstate into a usable HTTP/1.1 client
// library targeting a single host, the way shockwave/pkg/shockwave/client
// wires a ConnectionPool into Client.
package slotpool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shockwave-http/slotpool/internal/config"
	"github.com/shockwave-http/slotpool/internal/dispatcher"
	"github.com/shockwave-http/slotpool/internal/slotlog"
)

// Settings re-exports internal/config.Settings so callers never need to
// import an internal package to configure a Pool.
type Settings = config.Settings

// Default returns sensible Settings for a single-host pool.
func Default() Settings {
	return config.Default()
}

// Stats re-exports the dispatcher's slot-occupancy snapshot.
type Stats = dispatcher.Stats

// Pool is a bounded set of HTTP/1.1 connections to a single host. A Pool
// is safe for concurrent use by multiple goroutines.
type Pool struct {
	target *url.URL
	d      *dispatcher.Dispatcher
}

// New builds a Pool targeting target (scheme + host[:port], path and
// query are ignored) with the given Settings. logger may be nil, in
// which case the pool logs nothing. Callers must call Close when done.
func New(target *url.URL, settings Settings, logger *slotlog.Logger) (*Pool, error) {
	d, err := dispatcher.New(target, settings, logger)
	if err != nil {
		return nil, fmt.Errorf("slotpool: %w", err)
	}
	return &Pool{target: target, d: d}, nil
}

// Do routes req through the pool: a free slot is chosen (or a new
// connection dialed), the request is written, and Do blocks until a
// response arrives, the retry budget is exhausted, or ctx is cancelled.
// A non-idempotent request that is interrupted mid-flight by a
// connection failure is never retried (see retrypolicy.CanBeRetried).
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return p.d.Do(ctx, req)
}

// Stats reports how many of the pool's slots are idle, connected, or
// unconnected right now.
func (p *Pool) Stats() Stats {
	return p.d.Stats()
}

// Close shuts every slot down and waits for their run loops to exit,
// closing any connections still open. Close ignores ctx cancellation —
// shutdown always runs to completion, matching ConnectionPool.Close.
func (p *Pool) Close(ctx context.Context) error {
	p.d.Close()
	return nil
}
