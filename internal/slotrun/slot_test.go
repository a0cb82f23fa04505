package slotrun

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/result"
	"github.com/shockwave-http/slotpool/internal/slotlog"
	"github.com/shockwave-http/slotpool/internal/slotstate"
	"github.com/shockwave-http/slotpool/pkg/wireconn"
)

func newTestSlot(t *testing.T, server *httptest.Server, onDispatch ResultFunc) (*Slot, context.Context, context.CancelFunc) {
	t.Helper()
	target, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	dialer := wireconn.NewDialer(target, 2*time.Second, nil, nil)
	logger := slotlog.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(0, dialer, logger, 0, 0, 0, onDispatch)
	return s, ctx, cancel
}

func newGetRequest(t *testing.T, server *httptest.Server) *reqctx.RequestContext {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return reqctx.New(req, 1)
}

func TestSlotHappyPathDispatchesSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "pong")
	}))
	defer server.Close()

	var mu sync.Mutex
	var got result.Result[*http.Response]
	done := make(chan struct{})

	s, ctx, cancel := newTestSlot(t, server, func(r *reqctx.RequestContext, res result.Result[*http.Response]) {
		mu.Lock()
		got = res
		mu.Unlock()
		close(done)
	})
	defer cancel()

	go s.Run(ctx)

	req := newGetRequest(t, server)
	s.Submit(slotstate.NewRequest(req))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if !got.Ok() {
		t.Fatalf("expected success, got error: %v", got.Err())
	}
	if got.Value().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", got.Value().StatusCode)
	}
}

func TestSlotReusesConnectionAfterEntityRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	results := make(chan result.Result[*http.Response], 2)
	s, ctx, cancel := newTestSlot(t, server, func(r *reqctx.RequestContext, res result.Result[*http.Response]) {
		results <- res
	})
	defer cancel()

	go s.Run(ctx)

	req1 := newGetRequest(t, server)
	s.Submit(slotstate.NewRequest(req1))

	var first result.Result[*http.Response]
	select {
	case first = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}
	if !first.Ok() {
		t.Fatalf("first request failed: %v", first.Err())
	}
	io.Copy(io.Discard, first.Value().Body)
	first.Value().Body.Close()

	// Give the entity-completion event a moment to land and return the
	// slot to Idle before the second request arrives.
	deadline := time.Now().Add(time.Second)
	for s.Kind() != slotstate.Idle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Kind() != slotstate.Idle {
		t.Fatalf("slot did not return to Idle, stuck in %s", s.Kind())
	}

	req2 := newGetRequest(t, server)
	s.Submit(slotstate.NewRequest(req2))

	select {
	case second := <-results:
		if !second.Ok() {
			t.Fatalf("second request failed: %v", second.Err())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second dispatch")
	}
}

func TestSlotReapsIdleConnectionAfterTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	target, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	dialer := wireconn.NewDialer(target, 2*time.Second, nil, nil)
	logger := slotlog.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan result.Result[*http.Response], 1)
	s := New(0, dialer, logger, 0, 20*time.Millisecond, 0, func(r *reqctx.RequestContext, res result.Result[*http.Response]) {
		results <- res
	})
	go s.Run(ctx)

	req := newGetRequest(t, server)
	s.Submit(slotstate.NewRequest(req))

	select {
	case res := <-results:
		if !res.Ok() {
			t.Fatalf("request failed: %v", res.Err())
		}
		io.Copy(io.Discard, res.Value().Body)
		res.Value().Body.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	deadline := time.Now().Add(time.Second)
	for s.Kind() != slotstate.Idle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Kind() != slotstate.Idle {
		t.Fatalf("slot did not return to Idle, stuck in %s", s.Kind())
	}

	// idleConnTimeout is 20ms; give the timer well past that to fire
	// and reap the connection back to Unconnected.
	deadline = time.Now().Add(2 * time.Second)
	for s.Kind() != slotstate.Unconnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Kind() != slotstate.Unconnected {
		t.Fatalf("slot did not reap idle connection, stuck in %s", s.Kind())
	}
}

func TestSlotReusedConnectionSurvivesRaceWithReapTimer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	target, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	dialer := wireconn.NewDialer(target, 2*time.Second, nil, nil)
	logger := slotlog.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan result.Result[*http.Response], 1)
	// idleConnTimeout is tiny enough that the reap timer is already
	// armed and close to firing by the time the next request is routed
	// onto the same, still-live connection: the requireIdle guard in
	// postReap must drop the stale reap rather than let it masquerade
	// as a failure for the second request.
	s := New(0, dialer, logger, 0, time.Millisecond, 0, func(r *reqctx.RequestContext, res result.Result[*http.Response]) {
		results <- res
	})
	go s.Run(ctx)

	req1 := newGetRequest(t, server)
	s.Submit(slotstate.NewRequest(req1))

	select {
	case res := <-results:
		if !res.Ok() {
			t.Fatalf("first request failed: %v", res.Err())
		}
		io.Copy(io.Discard, res.Value().Body)
		res.Value().Body.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}

	deadline := time.Now().Add(time.Second)
	for s.Kind() != slotstate.Idle && time.Now().Before(deadline) {
	}
	if s.Kind() != slotstate.Idle {
		t.Fatalf("slot did not return to Idle, stuck in %s", s.Kind())
	}

	req2 := newGetRequest(t, server)
	s.Submit(slotstate.NewRequest(req2))

	select {
	case res := <-results:
		if !res.Ok() {
			t.Fatalf("second request was spuriously failed by a stale reap: %v", res.Err())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second dispatch")
	}
}

func TestSlotDialFailureDispatchesFailure(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	dialer := wireconn.NewDialer(target, 200*time.Millisecond, nil, nil)
	done := make(chan result.Result[*http.Response], 1)
	s := New(0, dialer, slotlog.Discard(), 0, 0, 0, func(r *reqctx.RequestContext, res result.Result[*http.Response]) {
		done <- res
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	rc := reqctx.New(req, 0) // non-retryable: no budget left
	s.Submit(slotstate.NewRequest(rc))

	select {
	case res := <-done:
		if res.Ok() {
			t.Fatal("expected a dial failure, got success")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dial failure dispatch")
	}
	if s.Kind() != slotstate.Unconnected {
		t.Errorf("slot kind = %s, want Unconnected after dial failure", s.Kind())
	}
}
