package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shockwave-http/slotpool/internal/config"
	"github.com/shockwave-http/slotpool/internal/slotlog"
)

func newTestDispatcher(t *testing.T, server *httptest.Server, settings config.Settings) *Dispatcher {
	t.Helper()
	target, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	d, err := New(target, settings, slotlog.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherRoutesSingleRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer server.Close()

	s := config.Default()
	s.MaxConnections = 2
	d := newTestDispatcher(t, server, s)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestDispatcherHandlesConcurrentRequests(t *testing.T) {
	var served atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	s := config.Default()
	s.MaxConnections = 4
	d := newTestDispatcher(t, server, s)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
			if err != nil {
				errs <- err
				return
			}
			resp, err := d.Do(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("request failed: %v", err)
	}
	if got := served.Load(); got != n {
		t.Errorf("server saw %d requests, want %d", got, n)
	}
}

func TestDispatcherRetriesOnConnectionFailure(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n == 1 {
			// Close the connection without a response to force a
			// retryable failure on the first attempt.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("ResponseWriter does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("Hijack: %v", err)
			}
			conn.Close()
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer server.Close()

	s := config.Default()
	s.MaxConnections = 1
	s.MaxRetries = 2
	d := newTestDispatcher(t, server, s)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := d.Do(ctx, req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "recovered" {
		t.Errorf("body = %q, want %q", body, "recovered")
	}
	if attempts.Load() < 2 {
		t.Errorf("server saw %d attempts, want at least 2", attempts.Load())
	}
}

func TestDispatcherBlocksInsteadOfFailingFastWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	s := config.Default()
	s.MaxConnections = 1
	d := newTestDispatcher(t, server, s)

	req1, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	firstDone := make(chan struct{})
	go func() {
		resp, err := d.Do(context.Background(), req1)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		close(firstDone)
	}()

	// Give the first request time to occupy the sole slot before the
	// second arrives and finds the pool saturated.
	time.Sleep(50 * time.Millisecond)

	req2, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	secondErr := make(chan error, 1)
	go func() {
		resp, err := d.Do(context.Background(), req2)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		secondErr <- err
	}()

	// The second request must still be waiting, not already failed with
	// "no slot available", while the first is still in flight.
	select {
	case err := <-secondErr:
		t.Fatalf("second request settled before the slot freed (err=%v); backpressure should block, not fail fast", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-firstDone

	select {
	case err := <-secondErr:
		if err != nil {
			t.Errorf("second request failed after the slot freed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second request to be routed once the slot freed")
	}
}

func TestDispatcherCloseSettlesWaitingRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	s := config.Default()
	s.MaxConnections = 1
	d := newTestDispatcher(t, server, s)

	req1, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	go d.Do(context.Background(), req1)
	time.Sleep(50 * time.Millisecond)

	req2, err := http.NewRequest(http.MethodGet, server.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	waitingErr := make(chan error, 1)
	go func() {
		_, err := d.Do(context.Background(), req2)
		waitingErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	d.Close()
	close(release)

	select {
	case err := <-waitingErr:
		if err == nil {
			t.Error("expected the waiting request to settle with a shutdown error, got nil")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Close to settle the waiting request")
	}
}

func TestDispatcherStatsReflectsSlotCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer server.Close()

	s := config.Default()
	s.MaxConnections = 3
	d := newTestDispatcher(t, server, s)

	stats := d.Stats()
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Unconnected != 3 {
		t.Errorf("Unconnected = %d, want 3 before any traffic", stats.Unconnected)
	}
}
