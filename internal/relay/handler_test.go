package relay

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whtunnel/whtunnel/internal/protocol"
)

const testBaseDomain = "relay.test"

func newTestHandler(t *testing.T, requestTimeout time.Duration, maxBodyBytes int64, maxPendingPerTunnel int) (*ProxyHandler, *Registry, *PendingTable) {
	t.Helper()
	registry := NewRegistry(0)
	pending := NewPendingTable()
	h := NewProxyHandler(registry, pending, testBaseDomain, requestTimeout, maxBodyBytes, maxPendingPerTunnel)
	return h, registry, pending
}

func doRequest(h *ProxyHandler, subdomain, path string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(http.MethodGet, path, nil)
	}
	r.Host = subdomain + "." + testBaseDomain
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func Test_handler_404_unknown_subdomain(t *testing.T) {
	h, _, _ := newTestHandler(t, time.Second, 1<<20, 0)

	w := doRequest(h, "no-such-tunnel", "/", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Tunnel Not Active") {
		t.Errorf("expected body to mention Tunnel Not Active, got %q", w.Body.String())
	}
}

// deadChannel rejects every write with an error, simulating a dead agent
// connection.
type deadChannel struct{}

func (deadChannel) WriteFrame(f any) error { return fmt.Errorf("write on closed connection") }
func (deadChannel) Close() error           { return nil }

func Test_handler_502_dispatch_failed(t *testing.T) {
	h, registry, _ := newTestHandler(t, time.Second, 1<<20, 0)
	tun, err := registry.Create(deadChannel{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := doRequest(h, tun.Subdomain, "/", nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func Test_handler_413_payload_too_large(t *testing.T) {
	h, registry, _ := newTestHandler(t, time.Second, 8, 0)
	tun, err := registry.Create(deadChannel{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := doRequest(h, tun.Subdomain, "/", bytes.Repeat([]byte("x"), 64))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

// silentChannel accepts every write but never replies, so the waiter
// always runs out its deadline.
type silentChannel struct{}

func (silentChannel) WriteFrame(f any) error { return nil }
func (silentChannel) Close() error           { return nil }

func Test_handler_504_timeout(t *testing.T) {
	h, registry, _ := newTestHandler(t, 20*time.Millisecond, 1<<20, 0)
	tun, err := registry.Create(silentChannel{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	start := time.Now()
	w := doRequest(h, tun.Subdomain, "/", nil)
	elapsed := time.Since(start)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	if elapsed > time.Second {
		t.Errorf("expected prompt timeout, took %v", elapsed)
	}
}

// respondingChannel immediately fulfills any http_request frame it
// receives against the shared pending table, simulating a healthy agent.
type respondingChannel struct {
	pending *PendingTable
}

func (c respondingChannel) WriteFrame(f any) error {
	req, ok := f.(*protocol.HTTPRequest)
	if !ok {
		return nil
	}
	go c.pending.Fulfill(req.RequestID, http.StatusOK, map[string]string{"content-type": "text/plain"}, []byte("ok"))
	return nil
}

func (respondingChannel) Close() error { return nil }

func Test_handler_concurrent_requests_increment_count(t *testing.T) {
	registry := NewRegistry(0)
	pending := NewPendingTable()
	h := NewProxyHandler(registry, pending, testBaseDomain, time.Second, 1<<20, 0)

	tun, err := registry.Create(respondingChannel{pending: pending})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := doRequest(h, tun.Subdomain, "/", nil)
			if w.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", w.Code)
			}
		}()
	}
	wg.Wait()

	if got := tun.RequestCount(); got != n {
		t.Fatalf("expected request_count == %d, got %d", n, got)
	}
}
