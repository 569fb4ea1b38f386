package relay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/whtunnel/whtunnel/internal/agent"
	"github.com/whtunnel/whtunnel/internal/relay"
)

// _start_backend creates a simple http server for testing.
func _start_backend(t *testing.T) (string, func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "passed")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "hello from backend")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)

	addr := fmt.Sprintf("http://%s", listener.Addr().String())
	return addr, func() { srv.Close() }
}

// _start_relay creates and starts a relay server for testing, returning
// its listen address and base domain.
func _start_relay(t *testing.T, secret string) (addr, baseDomain string, stop func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind relay: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	listener.Close()

	baseDomain = "localhost"
	cfg := &relay.Config{
		Host:                "127.0.0.1",
		Port:                port,
		BaseDomain:          baseDomain,
		AuthSharedSecret:    secret,
		MaxTunnels:          10,
		MaxPendingPerTunnel: 32,
		WebsocketHeartbeat:  5 * time.Second,
		RequestTimeout:      10 * time.Second,
		MaxBodyBytes:        1 << 20,
	}

	srv := relay.NewServer(cfg)
	go srv.Run()

	// give the server a moment to start
	time.Sleep(100 * time.Millisecond)
	return cfg.Addr(), baseDomain, func() { /* server shuts down when test ends */ }
}

// _fetch_subdomain polls the status endpoint until a tunnel is registered
// and returns its assigned subdomain.
func _fetch_subdomain(t *testing.T, relayAddr, baseDomain string) string {
	t.Helper()
	type statusResp struct {
		Tunnels []struct {
			Subdomain string `json:"subdomain"`
		} `json:"tunnels"`
	}

	for i := 0; i < 50; i++ {
		req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/status", relayAddr), nil)
		req.Host = baseDomain
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			var body statusResp
			if json.NewDecoder(resp.Body).Decode(&body) == nil && len(body.Tunnels) > 0 {
				resp.Body.Close()
				return body.Tunnels[0].Subdomain
			}
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("no tunnel registered within timeout")
	return ""
}

func Test_integration_end_to_end(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	secret := "integration-test-secret"

	// start backend
	backendURL, stopBackend := _start_backend(t)
	defer stopBackend()

	// start relay
	relayAddr, baseDomain, stopRelay := _start_relay(t, secret)
	defer stopRelay()

	// configure and start agent; it dials the relay by its base domain,
	// since /tunnel is only routed for the bare base domain host
	_, relayPort, _ := net.SplitHostPort(relayAddr)
	agentCfg := &agent.Config{
		Relay:   agent.RelayConfig{URL: fmt.Sprintf("ws://%s/tunnel", net.JoinHostPort(baseDomain, relayPort))},
		Backend: agent.BackendConfig{TargetURL: backendURL},
		Auth:    agent.AuthConfig{SharedSecret: secret},
		Tunnel: agent.TunnelConfig{
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 5 * time.Second,
			PingInterval:      5 * time.Second,
		},
	}

	a, err := agent.New(agentCfg)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Run(ctx)

	subdomain := _fetch_subdomain(t, relayAddr, baseDomain)

	// test: send request through the relay, addressed to the tunnel's subdomain
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/hello", relayAddr), nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = fmt.Sprintf("%s.%s", subdomain, baseDomain)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request through relay failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}

	if string(body) != "hello from backend" {
		t.Errorf("expected %q, got %q", "hello from backend", string(body))
	}

	if resp.Header.Get("X-Test") != "passed" {
		t.Errorf("expected X-Test header 'passed', got %q", resp.Header.Get("X-Test"))
	}
}
