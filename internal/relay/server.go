package relay

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// tunnelPath is the agent control-surface websocket path, per spec.md §6.
const tunnelPath = "/tunnel"

// isBareBaseDomain reports whether host (port stripped, lowercased)
// equals baseDomain exactly, i.e. the admin surface rather than a tunnel
// subdomain.
func isBareBaseDomain(host, baseDomain string) bool {
	h := strings.ToLower(host)
	if hostOnly, _, err := net.SplitHostPort(h); err == nil {
		h = hostOnly
	}
	return h == strings.ToLower(baseDomain)
}

// Server is the single value owning the registry, the pending table, and
// configuration, wired into an http.Handler that serves both the public
// proxy surface and the agent control surface. No process-wide globals.
type Server struct {
	cfg      *Config
	registry *Registry
	pending  *PendingTable
	proxy    *ProxyHandler
	status   *StatusHandler
	upgrader websocket.Upgrader
}

// NewServer builds a fully-wired relay server from cfg.
func NewServer(cfg *Config) *Server {
	registry := NewRegistry(cfg.MaxTunnels)
	pending := NewPendingTable()
	return &Server{
		cfg:      cfg,
		registry: registry,
		pending:  pending,
		proxy:    NewProxyHandler(registry, pending, cfg.BaseDomain, cfg.RequestTimeout, cfg.MaxBodyBytes, cfg.MaxPendingPerTunnel),
		status:   NewStatusHandler(registry),
		upgrader: Upgrader(),
	}
}

// Registry exposes the tunnel registry, e.g. for tests driving the
// control-channel handler directly.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler builds the top-level http.Handler: the bare base domain serves
// /status and the agent websocket upgrade at /tunnel; every other host
// (and any other path on the bare domain) is resolved by the proxy
// handler as a tunnel subdomain.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	bare := router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return isBareBaseDomain(r.Host, s.cfg.BaseDomain)
	}).Subrouter()
	bare.Handle("/status", s.status).Methods(http.MethodGet)
	bare.HandleFunc(tunnelPath, s.handleTunnelUpgrade)

	router.PathPrefix("/").Handler(s.proxy)
	return router
}

// Run starts the relay server and blocks until it exits.
func (s *Server) Run() error {
	addr := s.cfg.Addr()
	slog.Info("relay server starting", "addr", addr, "base_domain", s.cfg.BaseDomain, "tls", s.cfg.TLSEnabled)

	handler := s.Handler()
	if s.cfg.TLSEnabled {
		return http.ListenAndServeTLS(addr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile, handler)
	}
	return http.ListenAndServe(addr, handler)
}

// handleTunnelUpgrade validates the agent's HMAC token, upgrades the
// connection, and runs its control-channel handler until disconnection.
func (s *Server) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Auth-Token")
	}
	if err := ValidateToken(s.cfg.AuthSharedSecret, token); err != nil {
		slog.Warn("agent auth failed", "err", err, "remote", r.RemoteAddr)
		writeErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	cc := NewControlConn(conn, s.registry, s.pending, s.cfg.BaseDomain, s.cfg.WebsocketHeartbeat, s.cfg.TLSEnabled)
	if err := cc.Run(); err != nil {
		slog.Info("agent control connection ended", "err", err)
	}
}
