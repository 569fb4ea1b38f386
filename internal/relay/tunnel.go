package relay

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/whtunnel/whtunnel/internal/protocol"
)

// ControlConn owns one agent websocket connection end to end: handshake,
// frame demultiplexing, heartbeat enforcement, and teardown. It is the
// control-channel handler of spec.md §4.4.
type ControlConn struct {
	codec      *protocol.Codec
	conn       *websocket.Conn
	registry   *Registry
	pending    *PendingTable
	tunnel     *Tunnel
	baseDomain string
	heartbeat  time.Duration
	tlsEnabled bool
	done       chan struct{}
	closeOnce  sync.Once
}

// NewControlConn wraps an upgraded websocket connection and prepares it
// for Run. Handshake (tunnel creation + connected frame) has not happened
// yet.
func NewControlConn(conn *websocket.Conn, registry *Registry, pending *PendingTable, baseDomain string, heartbeat time.Duration, tlsEnabled bool) *ControlConn {
	return &ControlConn{
		codec:      protocol.NewCodec(conn),
		conn:       conn,
		registry:   registry,
		pending:    pending,
		baseDomain: baseDomain,
		heartbeat:  heartbeat,
		tlsEnabled: tlsEnabled,
		done:       make(chan struct{}),
	}
}

// Run performs the INIT -> ASSIGNED handshake, then blocks reading and
// dispatching frames until the connection closes, a protocol violation
// occurs, or the heartbeat deadline elapses. Teardown (registry removal
// and failing this tunnel's pendings) always happens before Run returns.
func (c *ControlConn) Run() error {
	tunnel, err := c.registry.Create(c.codec)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("creating tunnel: %w", err)
	}
	c.tunnel = tunnel

	scheme := "http"
	if c.tlsEnabled {
		scheme = "https"
	}
	connected := &protocol.Connected{
		Type:      protocol.TypeConnected,
		TunnelID:  tunnel.ID,
		Subdomain: tunnel.Subdomain,
		PublicURL: fmt.Sprintf("%s://%s.%s", scheme, tunnel.Subdomain, c.baseDomain),
	}
	if err := tunnel.Send(connected); err != nil {
		c.teardown()
		return fmt.Errorf("sending connected frame: %w", err)
	}

	c.refreshDeadline()
	go c.pingLoop()

	err = c.readLoop()
	c.teardown()
	return err
}

// Tunnel returns the live Tunnel once Run has completed its handshake.
func (c *ControlConn) Tunnel() *Tunnel {
	return c.tunnel
}

func (c *ControlConn) refreshDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
}

func (c *ControlConn) readLoop() error {
	for {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		c.refreshDeadline()

		switch f := frame.(type) {
		case *protocol.HTTPResponse:
			body, decodeErr := base64.StdEncoding.DecodeString(f.Body)
			if decodeErr != nil {
				slog.Warn("agent sent malformed response body", "tunnel", c.tunnel.ID, "request", f.RequestID)
				return fmt.Errorf("protocol error: malformed body: %w", decodeErr)
			}
			if !c.pending.Fulfill(f.RequestID, f.Status, f.Headers, body) {
				slog.Debug("dropped reply for unknown or completed request", "tunnel", c.tunnel.ID, "request", f.RequestID)
			}

		case *protocol.PingPong:
			// heartbeat already refreshed above; nothing else to do.

		default:
			return fmt.Errorf("protocol error: unexpected frame type %T", frame)
		}
	}
}

func (c *ControlConn) pingLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.tunnel.Send(&protocol.PingPong{Type: protocol.TypePing}); err != nil {
				slog.Warn("heartbeat ping failed, closing tunnel", "tunnel", c.tunnel.ID, "err", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close shuts down the control connection; safe to call multiple times
// and from any goroutine.
func (c *ControlConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.codec.Close()
	})
}

// teardown removes the tunnel from the registry and fails every pending
// request that was waiting on it, per the destruction contract in
// spec.md §3.
func (c *ControlConn) teardown() {
	c.Close()
	if c.tunnel != nil {
		c.registry.Remove(c.tunnel.ID)
		c.pending.FailAllForTunnel(c.tunnel.ID, KindTunnelGone)
	}
}

// Upgrader builds the websocket.Upgrader used for the agent control
// surface. CheckOrigin is permissive: the control surface is
// authenticated by HMAC token, not by browser origin.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}
