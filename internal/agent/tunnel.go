package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/whtunnel/whtunnel/internal/protocol"
	"github.com/whtunnel/whtunnel/internal/relay"
)

// Tunnel manages the agent-side websocket connection to the relay.
type Tunnel struct {
	codec        *protocol.Codec
	conn         *websocket.Conn
	done         chan struct{}
	closeOnce    sync.Once
	handler      *RequestHandler
	pingInterval time.Duration
}

// ConnectTunnel establishes a websocket connection to the relay.
func ConnectTunnel(ctx context.Context, cfg *Config) (*Tunnel, error) {
	token := relay.GenerateToken(cfg.Auth.SharedSecret)
	url := cfg.Relay.URL + "?token=" + token

	slog.Info("connecting to relay", "url", cfg.Relay.URL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling relay: %w", err)
	}

	slog.Info("connected to relay")
	return &Tunnel{
		codec:        protocol.NewCodec(conn),
		conn:         conn,
		done:         make(chan struct{}),
		handler:      NewRequestHandler(cfg.Backend.TargetURL),
		pingInterval: cfg.Tunnel.PingInterval,
	}, nil
}

// Run reads the connected frame, then processes requests from the relay
// until the tunnel closes. Blocks until then.
func (t *Tunnel) Run() error {
	frame, err := t.codec.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading connected frame: %w", err)
	}
	connected, ok := frame.(*protocol.Connected)
	if !ok {
		return fmt.Errorf("expected connected frame, got %T", frame)
	}
	slog.Info("tunnel assigned", "tunnel_id", connected.TunnelID, "public_url", connected.PublicURL)

	go t._ping_loop()
	return t._read_loop()
}

// Close shuts down the tunnel connection.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.codec.Close()
		slog.Info("agent tunnel closed")
	})
}

// Done returns a channel that closes when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// _read_loop reads frames from the relay and dispatches http_request
// frames to the backend, one goroutine per request.
func (t *Tunnel) _read_loop() error {
	defer t.Close()

	for {
		frame, err := t.codec.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch f := frame.(type) {
		case *protocol.PingPong:
			if f.Type == protocol.TypePing {
				if err := t.codec.WriteFrame(&protocol.PingPong{Type: protocol.TypePong}); err != nil {
					return fmt.Errorf("sending pong: %w", err)
				}
			}

		case *protocol.HTTPRequest:
			go t._handle_request(f)

		default:
			slog.Warn("unexpected frame type from relay", "type", fmt.Sprintf("%T", frame))
		}
	}
}

// _handle_request processes a single request and sends the response back.
func (t *Tunnel) _handle_request(req *protocol.HTTPRequest) {
	resp := t.handler.HandleRequest(req)
	if err := t.codec.WriteFrame(resp); err != nil {
		slog.Error("failed to send response frame", "request", req.RequestID, "err", err)
	}
}

// _ping_loop sends periodic pings to keep the websocket alive.
func (t *Tunnel) _ping_loop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.codec.WriteFrame(&protocol.PingPong{Type: protocol.TypePing}); err != nil {
				slog.Error("agent ping failed", "err", err)
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}
