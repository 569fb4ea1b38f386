package agent

import (
	"context"
	"log/slog"
	"time"
)

// Agent manages the lifecycle of the tunnel connection to the relay,
// including automatic reconnection with exponential backoff.
type Agent struct {
	cfg *Config
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	return &Agent{cfg: cfg}, nil
}

// Run enters the reconnect loop. Blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	return a._reconnect_loop(ctx)
}

// _reconnect_loop continuously attempts to connect and maintain the tunnel.
func (a *Agent) _reconnect_loop(ctx context.Context) error {
	delay := a.cfg.Tunnel.ReconnectDelay
	for {
		err := a._run_tunnel(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		// exponential backoff
		delay = delay * 2
		if delay > a.cfg.Tunnel.MaxReconnectDelay {
			delay = a.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// _run_tunnel connects to the relay and processes frames until disconnection.
func (a *Agent) _run_tunnel(ctx context.Context) error {
	tunnel, err := ConnectTunnel(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer tunnel.Close()

	tunnelErr := make(chan error, 1)
	go func() {
		tunnelErr <- tunnel.Run()
	}()

	select {
	case err := <-tunnelErr:
		return err
	case <-ctx.Done():
		tunnel.Close()
		return ctx.Err()
	}
}
