package main

import (
	"log/slog"
	"os"

	"github.com/whtunnel/whtunnel/internal/relay"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := relay.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	server := relay.NewServer(cfg)
	if err := server.Run(); err != nil {
		slog.Error("relay server exited with error", "err", err)
		os.Exit(1)
	}
}
