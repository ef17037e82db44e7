package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openbrop/bridge/cmd/config"
	"github.com/openbrop/bridge/lib/bridge"
)

// Exit codes: 0 normal shutdown, 64 port bind failure, 70 unrecoverable
// internal error, 75 extension handshake rejected.
const (
	exitBindFailure        = 64
	exitInternal           = 70
	exitHandshakeRejection = 75
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(exitInternal)
	}
	slogger.Info("bridge configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(slogger, config)
	err = b.Run(ctx)

	var bindErr *bridge.BindError
	switch {
	case err == nil:
		slogger.Info("bridge stopped")
	case errors.As(err, &bindErr):
		slogger.Error("listener bind failed", "name", bindErr.Name, "addr", bindErr.Addr, "err", bindErr.Err)
		os.Exit(exitBindFailure)
	case errors.Is(err, bridge.ErrHandshakeRejected):
		slogger.Error("extension handshake rejected", "err", err)
		os.Exit(exitHandshakeRejection)
	default:
		slogger.Error("bridge failed", "err", err)
		os.Exit(exitInternal)
	}
}
