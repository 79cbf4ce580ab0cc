package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Run loads configuration, opens the session and serves the bridge until SIGINT or
// SIGTERM. cmd/telechat turns the returned error into the exit status.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	session, err := New(cfg, log)
	if err != nil {
		log.Error("session.start.fail", "err", err)
		return fmt.Errorf("telechat: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return session.Run(ctx)
}
