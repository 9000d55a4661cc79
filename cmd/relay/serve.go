package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/relay/internal/app"
)

// runServe starts the scheduler, sweeps and pool maintenance, then
// blocks until an interrupt arrives. Shutdown itself happens in the
// caller's deferred Close.
func runServe(application *app.App) error {
	if err := application.StartServe(); err != nil {
		return err
	}

	logger.Info().
		Str("tick_interval", config.Scheduler.TickInterval.String()).
		Int("webhook_concurrency", config.Webhooks.Concurrency).
		Msg("Relay worker started")
	fmt.Println("Relay worker running - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")
	return nil
}
