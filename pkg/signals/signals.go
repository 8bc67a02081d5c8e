// Package signals wires SIGINT/SIGTERM to graceful shutdown.
//
// The first signal cancels the returned context so listeners can drain. A
// second signal exits the process without waiting.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// exit is replaced in tests.
var (
	osExit = os.Exit
	exit   = os.Exit
)

// Setup registers a handler for SIGINT and SIGTERM and returns a context
// derived from parent that is canceled on the first one.
func Setup(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("signal received, shutting down")
		cancel()

		sig = <-sigCh
		log.Error().Str("signal", sig.String()).Msg("second signal received, exiting")
		exit(1)
	}()

	return ctx
}
