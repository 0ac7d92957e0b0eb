package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext cancels the returned context on SIGINT or SIGTERM so
// the HTTP server can drain in-flight requests before exiting. A second
// signal skips the drain and exits the process immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		// Parent cancellation is a normal exit, not an operator signal.
		if parent.Err() != nil {
			return
		}

		logger.Info("shutdown signal received, draining requests")

		force := make(chan os.Signal, 1)
		signal.Notify(force, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(force)

		select {
		case sig := <-force:
			logger.Warn("second signal received, exiting without drain",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
