package main

import (
	"context"
	"os/signal"
)

// signalContext is cancelled on Ctrl+C or a termination signal
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, shutdownSignals...)
}
