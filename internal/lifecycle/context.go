package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// NotifyContext is cancelled on the first termination signal, which is
// logged and kept as the context's cause.
func NotifyContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, TerminationSignals()...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			if logger != nil {
				logger.Info("shutdown_signal", slog.String("signal", sig.String()))
			}
			cancel(&SignalError{Signal: sig})
		case <-ctx.Done():
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			cancel(context.Canceled)
		})
	}
}

// SignalError is the cancellation cause when a signal stopped the run.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "received " + e.Signal.String()
}
