//go:build !windows

package lifecycle

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

func TestNotifyContextCancelsOnSignal(t *testing.T) {
	ctx, stop := NotifyContext(context.Background(), nil)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled by SIGHUP")
	}
	var sigErr *SignalError
	if !errors.As(context.Cause(ctx), &sigErr) || sigErr.Signal != syscall.SIGHUP {
		t.Fatalf("cause = %v, want SIGHUP", context.Cause(ctx))
	}
}

func TestNotifyContextStopIsIdempotent(t *testing.T) {
	ctx, stop := NotifyContext(context.Background(), nil)
	stop()
	stop()
	if !errors.Is(context.Cause(ctx), context.Canceled) {
		t.Fatalf("cause = %v, want context.Canceled", context.Cause(ctx))
	}
}
