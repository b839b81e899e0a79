package avsession

import (
	"context"

	"go2tv.app/avsession/internal/domain"
)

// Result is the outcome of an operation started with Async.
type Result[T any] struct {
	Value T
	Err   error
}

// Async runs fn on its own goroutine and delivers exactly one Result on the
// returned channel. Any synchronous operation of the service can be wrapped
// this way; fn sees the same ctx.
func Async[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- Result[T]{Err: domain.Errorf(domain.CodeServiceException, "operation panicked: %v", r)}
			}
		}()
		if err := ctx.Err(); err != nil {
			out <- Result[T]{Err: err}
			return
		}
		v, err := fn(ctx)
		out <- Result[T]{Value: v, Err: err}
	}()
	return out
}

// AsyncErr is Async for operations that only return an error.
func AsyncErr(ctx context.Context, fn func(context.Context) error) <-chan error {
	out := make(chan error, 1)
	go func() {
		res := <-Async(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		out <- res.Err
	}()
	return out
}
