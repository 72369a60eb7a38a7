// Package async provides a single-assignment result that lifecycle conditions
// poll instead of registering completion callbacks.
package async

import (
	"context"
	"sync"
)

// Result is completed exactly once by a producer and polled by a consumer.
type Result[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates a pending result.
func New[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Completed returns a result that is already resolved.
func Completed[T any](v T, err error) *Result[T] {
	r := New[T]()
	r.Complete(v, err)
	return r
}

// Go runs fn on a new goroutine and resolves the result with its return values.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Result[T] {
	r := New[T]()
	go func() {
		v, err := fn(ctx)
		r.Complete(v, err)
	}()
	return r
}

// Complete resolves the result. Later calls are ignored and report false.
func (r *Result[T]) Complete(v T, err error) bool {
	completed := false
	r.once.Do(func() {
		r.value, r.err = v, err
		close(r.done)
		completed = true
	})
	return completed
}

// Done returns a channel closed on completion.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Ready reports whether the result has been completed.
func (r *Result[T]) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Poll returns the value and error once ready is true.
func (r *Result[T]) Poll() (value T, ready bool, err error) {
	if !r.Ready() {
		return value, false, nil
	}
	return r.value, true, r.err
}

// Wait blocks until completion or context cancellation.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
