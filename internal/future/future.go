// Package future provides a minimal promise-like eventual value.
//
// The cache core treats every asynchronous operation as handing back an
// "eventual value" that resolves once, possibly after a suspension point.
// Go has no built-in promise type, and golang.org/x/sync's errgroup and
// semaphore solve a different problem (fan-out/fan-in and concurrency
// limiting, not a single resolve-once handle with chainable
// continuations), so this is a small hand-rolled type over a channel and
// sync.Once.
package future

import (
	"context"
	"sync"
)

// Future is a handle to a value that becomes available at most once.
// The zero value is not usable; create one with New, Go, or Resolved.
type Future[T any] struct {
	done  chan struct{}
	value T
}

// New returns a Future and the function used to resolve it. Resolve may be
// called at most once; subsequent calls are no-ops.
func New[T any]() (*Future[T], func(T)) {
	f := &Future[T]{done: make(chan struct{})}
	var once sync.Once
	resolve := func(v T) {
		once.Do(func() {
			f.value = v
			close(f.done)
		})
	}
	return f, resolve
}

// Resolved returns a Future that is already complete with v.
func Resolved[T any](v T) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), value: v}
	close(f.done)
	return f
}

// Go runs fn on a new goroutine and resolves the returned Future with its
// result.
func Go[T any](fn func() T) *Future[T] {
	f, resolve := New[T]()
	go func() {
		resolve(fn())
	}()
	return f
}

// Await blocks until f resolves or ctx is done, returning the resolved
// value. If ctx is cancelled first, Await returns the zero value for T;
// callers that care should check ctx.Err() themselves.
func Await[T any](ctx context.Context, f *Future[T]) T {
	select {
	case <-f.done:
		return f.value
	case <-ctx.Done():
		var zero T
		return zero
	}
}

// Wait blocks until f resolves, ignoring cancellation. Used internally
// where spec semantics require waiting out a conversion unconditionally
// (e.g. destroy() draining onto ready).
func Wait[T any](f *Future[T]) T {
	<-f.done
	return f.value
}

// Then chains a continuation that runs (on a new goroutine) once f
// resolves, producing a new Future over the continuation's result.
func Then[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	return Go(func() U {
		return fn(Wait(f))
	})
}

// Done reports whether f has resolved without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
