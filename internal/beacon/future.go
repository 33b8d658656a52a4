package beacon

import (
	"context"
	"sync"
)

// Future is a single-resolution result handle. It resolves exactly once,
// with either a value or an error; later resolve attempts are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error

	mu      sync.Mutex
	onClose []func()
}

// NewFuture returns an unresolved Future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future that is already resolved with value and err
func Resolved[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(value, err)
	return f
}

// Resolve settles the future. It returns false if the future was already resolved.
func (f *Future[T]) Resolve(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		resolved = true
	})
	if !resolved {
		return false
	}

	f.mu.Lock()
	hooks := f.onClose
	f.onClose = nil
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return true
}

// Reject is Resolve with the zero value and err
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.Resolve(zero, err)
}

// Done is closed once the future resolves
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsResolved reports whether the future has settled
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future resolves and returns its outcome
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the future resolves or ctx ends. When ctx ends first the
// future itself is resolved with a cancellation outcome, so every waiter
// observes the same result.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Reject(cancellationError(ctx))
	}
	return f.Result()
}

// afterResolve registers fn to run once the future settles.
// If it already has, fn runs immediately.
func (f *Future[T]) afterResolve(fn func()) {
	f.mu.Lock()
	if !f.IsResolved() {
		f.onClose = append(f.onClose, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

// cancellationError maps a finished context to a typed error
func cancellationError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	if ReasonOf(cause) == ReasonTimeout {
		return newError(ReasonTimeout, "", cause)
	}
	if ReasonOf(cause) != ReasonUnknown && ReasonOf(cause) != ReasonCancelled {
		return cause
	}
	return newError(ReasonCancelled, "", cause)
}
