package future

import (
	"context"
	"sync"
)

// Future is a pending result that is completed exactly once, either with a
// value or with an error. Waiters block on Get or attach continuations with
// OnComplete.
type Future[T any] struct {
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already completed with value.
func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete completes the future with value. It reports false if the future
// was already completed.
func (f *Future[T]) Complete(value T) bool {
	return f.finish(value, nil)
}

// Fail completes the future with err.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

// Resolve completes the future with the outcome of a call.
func (f *Future[T]) Resolve(value T, err error) bool {
	return f.finish(value, err)
}

func (f *Future[T]) finish(value T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.mu.Lock()
		f.value = value
		f.err = err
		callbacks := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range callbacks {
			cb(value, err)
		}
		completed = true
	})
	return completed
}

// Done returns a channel closed once the future is completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the future completes or ctx is done and returns only the
// error, which makes any future usable as a retry barrier.
func (f *Future[T]) Wait(ctx context.Context) error {
	_, err := f.Get(ctx)
	return err
}

// OnComplete registers cb to run when the future completes. If the future is
// already complete cb runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb(f.value, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Then returns a future completed with fn applied to the value of f. Errors
// skip fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		next.Resolve(fn(v))
	})
	return next
}

// Go runs fn on a new goroutine and returns its future.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		f.Resolve(fn())
	}()
	return f
}

// Barrier is anything a retry loop can wait on before trying again.
type Barrier interface {
	Wait(ctx context.Context) error
	Done() <-chan struct{}
}
