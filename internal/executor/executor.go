package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gridkv/internal/future"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/atomic"
)

var ErrClosed = errors.New("executor is closed")

// Executor is the bounded worker pool running asynchronous grid operations.
// Submit blocks while every worker is busy. Tasks must not submit to the same
// executor and wait on the result.
type Executor struct {
	pool *pool.Pool
	// mu orders Submit against Close, which closes the pool's task channel.
	mu        sync.RWMutex
	closed    atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
}

func New(size int) *Executor {
	if size <= 0 {
		size = 1
	}
	return &Executor{pool: pool.New().WithMaxGoroutines(size)}
}

// Submit runs fn on a worker and returns its future. A panic in fn fails the
// future instead of the process.
func Submit[T any](ex *Executor, fn func() (T, error)) *future.Future[T] {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	if ex.closed.Load() {
		return future.Failed[T](ErrClosed)
	}

	f := future.New[T]()
	ex.submitted.Inc()
	ex.pool.Go(func() {
		defer ex.completed.Inc()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task panicked", "panic", r)
				f.Fail(fmt.Errorf("task panicked: %v", r))
			}
		}()
		f.Resolve(fn())
	})
	return f
}

// Pending returns the number of submitted tasks not finished yet.
func (ex *Executor) Pending() int64 {
	return ex.submitted.Load() - ex.completed.Load()
}

// Close refuses new tasks and waits for running ones.
func (ex *Executor) Close() {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.closed.Swap(true) {
		return
	}
	ex.pool.Wait()
}
