package actor

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAlreadyCompleted is returned when a future is completed twice.
	ErrAlreadyCompleted = errors.New("future already completed")
	// ErrNilFailure is returned when a future is failed without a cause.
	ErrNilFailure = errors.New("future failed with nil error")
	// ErrNilFuture fails a chain whose continuation returned no future.
	ErrNilFuture = errors.New("continuation returned a nil future")
)

// Future is a single-assignment result that actors use to wait on each
// other without blocking a worker. Callbacks registered with OnComplete run
// on the goroutine that completes the future; use actor.OnComplete to bring
// the continuation back onto an actor.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture creates an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding value.
func Completed[T any](value T) *Future[T] {
	f := NewFuture[T]()
	_ = f.Complete(value)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	if err == nil {
		err = ErrNilFailure
	}
	_ = f.Fail(err)
	return f
}

// Complete sets the value. It returns ErrAlreadyCompleted if the future was
// already completed or failed.
func (f *Future[T]) Complete(value T) error {
	return f.finish(value, nil)
}

// Fail completes the future exceptionally.
func (f *Future[T]) Fail(err error) error {
	if err == nil {
		return ErrNilFailure
	}
	var zero T
	return f.finish(zero, err)
}

func (f *Future[T]) finish(value T, err error) error {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return ErrAlreadyCompleted
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return nil
}

// IsDone reports whether the future has a value or an error.
func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// OnComplete registers cb. If the future is already complete cb runs
// immediately on the caller's goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	cb(value, err)
}

// Join waits for the result. It must not be called from inside an actor
// job: that would park a worker. Use OnComplete there instead.
func (f *Future[T]) Join(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the value and error of a completed future, and false if the
// future is still pending.
func (f *Future[T]) Result() (T, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.completed
}

// AllOf completes once every input completes. The values keep the order of
// the inputs; the first failure observed fails the aggregate, after all
// inputs are done.
func AllOf[T any](futures ...*Future[T]) *Future[[]T] {
	all := NewFuture[[]T]()
	if len(futures) == 0 {
		_ = all.Complete([]T{})
		return all
	}

	var (
		mu        sync.Mutex
		remaining = len(futures)
		values    = make([]T, len(futures))
		firstErr  error
	)
	for i, f := range futures {
		i := i
		f.OnComplete(func(v T, err error) {
			mu.Lock()
			values[i] = v
			if err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			last := remaining == 0
			mu.Unlock()

			if !last {
				return
			}
			if firstErr != nil {
				_ = all.Fail(firstErr)
				return
			}
			_ = all.Complete(values)
		})
	}
	return all
}

// ThenApply returns a future completed with fn applied to f's value. A
// failure of f skips fn and fails the result with the same error. fn runs on
// the goroutine that completes f; use ThenApplyOn to run it on an actor.
func ThenApply[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			_ = out.Fail(err)
			return
		}
		u, err := fn(v)
		_ = out.finish(u, err)
	})
	return out
}

// AndThen chains the future returned by fn after f. A failure of f skips fn.
func AndThen[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := NewFuture[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			_ = out.Fail(err)
			return
		}
		next := fn(v)
		if next == nil {
			_ = out.Fail(ErrNilFuture)
			return
		}
		next.OnComplete(func(u U, err error) { _ = out.finish(u, err) })
	})
	return out
}
