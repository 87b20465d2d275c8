package batcher

import (
	"context"
	"sync"
)

// Waiter is released once, when the request it belongs to finishes.
type Waiter struct {
	once sync.Once
	done chan struct{}
}

// NewWaiter creates an unreleased waiter
func NewWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// Notify releases the waiter. Calling it again has no effect.
func (w *Waiter) Notify() {
	w.once.Do(func() { close(w.done) })
}

// Done returns a channel closed by Notify
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until Notify is called or ctx is done.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepWaiter signals that a step produced new output. Signals sent while
// nobody is waiting coalesce into one.
type StepWaiter struct {
	ch chan struct{}
}

// NewStepWaiter creates a step waiter with no pending signal
func NewStepWaiter() *StepWaiter {
	return &StepWaiter{ch: make(chan struct{}, 1)}
}

// Notify records a signal without blocking
func (w *StepWaiter) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the signal channel
func (w *StepWaiter) C() <-chan struct{} {
	return w.ch
}

// Wait blocks until a signal is pending or ctx is done.
func (w *StepWaiter) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
