package batcher

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTooLong is returned when a request's input exceeds the max input length.
	ErrRequestTooLong = errors.New("request too long")
	// ErrEmptyRequest is returned for a request without input tokens.
	ErrEmptyRequest = errors.New("empty request")
	// ErrQueueFull is returned when the waiting queue cannot take the whole group.
	ErrQueueFull = errors.New("waiting queue full")
	// ErrGroupTooLarge is returned for a group that could never run to completion
	// on its own: more members than max_batch_size, or more blocks at peak length
	// than the device tier can give to requests.
	ErrGroupTooLarge = errors.New("request group too large")
	// ErrOutOfMemory is returned when a tier lacks free blocks.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrDoubleFree is returned when freeing a block that is not owned.
	ErrDoubleFree = errors.New("double free")
	// ErrUnsupportedSamplingConfig is returned by the sampler boundary.
	ErrUnsupportedSamplingConfig = errors.New("unsupported sampling config")
	// ErrInvariantViolation marks broken bookkeeping; the scheduler stops on it.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrSchedulerHalted is returned by every call after an invariant violation.
	ErrSchedulerHalted = errors.New("scheduler halted")
	// ErrCancelled is the finish status of a cancelled request.
	ErrCancelled = errors.New("request cancelled")
	// ErrStopIteration is returned by a streaming iterator once all tokens were read.
	ErrStopIteration = errors.New("stop iteration")
)

// OutOfMemoryError reports which tier ran out and by how much.
type OutOfMemoryError struct {
	Tier      Tier
	Requested int
	Free      int
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory on %s tier: requested %d blocks, %d free", e.Tier, e.Requested, e.Free)
}

func (e *OutOfMemoryError) Unwrap() error {
	return ErrOutOfMemory
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
