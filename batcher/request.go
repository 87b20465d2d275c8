package batcher

import (
	"sync"
	"sync/atomic"
)

// RequestState represents the lifecycle state of a request
type RequestState int32

const (
	StateWaiting RequestState = iota
	StateRunning
	StateSwapped
	StateFinished
)

func (s RequestState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateSwapped:
		return "swapped"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Request represents a single generation request
type Request struct {
	ReqID          int64
	ModelName      string
	InputTokens    []int
	SamplingConfig SamplingConfig

	// Waiter is released when the request finishes.
	Waiter *Waiter
	// StepWaiter is signalled after every step that appended output.
	StepWaiter *StepWaiter

	state atomic.Int32

	mu           sync.Mutex
	outputTokens []int
	finishStatus error

	// Guarded by the BatchState lock.
	blockTable []BlockRef
	groupID    int64
	slot       int
}

var reqCounter int64 = 0

// NewRequest creates a new waiting request from input tokens and a sampling config
func NewRequest(modelName string, inputTokens []int, samplingConfig SamplingConfig) *Request {
	reqID := atomic.AddInt64(&reqCounter, 1) - 1

	// Make a copy of input tokens
	tokens := make([]int, len(inputTokens))
	copy(tokens, inputTokens)

	return &Request{
		ReqID:          reqID,
		ModelName:      modelName,
		InputTokens:    tokens,
		SamplingConfig: samplingConfig,
		Waiter:         NewWaiter(),
		StepWaiter:     NewStepWaiter(),
		outputTokens:   make([]int, 0),
		slot:           -1,
	}
}

// State returns the lifecycle state
func (r *Request) State() RequestState {
	return RequestState(r.state.Load())
}

func (r *Request) setState(s RequestState) {
	r.state.Store(int32(s))
}

// IsFinished returns true if the request has finished generating
func (r *Request) IsFinished() bool {
	return r.State() == StateFinished
}

// Len returns the number of input and output tokens
func (r *Request) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.InputTokens) + len(r.outputTokens)
}

// NumOutputTokens returns the number of generated tokens
func (r *Request) NumOutputTokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outputTokens)
}

// OutputTokens returns a copy of the generated tokens
func (r *Request) OutputTokens() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.outputTokens))
	copy(out, r.outputTokens)
	return out
}

// outputFrom returns generated tokens starting at index i
func (r *Request) outputFrom(i int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.outputTokens) {
		return nil
	}
	out := make([]int, len(r.outputTokens)-i)
	copy(out, r.outputTokens[i:])
	return out
}

// AllTokens returns the input tokens followed by the generated tokens
func (r *Request) AllTokens() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]int, 0, len(r.InputTokens)+len(r.outputTokens))
	all = append(all, r.InputTokens...)
	return append(all, r.outputTokens...)
}

// LastToken returns the most recent token
func (r *Request) LastToken() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.outputTokens); n > 0 {
		return r.outputTokens[n-1]
	}
	if n := len(r.InputTokens); n > 0 {
		return r.InputTokens[n-1]
	}
	return -1
}

// FinishStatus returns nil for a normal finish, or the reason the request
// was rejected or aborted.
func (r *Request) FinishStatus() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishStatus
}

// appendToken appends a generated token and signals streaming consumers
func (r *Request) appendToken(tokenID int) {
	r.mu.Lock()
	r.outputTokens = append(r.outputTokens, tokenID)
	r.mu.Unlock()
	r.StepWaiter.Notify()
}

// finish records the status and releases both waiters
func (r *Request) finish(status error) {
	r.mu.Lock()
	r.finishStatus = status
	r.mu.Unlock()
	r.setState(StateFinished)
	r.StepWaiter.Notify()
	r.Waiter.Notify()
}
