package batcher

import (
	"sync"

	"github.com/emirpasic/gods/v2/lists/arraylist"
)

// BatchState holds the waiting, running and swapped queues.
//
// Requests live in an arena of slots and the queues hold slot indices. The
// embedded mutex guards the queues and the block manager occupancy as one
// unit: every method below expects the caller to hold it, so that a queue
// transition and the matching allocator update are observed together.
type BatchState struct {
	sync.Mutex

	slots     []*Request
	freeSlots []int

	waiting *arraylist.List[int]
	running *arraylist.List[int]
	swapped *arraylist.List[int]
}

// NewBatchState creates empty queues
func NewBatchState() *BatchState {
	return &BatchState{
		waiting: arraylist.New[int](),
		running: arraylist.New[int](),
		swapped: arraylist.New[int](),
	}
}

func (s *BatchState) queue(state RequestState) *arraylist.List[int] {
	switch state {
	case StateWaiting:
		return s.waiting
	case StateRunning:
		return s.running
	case StateSwapped:
		return s.swapped
	default:
		return nil
	}
}

// Enqueue appends a new request to the waiting queue
func (s *BatchState) Enqueue(req *Request) error {
	if req.slot >= 0 || req.State() != StateWaiting {
		return invariantf("request %d enqueued twice (state %s)", req.ReqID, req.State())
	}

	if n := len(s.freeSlots); n > 0 {
		req.slot = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		s.slots[req.slot] = req
	} else {
		req.slot = len(s.slots)
		s.slots = append(s.slots, req)
	}

	s.waiting.Add(req.slot)
	return nil
}

// detach removes req from the queue of its current state
func (s *BatchState) detach(req *Request, from RequestState) error {
	if req.State() != from {
		return invariantf("request %d is %s, expected %s", req.ReqID, req.State(), from)
	}
	if req.slot < 0 || req.slot >= len(s.slots) || s.slots[req.slot] != req {
		return invariantf("request %d has no slot", req.ReqID)
	}

	q := s.queue(from)
	idx := q.IndexOf(req.slot)
	if idx < 0 {
		return invariantf("request %d missing from %s queue", req.ReqID, from)
	}
	q.Remove(idx)
	return nil
}

func (s *BatchState) transfer(req *Request, from, to RequestState) error {
	if err := s.detach(req, from); err != nil {
		return err
	}
	s.queue(to).Add(req.slot)
	req.setState(to)
	return nil
}

// PromoteToRunning moves a waiting request into the running batch
func (s *BatchState) PromoteToRunning(req *Request) error {
	return s.transfer(req, StateWaiting, StateRunning)
}

// Preempt moves a running request to the back of the swapped queue
func (s *BatchState) Preempt(req *Request) error {
	return s.transfer(req, StateRunning, StateSwapped)
}

// Resume moves a swapped request back into the running batch
func (s *BatchState) Resume(req *Request) error {
	return s.transfer(req, StateSwapped, StateRunning)
}

// Complete removes a request from whichever queue holds it, releases its
// slot and finishes it with status.
func (s *BatchState) Complete(req *Request, status error) error {
	if err := s.detach(req, req.State()); err != nil {
		return err
	}
	s.slots[req.slot] = nil
	s.freeSlots = append(s.freeSlots, req.slot)
	req.slot = -1
	req.finish(status)
	return nil
}

func (s *BatchState) snapshot(q *arraylist.List[int]) []*Request {
	reqs := make([]*Request, 0, q.Size())
	for _, slot := range q.Values() {
		reqs = append(reqs, s.slots[slot])
	}
	return reqs
}

// RunningSnapshot returns the running batch in the order requests entered it
func (s *BatchState) RunningSnapshot() []*Request {
	return s.snapshot(s.running)
}

// WaitingSnapshot returns the waiting queue in FIFO order
func (s *BatchState) WaitingSnapshot() []*Request {
	return s.snapshot(s.waiting)
}

// SwappedSnapshot returns the swapped queue, oldest eviction first
func (s *BatchState) SwappedSnapshot() []*Request {
	return s.snapshot(s.swapped)
}

func (s *BatchState) front(q *arraylist.List[int]) *Request {
	slot, ok := q.Get(0)
	if !ok {
		return nil
	}
	return s.slots[slot]
}

// WaitingFront returns the oldest waiting request, or nil
func (s *BatchState) WaitingFront() *Request {
	return s.front(s.waiting)
}

// SwappedFront returns the oldest swapped request, or nil
func (s *BatchState) SwappedFront() *Request {
	return s.front(s.swapped)
}

// RunningBack returns the request that entered the running batch last, or nil
func (s *BatchState) RunningBack() *Request {
	slot, ok := s.running.Get(s.running.Size() - 1)
	if !ok {
		return nil
	}
	return s.slots[slot]
}

func (s *BatchState) WaitingEmpty() bool { return s.waiting.Empty() }
func (s *BatchState) SwappedEmpty() bool { return s.swapped.Empty() }
func (s *BatchState) RunningEmpty() bool { return s.running.Empty() }
func (s *BatchState) WaitingLen() int    { return s.waiting.Size() }
func (s *BatchState) RunningLen() int    { return s.running.Size() }
func (s *BatchState) SwappedLen() int    { return s.swapped.Size() }

// Check verifies that every live request sits in exactly the queue matching
// its state.
func (s *BatchState) Check() error {
	seen := make(map[int]RequestState)
	for _, state := range []RequestState{StateWaiting, StateRunning, StateSwapped} {
		for _, slot := range s.queue(state).Values() {
			if prev, dup := seen[slot]; dup {
				return invariantf("slot %d queued as both %s and %s", slot, prev, state)
			}
			seen[slot] = state
			req := s.slots[slot]
			if req == nil {
				return invariantf("slot %d queued as %s but empty", slot, state)
			}
			if req.State() != state {
				return invariantf("request %d is %s but queued as %s", req.ReqID, req.State(), state)
			}
		}
	}
	for slot, req := range s.slots {
		if _, ok := seen[slot]; req != nil && !ok {
			return invariantf("request %d is in no queue", req.ReqID)
		}
	}
	return nil
}
