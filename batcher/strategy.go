package batcher

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// StrategyContinuousBatching names the default strategy.
const StrategyContinuousBatching = "continuous_batching"

// ScheduleStrategy decides the composition of the next step.
//
// Step runs with the BatchState lock held. It returns the requests to run
// this step. A non-nil error wrapping ErrOutOfMemory comes with a usable
// batch; any other error means the bookkeeping is broken and the batch is nil.
type ScheduleStrategy interface {
	Step() ([]*Request, error)
}

// NewScheduleStrategy creates the strategy registered under name.
func NewScheduleStrategy(name string, config *Config, state *BatchState, blocks *BlockManager) (ScheduleStrategy, error) {
	switch name {
	case StrategyContinuousBatching, "":
		return NewContinuousBatchingStrategy(config, state, blocks), nil
	default:
		return nil, fmt.Errorf("unknown schedule strategy %q", name)
	}
}

// ContinuousBatchingStrategy admits requests in FCFS order, grows running
// requests one block at a time and swaps out the most recently admitted
// group when the device tier cannot hold the growth.
//
// The running queue is ordered by entry into Running (admission or resume),
// so preemption always evicts from its tail.
type ContinuousBatchingStrategy struct {
	config *Config
	state  *BatchState
	blocks *BlockManager

	stepCount int
}

// NewContinuousBatchingStrategy creates the default strategy
func NewContinuousBatchingStrategy(config *Config, state *BatchState, blocks *BlockManager) *ContinuousBatchingStrategy {
	return &ContinuousBatchingStrategy{
		config: config,
		state:  state,
		blocks: blocks,
	}
}

// growth returns the blocks req needs beyond its block table to cover all
// of its tokens this step.
func (s *ContinuousBatchingStrategy) growth(req *Request) int {
	return max(s.blocks.BlocksForTokens(req.Len())-len(req.blockTable), 0)
}

// groupIn returns the members of group taken from reqs, keeping their order.
func groupIn(reqs []*Request, group int64) []*Request {
	members := make([]*Request, 0, 1)
	for _, r := range reqs {
		if r.groupID == group {
			members = append(members, r)
		}
	}
	return members
}

// Step composes the batch of the next inference iteration.
func (s *ContinuousBatchingStrategy) Step() ([]*Request, error) {
	s.stepCount++

	exhausted, preempted, stalled, err := s.sustainRunning()
	if err != nil {
		return nil, err
	}

	// Nothing moves onto the device in a step that had to evict.
	if !preempted {
		if err := s.resumeSwapped(); err != nil {
			return nil, err
		}
		// Swapped work goes first: new requests wait until it is all resumed.
		if s.state.SwappedEmpty() {
			if err := s.admitWaiting(); err != nil {
				return nil, err
			}
		}
	}

	running := s.state.RunningSnapshot()
	batch := make([]*Request, 0, len(running))
	for _, req := range running {
		if stalled[req] {
			continue
		}
		if err := s.blocks.Record(req.ReqID, req.blockTable, req.AllTokens()); err != nil {
			return nil, err
		}
		batch = append(batch, req)
	}
	observeOccupancy(s.blocks)

	return batch, exhausted
}

// sustainRunning grows every running request that crossed a block boundary,
// preempting from the tail of the running queue until the growth fits. The
// last running group is never evicted. Requests left without room are
// returned as stalled.
func (s *ContinuousBatchingStrategy) sustainRunning() (exhausted error, preempted bool, stalled map[*Request]bool, err error) {
	stalled = make(map[*Request]bool)

	needed := func() int {
		n := 0
		for _, req := range s.state.RunningSnapshot() {
			n += s.growth(req)
		}
		return n
	}

	for needed() > s.blocks.FreeBlocks(TierDevice) {
		victim := s.state.RunningBack()
		if victim == nil {
			break
		}
		group := groupIn(s.state.RunningSnapshot(), victim.groupID)
		if len(group) == s.state.RunningLen() {
			// Evicting the only running group frees room for nobody.
			break
		}
		if err := s.swapOutGroup(group); err != nil {
			if !errors.Is(err, ErrOutOfMemory) {
				return nil, false, nil, err
			}
			logrus.Warnf("[step %07d] preemption: cannot evict group %d: %v", s.stepCount, victim.groupID, err)
			ResourceExhaustions.WithLabelValues(TierHost.String()).Inc()
			exhausted = err
			break
		}
		preempted = true
	}

	for _, req := range s.state.RunningSnapshot() {
		g := s.growth(req)
		if g == 0 {
			continue
		}
		if g > s.blocks.FreeBlocks(TierDevice) {
			stalled[req] = true
			continue
		}
		refs, err := s.blocks.Allocate(g, TierDevice, req.ReqID)
		if err != nil {
			return nil, false, nil, invariantf("growth of request %d failed after capacity check: %v", req.ReqID, err)
		}
		req.blockTable = append(req.blockTable, refs...)
	}

	if len(stalled) > 0 {
		logrus.Warnf("[step %07d] %d running requests cannot grow this step", s.stepCount, len(stalled))
		ResourceExhaustions.WithLabelValues(TierDevice.String()).Inc()
		if exhausted == nil {
			exhausted = &OutOfMemoryError{Tier: TierDevice, Requested: len(stalled), Free: s.blocks.FreeBlocks(TierDevice)}
		}
	}
	return exhausted, preempted, stalled, nil
}

// swapOutGroup moves every member of a running group to the host tier, or
// none of them if the host tier cannot hold the whole group.
func (s *ContinuousBatchingStrategy) swapOutGroup(group []*Request) error {
	need := 0
	for _, req := range group {
		need += len(req.blockTable)
	}
	if free := s.blocks.FreeBlocks(TierHost); need > free {
		return &OutOfMemoryError{Tier: TierHost, Requested: need, Free: free}
	}

	for _, req := range group {
		refs, err := s.blocks.SwapOut(req.ReqID, req.blockTable)
		if err != nil {
			return invariantf("swap out of request %d failed after capacity check: %v", req.ReqID, err)
		}
		req.blockTable = refs
		if err := s.state.Preempt(req); err != nil {
			return err
		}
		Preemptions.Inc()
		logrus.Warnf("[step %07d] preemption: evicting request %d (%d blocks) to host", s.stepCount, req.ReqID, len(refs))
	}
	return nil
}

// resumeSwapped brings back swapped groups in eviction order while their
// whole block set, including this step's growth, fits on the device.
func (s *ContinuousBatchingStrategy) resumeSwapped() error {
	for !s.state.SwappedEmpty() {
		front := s.state.SwappedFront()
		group := groupIn(s.state.SwappedSnapshot(), front.groupID)
		if s.state.RunningLen()+len(group) > s.config.MaxBatchSize {
			return nil
		}

		need := 0
		for _, req := range group {
			need += s.blocks.BlocksForTokens(req.Len())
		}
		if need > s.blocks.FreeBlocks(TierDevice) {
			return nil
		}

		for _, req := range group {
			if err := s.swapIn(req); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ContinuousBatchingStrategy) swapIn(req *Request) error {
	refs, err := s.blocks.SwapIn(req.ReqID, req.blockTable)
	if err != nil {
		return invariantf("swap in of request %d failed after capacity check: %v", req.ReqID, err)
	}
	req.blockTable = refs

	if err := s.blocks.Verify(req.ReqID, req.blockTable, req.AllTokens()); err != nil {
		return err
	}

	if g := s.growth(req); g > 0 {
		extra, err := s.blocks.Allocate(g, TierDevice, req.ReqID)
		if err != nil {
			return invariantf("growth of resumed request %d failed: %v", req.ReqID, err)
		}
		req.blockTable = append(req.blockTable, extra...)
	}

	if err := s.state.Resume(req); err != nil {
		return err
	}
	SwapIns.Inc()
	logrus.Debugf("[step %07d] resumed request %d", s.stepCount, req.ReqID)
	return nil
}

// admitWaiting promotes waiting groups in strict FIFO order. The first group
// that does not fit ends admission for this step.
func (s *ContinuousBatchingStrategy) admitWaiting() error {
	for !s.state.WaitingEmpty() &&
		s.state.RunningLen() < s.config.MaxBatchSize &&
		s.blocks.FreeBlocks(TierDevice) > 0 {

		front := s.state.WaitingFront()
		group := groupIn(s.state.WaitingSnapshot(), front.groupID)

		if err := s.checkLength(group); err != nil {
			for _, req := range group {
				if cerr := s.state.Complete(req, err); cerr != nil {
					return cerr
				}
				Rejections.WithLabelValues("too_long").Inc()
				Finished.WithLabelValues(statusLabel(err)).Inc()
			}
			logrus.Warnf("[step %07d] rejected group %d: %v", s.stepCount, front.groupID, err)
			continue
		}

		if s.state.RunningLen()+len(group) > s.config.MaxBatchSize {
			return nil
		}

		need := 0
		for _, req := range group {
			need += s.blocks.BlocksForTokens(req.Len())
		}
		if need > s.blocks.FreeBlocks(TierDevice) {
			return nil
		}

		for _, req := range group {
			refs, err := s.blocks.Allocate(s.blocks.BlocksForTokens(req.Len()), TierDevice, req.ReqID)
			if err != nil {
				return invariantf("admission of request %d failed after capacity check: %v", req.ReqID, err)
			}
			req.blockTable = refs
			if err := s.state.PromoteToRunning(req); err != nil {
				return err
			}
			Admissions.Inc()
			logrus.Debugf("[step %07d] admitted request %d with %d blocks", s.stepCount, req.ReqID, len(refs))
		}
	}
	return nil
}

func (s *ContinuousBatchingStrategy) checkLength(group []*Request) error {
	for _, req := range group {
		if n := len(req.InputTokens); n > s.config.MaxInputLen {
			return fmt.Errorf("%w: request %d has %d input tokens, max %d", ErrRequestTooLong, req.ReqID, n, s.config.MaxInputLen)
		}
	}
	return nil
}
