package batcher

import (
	"errors"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// BatchScheduler accepts requests from the ingestion path and hands the
// execution loop one batch per inference iteration.
type BatchScheduler struct {
	config   *Config
	state    *BatchState
	blocks   *BlockManager
	strategy ScheduleStrategy

	// Guarded by state's lock.
	nextGroupID int64
	halted      error
}

// NewBatchScheduler creates a scheduler with the strategy named in config
func NewBatchScheduler(config *Config) (*BatchScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	state := NewBatchState()
	blocks := NewBlockManager(config.DeviceBlocks, config.HostBlocks, config.BlockTokenNum, config.BlockBytes)
	strategy, err := NewScheduleStrategy(config.Strategy, config, state, blocks)
	if err != nil {
		return nil, err
	}

	return &BatchScheduler{
		config:   config,
		state:    state,
		blocks:   blocks,
		strategy: strategy,
	}, nil
}

// Config returns the scheduler configuration
func (s *BatchScheduler) Config() *Config {
	return s.config
}

func (s *BatchScheduler) haltedErr() error {
	return fmt.Errorf("%w: %w", ErrSchedulerHalted, s.halted)
}

// halt stops the scheduler after a bookkeeping error. Callers hold the lock.
func (s *BatchScheduler) halt(err error) error {
	if s.halted == nil {
		s.halted = err
		logrus.Errorf("batch scheduler halted: %v", err)
	}
	return s.haltedErr()
}

func (s *BatchScheduler) checkRequestLength(req *Request) error {
	if len(req.InputTokens) == 0 {
		return fmt.Errorf("%w: request %d", ErrEmptyRequest, req.ReqID)
	}
	if n := len(req.InputTokens); n > s.config.MaxInputLen {
		return fmt.Errorf("%w: request %d has %d input tokens, max %d", ErrRequestTooLong, req.ReqID, n, s.config.MaxInputLen)
	}
	return nil
}

// peakBlocks returns the most device blocks req can hold while it is still
// schedulable: it finishes on the token that reaches its limit, so it is
// never scheduled at the limit itself.
func (s *BatchScheduler) peakBlocks(req *Request) int {
	limit := s.config.MaxTokenNum
	if mt := req.SamplingConfig.MaxTokens; mt > 0 {
		limit = min(limit, len(req.InputTokens)+mt)
	}
	return s.blocks.BlocksForTokens(limit - 1)
}

// requestBlocks returns the device blocks left for requests once contiguous
// buffers are taken out. Callers hold the lock.
func (s *BatchScheduler) requestBlocks() int {
	return s.blocks.TotalBlocks(TierDevice) - s.blocks.ContiguousBlocks()
}

// checkGroupFits rejects a group that could not finish even with the whole
// batch and device tier to itself. Callers hold the lock.
func (s *BatchScheduler) checkGroupFits(group []*Request) error {
	if len(group) > s.config.MaxBatchSize {
		return fmt.Errorf("%w: %d members, max batch size %d", ErrGroupTooLarge, len(group), s.config.MaxBatchSize)
	}
	need := 0
	for _, req := range group {
		need += s.peakBlocks(req)
	}
	if avail := s.requestBlocks(); need > avail {
		return fmt.Errorf("%w: needs %d device blocks at peak, %d available", ErrGroupTooLarge, need, avail)
	}
	return nil
}

// AddInferRequest enqueues a group of requests. Either the whole group is
// enqueued or none of it; the group is later admitted as one unit.
func (s *BatchScheduler) AddInferRequest(group []*Request) error {
	if len(group) == 0 {
		return nil
	}

	seen := make(map[*Request]struct{}, len(group))
	for _, req := range group {
		if _, dup := seen[req]; dup {
			return fmt.Errorf("request %d appears twice in the group", req.ReqID)
		}
		seen[req] = struct{}{}
		if err := s.checkRequestLength(req); err != nil {
			Rejections.WithLabelValues("too_long").Inc()
			return err
		}
	}

	s.state.Lock()
	defer s.state.Unlock()

	if s.halted != nil {
		return s.haltedErr()
	}

	for _, req := range group {
		if req.slot >= 0 || req.State() != StateWaiting {
			return fmt.Errorf("request %d was already added", req.ReqID)
		}
	}

	if err := s.checkGroupFits(group); err != nil {
		Rejections.WithLabelValues("group_too_large").Inc()
		return err
	}

	if s.state.WaitingLen()+len(group) > s.config.MaxWaitingQueueLen {
		Rejections.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("%w: %d waiting, capacity %d", ErrQueueFull, s.state.WaitingLen(), s.config.MaxWaitingQueueLen)
	}

	groupID := s.nextGroupID
	s.nextGroupID++
	for _, req := range group {
		req.groupID = groupID
		if err := s.state.Enqueue(req); err != nil {
			return s.halt(err)
		}
	}
	return nil
}

// Schedule runs one strategy step and returns the requests to execute.
//
// An error wrapping ErrOutOfMemory is a capacity signal and comes with a
// batch that is still valid to run. Any other error halts the scheduler.
func (s *BatchScheduler) Schedule() ([]*Request, error) {
	timer := prometheus.NewTimer(ScheduleLatency)
	defer timer.ObserveDuration()

	s.state.Lock()
	defer s.state.Unlock()

	if s.halted != nil {
		return nil, s.haltedErr()
	}

	batch, err := s.strategy.Step()
	if err != nil && !errors.Is(err, ErrOutOfMemory) {
		return nil, s.halt(err)
	}
	if cerr := s.state.Check(); cerr != nil {
		return nil, s.halt(cerr)
	}
	return batch, err
}

// finishLocked frees a request's blocks and moves it to Finished.
func (s *BatchScheduler) finishLocked(req *Request, status error) error {
	if len(req.blockTable) > 0 {
		if err := s.blocks.Free(req.ReqID, req.blockTable); err != nil {
			return s.halt(err)
		}
		req.blockTable = nil
	}
	if err := s.state.Complete(req, status); err != nil {
		return s.halt(err)
	}
	Finished.WithLabelValues(statusLabel(status)).Inc()
	observeOccupancy(s.blocks)
	return nil
}

// Postprocess appends one sampled token to each request and finishes the
// ones that hit EOS, their token limit, or the max sequence length.
// Requests that stopped running since they were scheduled are skipped.
func (s *BatchScheduler) Postprocess(reqs []*Request, tokenIDs []int) error {
	if len(reqs) != len(tokenIDs) {
		return fmt.Errorf("got %d tokens for %d requests", len(tokenIDs), len(reqs))
	}

	s.state.Lock()
	defer s.state.Unlock()

	if s.halted != nil {
		return s.haltedErr()
	}

	for i, req := range reqs {
		if req.State() != StateRunning {
			continue
		}
		tokenID := tokenIDs[i]
		req.appendToken(tokenID)

		sc := req.SamplingConfig
		if (!sc.IgnoreEOS && tokenID == s.config.EOS) ||
			(sc.MaxTokens > 0 && req.NumOutputTokens() >= sc.MaxTokens) ||
			req.Len() >= s.config.MaxTokenNum {
			if err := s.finishLocked(req, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Complete finishes a request early with status, from any live state.
// Completing a finished request is a no-op.
func (s *BatchScheduler) Complete(req *Request, status error) error {
	s.state.Lock()
	defer s.state.Unlock()

	if s.halted != nil {
		return s.haltedErr()
	}
	if req.State() == StateFinished {
		return nil
	}
	if req.slot < 0 {
		return fmt.Errorf("request %d was never added", req.ReqID)
	}
	return s.finishLocked(req, status)
}

// Cancel aborts a request. Waiting requests leave the queue without touching
// the allocator; running and swapped requests free their blocks.
func (s *BatchScheduler) Cancel(req *Request) error {
	return s.Complete(req, ErrCancelled)
}

// WaitingBufferEmpty reports whether no request is waiting
func (s *BatchScheduler) WaitingBufferEmpty() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.state.WaitingEmpty()
}

// SwappedQueueEmpty reports whether no request is swapped out
func (s *BatchScheduler) SwappedQueueEmpty() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.state.SwappedEmpty()
}

// IsFinished returns true if there are no more requests to process
func (s *BatchScheduler) IsFinished() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.state.WaitingEmpty() && s.state.RunningEmpty() && s.state.SwappedEmpty()
}

// Stats is a point-in-time view of queues and occupancy.
type Stats struct {
	Waiting     int
	Running     int
	Swapped     int
	UsedDevice  int
	UsedHost    int
	FreeDevice  int
	FreeHost    int
	HaltedCause error
}

// Stats returns queue lengths and occupancy observed under one lock.
func (s *BatchScheduler) Stats() Stats {
	s.state.Lock()
	defer s.state.Unlock()
	return Stats{
		Waiting:     s.state.WaitingLen(),
		Running:     s.state.RunningLen(),
		Swapped:     s.state.SwappedLen(),
		UsedDevice:  s.blocks.UsedBlocks(TierDevice),
		UsedHost:    s.blocks.UsedBlocks(TierHost),
		FreeDevice:  s.blocks.FreeBlocks(TierDevice),
		FreeHost:    s.blocks.FreeBlocks(TierHost),
		HaltedCause: s.halted,
	}
}

// FreeBlocks reads a tier's free count without the scheduler lock. Ranks
// other than 0 use it to follow occupancy.
func (s *BatchScheduler) FreeBlocks(tier Tier) int {
	return s.blocks.FreeBlocks(tier)
}

// UsedBlocks reads a tier's used count without the scheduler lock.
func (s *BatchScheduler) UsedBlocks(tier Tier) int {
	return s.blocks.UsedBlocks(tier)
}

// AllocateContiguous reserves a device buffer of byteSize bytes. The
// reservation is refused when it would leave too few device blocks for a
// request of max_token_num to run to completion.
func (s *BatchScheduler) AllocateContiguous(byteSize int) (ContiguousHandle, error) {
	s.state.Lock()
	defer s.state.Unlock()

	count := s.blocks.BlocksForBytes(byteSize)
	if left, need := s.requestBlocks()-count, s.blocks.BlocksForTokens(s.config.MaxTokenNum-1); left < need {
		return ContiguousHandle{}, &OutOfMemoryError{Tier: TierDevice, Requested: count, Free: max(s.requestBlocks()-need, 0)}
	}

	h, err := s.blocks.AllocateContiguous(byteSize)
	if err == nil {
		observeOccupancy(s.blocks)
	}
	return h, err
}

// FreeContiguous releases a buffer from AllocateContiguous.
func (s *BatchScheduler) FreeContiguous(h ContiguousHandle) error {
	s.state.Lock()
	defer s.state.Unlock()
	if err := s.blocks.FreeContiguous(h); err != nil {
		return s.halt(err)
	}
	observeOccupancy(s.blocks)
	return nil
}

// BlockTable returns a copy of req's block handles
func (s *BatchScheduler) BlockTable(req *Request) []BlockRef {
	s.state.Lock()
	defer s.state.Unlock()
	return slices.Clone(req.blockTable)
}

// GroupID returns the id shared by the requests added with req
func (s *BatchScheduler) GroupID(req *Request) int64 {
	s.state.Lock()
	defer s.state.Unlock()
	return req.groupID
}
