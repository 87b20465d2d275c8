package batcher

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = 7

func newTestScheduler(t *testing.T, opts ...ConfigOption) *BatchScheduler {
	t.Helper()
	s, err := NewBatchScheduler(NewConfig(opts...))
	require.NoError(t, err)
	return s
}

func addOne(t *testing.T, s *BatchScheduler, req *Request) {
	t.Helper()
	require.NoError(t, s.AddInferRequest([]*Request{req}))
}

func tokens(n, tok int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = tok
	}
	return out
}

// newShortRequest is newTestRequest with its output capped at maxTokens.
func newShortRequest(n, maxTokens int) *Request {
	req := newTestRequest(n)
	req.SamplingConfig.MaxTokens = maxTokens
	return req
}

// deviceBlocksHeld sums the device blocks in the tables of live requests.
func deviceBlocksHeld(reqs ...*Request) int {
	n := 0
	for _, r := range reqs {
		for _, ref := range r.blockTable {
			if ref.Tier == TierDevice {
				n++
			}
		}
	}
	return n
}

func TestContinuousBatchingAdmitsAfterFinish(t *testing.T) {
	s := newTestScheduler(t,
		WithMaxBatchSize(2),
		WithBlockTokenNum(16),
		WithMaxTokenNum(64),
		WithMaxInputLen(16),
		WithDeviceBlocks(4),
		WithHostBlocks(8),
	)
	r1, r2, r3 := newTestRequest(4), newTestRequest(4), newTestRequest(4)
	addOne(t, s, r1)
	addOne(t, s, r2)
	addOne(t, s, r3)

	batch, err := s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r1, r2}, batch)
	assert.Equal(t, StateWaiting, r3.State())
	assert.Equal(t, 2, s.UsedBlocks(TierDevice))

	// r1 hits EOS, r2 keeps going.
	require.NoError(t, s.Postprocess(batch, []int{s.Config().EOS, testToken}))
	assert.True(t, r1.IsFinished())
	assert.NoError(t, r1.FinishStatus())
	assert.Equal(t, 1, s.UsedBlocks(TierDevice))

	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r2, r3}, batch)
	assert.True(t, s.WaitingBufferEmpty())
}

func scenarioPreemptConfig() []ConfigOption {
	return []ConfigOption{
		WithMaxBatchSize(8),
		WithBlockTokenNum(4),
		WithMaxTokenNum(8),
		WithMaxInputLen(4),
		WithDeviceBlocks(2),
		WithHostBlocks(4),
	}
}

func TestContinuousBatchingPreemptsNewest(t *testing.T) {
	s := newTestScheduler(t, scenarioPreemptConfig()...)
	r1, r2 := newTestRequest(2), newTestRequest(4)
	addOne(t, s, r1)
	addOne(t, s, r2)

	batch, err := s.Schedule()
	require.NoError(t, err)
	require.Equal(t, []*Request{r1, r2}, batch)
	assert.Equal(t, 0, s.FreeBlocks(TierDevice))

	// r1 stays inside its block, r2 crosses into a second one.
	require.NoError(t, s.Postprocess(batch, []int{testToken, testToken}))

	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r1}, batch)
	assert.Equal(t, StateSwapped, r2.State())
	assert.False(t, s.SwappedQueueEmpty())
	assert.Equal(t, 1, s.UsedBlocks(TierDevice))
	assert.Equal(t, 1, s.UsedBlocks(TierHost))
	assert.Equal(t, []int{testToken}, r2.OutputTokens())

	// Not enough room to bring r2 back with its growth.
	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r1}, batch)
	assert.Equal(t, StateSwapped, r2.State())

	require.NoError(t, s.Postprocess(batch, []int{s.Config().EOS}))
	require.True(t, r1.IsFinished())

	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r2}, batch)
	assert.Equal(t, StateRunning, r2.State())
	assert.Equal(t, []int{testToken}, r2.OutputTokens())
	assert.Equal(t, 2, s.UsedBlocks(TierDevice))
	assert.Equal(t, 0, s.UsedBlocks(TierHost))
	assert.Len(t, s.BlockTable(r2), 2)
}

func TestContinuousBatchingHostExhausted(t *testing.T) {
	opts := append(scenarioPreemptConfig(), WithHostBlocks(0))
	s := newTestScheduler(t, opts...)
	r1, r2 := newTestRequest(2), newTestRequest(4)
	addOne(t, s, r1)
	addOne(t, s, r2)

	batch, err := s.Schedule()
	require.NoError(t, err)
	require.NoError(t, s.Postprocess(batch, []int{testToken, testToken}))

	batch, err = s.Schedule()
	require.ErrorIs(t, err, ErrOutOfMemory)
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, TierHost, oom.Tier)

	// r2 cannot grow and is left out of the step without losing its state.
	assert.Equal(t, []*Request{r1}, batch)
	assert.Equal(t, StateRunning, r2.State())
	assert.Len(t, s.BlockTable(r2), 1)
	assert.Nil(t, s.Stats().HaltedCause)

	// Once r1 finishes r2 grows in place.
	require.NoError(t, s.Postprocess(batch, []int{s.Config().EOS}))
	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r2}, batch)
	assert.Len(t, s.BlockTable(r2), 2)
}

func TestContinuousBatchingCapacityBoundary(t *testing.T) {
	opts := []ConfigOption{
		WithBlockTokenNum(4),
		WithMaxTokenNum(16),
		WithMaxInputLen(15),
		WithDeviceBlocks(4),
	}

	t.Run("exact fit", func(t *testing.T) {
		s := newTestScheduler(t, opts...)
		big, small := newTestRequest(12), newTestRequest(4)
		addOne(t, s, big)
		addOne(t, s, small)

		batch, err := s.Schedule()
		require.NoError(t, err)
		assert.Equal(t, []*Request{big, small}, batch)
		assert.Equal(t, 0, s.FreeBlocks(TierDevice))
	})

	t.Run("one block short", func(t *testing.T) {
		s := newTestScheduler(t, opts...)
		big, small, tiny := newTestRequest(12), newTestRequest(5), newTestRequest(1)
		addOne(t, s, big)
		addOne(t, s, small)
		addOne(t, s, tiny)

		batch, err := s.Schedule()
		require.NoError(t, err)
		assert.Equal(t, []*Request{big}, batch)
		assert.Equal(t, StateWaiting, small.State())
		// Admission is strict FIFO: tiny would fit but stays behind small.
		assert.Equal(t, StateWaiting, tiny.State())
		assert.Equal(t, 1, s.FreeBlocks(TierDevice))
	})
}

func TestContinuousBatchingScheduleIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, WithBlockTokenNum(4), WithMaxTokenNum(16), WithMaxInputLen(8), WithDeviceBlocks(8))
	r1, r2 := newTestRequest(3), newTestRequest(8)
	addOne(t, s, r1)
	addOne(t, s, r2)

	first, err := s.Schedule()
	require.NoError(t, err)
	used := s.UsedBlocks(TierDevice)

	second, err := s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, used, s.UsedBlocks(TierDevice))
}

func TestContinuousBatchingGroupAdmittedTogether(t *testing.T) {
	s := newTestScheduler(t,
		WithMaxBatchSize(4),
		WithBlockTokenNum(4),
		WithMaxTokenNum(16),
		WithMaxInputLen(8),
		WithDeviceBlocks(4),
	)
	solo := newTestRequest(4)
	g1, g2 := newShortRequest(8, 1), newShortRequest(4, 1)
	addOne(t, s, solo)
	require.NoError(t, s.AddInferRequest([]*Request{g1, g2}))
	assert.Equal(t, s.GroupID(g1), s.GroupID(g2))
	assert.NotEqual(t, s.GroupID(solo), s.GroupID(g1))

	// The group needs 3 blocks and only 3 remain after solo.
	batch, err := s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{solo, g1, g2}, batch)
}

func TestContinuousBatchingGroupWaitsWhole(t *testing.T) {
	s := newTestScheduler(t,
		WithMaxBatchSize(4),
		WithBlockTokenNum(4),
		WithMaxTokenNum(16),
		WithMaxInputLen(8),
		WithDeviceBlocks(4),
	)
	solo := newTestRequest(8)
	g1, g2 := newShortRequest(8, 1), newShortRequest(4, 1)
	addOne(t, s, solo)
	require.NoError(t, s.AddInferRequest([]*Request{g1, g2}))

	// 2 blocks left, the group needs 3: neither member is admitted.
	batch, err := s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{solo}, batch)
	assert.Equal(t, StateWaiting, g1.State())
	assert.Equal(t, StateWaiting, g2.State())
	assert.Equal(t, 2, s.UsedBlocks(TierDevice))
}

func TestContinuousBatchingGroupPreemptedTogether(t *testing.T) {
	s := newTestScheduler(t,
		WithBlockTokenNum(4),
		WithMaxTokenNum(12),
		WithMaxInputLen(4),
		WithDeviceBlocks(3),
		WithHostBlocks(4),
	)
	r1 := newTestRequest(2)
	g1, g2 := newShortRequest(4, 2), newShortRequest(2, 2)
	addOne(t, s, r1)
	require.NoError(t, s.AddInferRequest([]*Request{g1, g2}))

	batch, err := s.Schedule()
	require.NoError(t, err)
	require.Equal(t, []*Request{r1, g1, g2}, batch)

	// g1 crosses a block boundary with no free block: the whole group goes.
	require.NoError(t, s.Postprocess(batch, []int{testToken, testToken, testToken}))
	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{r1}, batch)
	assert.Equal(t, StateSwapped, g1.State())
	assert.Equal(t, StateSwapped, g2.State())
	assert.Equal(t, 2, s.UsedBlocks(TierHost))
}

func TestContinuousBatchingRespectsMaxBatchSize(t *testing.T) {
	s := newTestScheduler(t, WithMaxBatchSize(3))
	reqs := make([]*Request, 5)
	for i := range reqs {
		reqs[i] = newTestRequest(4)
		addOne(t, s, reqs[i])
	}

	batch, err := s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, reqs[:3], batch)
	assert.Equal(t, 2, s.Stats().Waiting)
}

func TestContinuousBatchingAccounting(t *testing.T) {
	s := newTestScheduler(t,
		WithMaxBatchSize(6),
		WithBlockTokenNum(4),
		WithMaxTokenNum(24),
		WithMaxInputLen(8),
		WithDeviceBlocks(8),
		WithHostBlocks(32),
	)
	var all []*Request
	for i := 0; i < 12; i++ {
		req := NewRequest("test", tokens(1+i%8, 100+i), NewSamplingConfig(WithMaxTokens(3+i%5)))
		addOne(t, s, req)
		all = append(all, req)
	}

	firstSeen := make([]int64, 0, len(all))
	seen := make(map[int64]bool)

	for step := 0; step < 500 && !s.IsFinished(); step++ {
		batch, err := s.Schedule()
		require.NotErrorIs(t, err, ErrSchedulerHalted)

		live := make([]*Request, 0, len(all))
		for _, r := range all {
			if !r.IsFinished() {
				live = append(live, r)
			}
		}
		require.Equal(t, s.UsedBlocks(TierDevice), deviceBlocksHeld(live...))
		require.LessOrEqual(t, s.UsedBlocks(TierDevice), 8)
		require.LessOrEqual(t, len(batch), 6)

		for _, r := range batch {
			require.Equal(t, StateRunning, r.State())
			if !seen[r.ReqID] {
				seen[r.ReqID] = true
				firstSeen = append(firstSeen, r.ReqID)
			}
		}
		require.NoError(t, s.Postprocess(batch, tokens(len(batch), testToken)))
	}

	require.True(t, s.IsFinished())
	assert.Equal(t, 0, s.UsedBlocks(TierDevice))
	assert.Equal(t, 0, s.UsedBlocks(TierHost))
	assert.IsIncreasing(t, firstSeen)
	for _, r := range all {
		assert.NoError(t, r.FinishStatus())
	}
}

func TestNewScheduleStrategyUnknown(t *testing.T) {
	_, err := NewScheduleStrategy("round_robin", NewConfig(), NewBatchState(), NewBlockManager(1, 0, 1, 1))
	assert.Error(t, err)

	_, err = NewBatchScheduler(&Config{})
	assert.Error(t, err)
}

func TestContinuousBatchingKeepsLoneGroupRunning(t *testing.T) {
	s := newTestScheduler(t,
		WithBlockTokenNum(4),
		WithMaxTokenNum(16),
		WithMaxInputLen(8),
		WithDeviceBlocks(5),
		WithHostBlocks(8),
	)
	req := NewRequest("test", tokens(8, 100), NewSamplingConfig(WithIgnoreEOS(true)))
	addOne(t, s, req)

	batch, err := s.Schedule()
	require.NoError(t, err)
	require.Equal(t, []*Request{req}, batch)

	// Take the rest of the device tier so the request cannot grow.
	h, err := s.blocks.AllocateContiguous(3 * s.Config().BlockBytes)
	require.NoError(t, err)
	require.Equal(t, 0, s.FreeBlocks(TierDevice))
	require.NoError(t, s.Postprocess(batch, []int{testToken}))

	before := testutil.ToFloat64(Preemptions)
	batch, err = s.Schedule()
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Empty(t, batch)
	assert.Equal(t, StateRunning, req.State())
	assert.Equal(t, 0, s.UsedBlocks(TierHost))
	assert.Equal(t, before, testutil.ToFloat64(Preemptions))

	require.NoError(t, s.FreeContiguous(h))
	batch, err = s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []*Request{req}, batch)
	assert.Len(t, s.BlockTable(req), 3)
}
