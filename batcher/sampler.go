package batcher

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// per-slot device state of the sampler: output token, logits offset, top-k,
// rng state and output pointer.
const samplerSlotBytes = 4 + 4 + 4 + 48 + 8

// Sampler turns logits into one token per request. It is the boundary
// where unsupported sampling configs are rejected.
type Sampler struct {
	scheduler *BatchScheduler
	buffer    ContiguousHandle
	rng       *rand.Rand
}

// NewSampler reserves the sampler's device buffer for maxBatchSize slots.
func NewSampler(scheduler *BatchScheduler, seed uint64) (*Sampler, error) {
	buffer, err := scheduler.AllocateContiguous(samplerSlotBytes * scheduler.Config().MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sampler buffer: %w", err)
	}
	return &Sampler{
		scheduler: scheduler,
		buffer:    buffer,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Close releases the device buffer
func (s *Sampler) Close() error {
	return s.scheduler.FreeContiguous(s.buffer)
}

// Validate reports whether the sampler implements cfg
func (s *Sampler) Validate(cfg SamplingConfig) error {
	return cfg.Validate()
}

// Sample picks the next token for every request from its logits row.
func (s *Sampler) Sample(reqs []*Request, logits [][]float32) ([]int, error) {
	if len(reqs) != len(logits) {
		return nil, fmt.Errorf("got %d logits rows for %d requests", len(logits), len(reqs))
	}

	tokenIDs := make([]int, len(reqs))
	for i, req := range reqs {
		if err := s.Validate(req.SamplingConfig); err != nil {
			return nil, fmt.Errorf("request %d: %w", req.ReqID, err)
		}
		if len(logits[i]) == 0 {
			return nil, fmt.Errorf("request %d: empty logits", req.ReqID)
		}
		if k := req.SamplingConfig.TopK; k > 1 {
			tokenIDs[i] = s.topK(logits[i], k)
		} else {
			tokenIDs[i] = argMax(logits[i])
		}
	}
	return tokenIDs, nil
}

func argMax(row []float32) int {
	maxIdx := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[maxIdx] {
			maxIdx = j
		}
	}
	return maxIdx
}

// topK draws from the k largest logits weighted by their softmax.
func (s *Sampler) topK(row []float32, k int) int {
	k = min(k, len(row))
	idx := make([]int, len(row))
	for j := range idx {
		idx[j] = j
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	idx = idx[:k]

	top := float64(row[idx[0]])
	weights := make([]float64, k)
	total := 0.0
	for j, id := range idx {
		weights[j] = math.Exp(float64(row[id]) - top)
		total += weights[j]
	}

	r := s.rng.Float64() * total
	for j, w := range weights {
		r -= w
		if r < 0 {
			return idx[j]
		}
	}
	return idx[k-1]
}
