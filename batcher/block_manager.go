package batcher

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Tier identifies one of the two block pools.
type Tier int

const (
	TierDevice Tier = iota
	TierHost
)

func (t Tier) String() string {
	switch t {
	case TierDevice:
		return "device"
	case TierHost:
		return "host"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

const (
	noOwner         int64 = -1
	contiguousOwner int64 = -2
)

// BlockRef is a tier-tagged handle to one block.
type BlockRef struct {
	Tier Tier
	ID   int
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%s/%d", r.Tier, r.ID)
}

// Block represents a KV cache block
type Block struct {
	BlockID  int
	Owner    int64
	Hash     uint64
	TokenIDs []int
}

// NewBlock creates a new free block
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		Owner:    noOwner,
		TokenIDs: make([]int, 0),
	}
}

// Update updates the block's hash and token IDs
func (b *Block) Update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// Reset hands the block to a new owner with empty content
func (b *Block) Reset(owner int64) {
	b.Owner = owner
	b.Hash = 0
	b.TokenIDs = b.TokenIDs[:0]
}

// ContiguousHandle is a run of adjacent device blocks reserved as one buffer.
type ContiguousHandle struct {
	ID    int
	First int
	Count int
}

type blockPool struct {
	tier         Tier
	blocks       []*Block
	freeBlockIDs []int
	used         atomic.Int64
}

func newBlockPool(tier Tier, numBlocks int) *blockPool {
	p := &blockPool{
		tier:         tier,
		blocks:       make([]*Block, numBlocks),
		freeBlockIDs: make([]int, numBlocks),
	}
	for i := 0; i < numBlocks; i++ {
		p.blocks[i] = NewBlock(i)
		p.freeBlockIDs[i] = i
	}
	return p
}

func (p *blockPool) numFree() int {
	return len(p.blocks) - int(p.used.Load())
}

func (p *blockPool) take(owner int64) int {
	blockID := p.freeBlockIDs[0]
	p.freeBlockIDs = p.freeBlockIDs[1:]
	p.blocks[blockID].Reset(owner)
	p.used.Add(1)
	return blockID
}

func (p *blockPool) takeID(blockID int, owner int64) {
	for i, id := range p.freeBlockIDs {
		if id == blockID {
			p.freeBlockIDs = append(p.freeBlockIDs[:i], p.freeBlockIDs[i+1:]...)
			break
		}
	}
	p.blocks[blockID].Reset(owner)
	p.used.Add(1)
}

func (p *blockPool) release(blockID int) {
	block := p.blocks[blockID]
	block.Owner = noOwner
	block.Hash = 0
	block.TokenIDs = block.TokenIDs[:0]
	p.freeBlockIDs = append(p.freeBlockIDs, blockID)
	p.used.Add(-1)
}

// BlockManager owns the device and host block pools.
//
// Mutating methods are not synchronized: the BatchState lock guards them
// together with the queues. FreeBlocks, UsedBlocks and TotalBlocks read
// atomic counters and may be called from any goroutine.
type BlockManager struct {
	blockSize  int
	blockBytes int
	pools      [2]*blockPool

	contiguous   map[int]ContiguousHandle
	nextHandleID int
}

// NewBlockManager creates a new block manager
func NewBlockManager(deviceBlocks, hostBlocks, blockSize, blockBytes int) *BlockManager {
	return &BlockManager{
		blockSize:  blockSize,
		blockBytes: blockBytes,
		pools: [2]*blockPool{
			TierDevice: newBlockPool(TierDevice, deviceBlocks),
			TierHost:   newBlockPool(TierHost, hostBlocks),
		},
		contiguous: make(map[int]ContiguousHandle),
	}
}

// BlockSize returns the number of tokens per block
func (bm *BlockManager) BlockSize() int {
	return bm.blockSize
}

// FreeBlocks returns the number of free blocks on a tier
func (bm *BlockManager) FreeBlocks(tier Tier) int {
	return bm.pools[tier].numFree()
}

// UsedBlocks returns the number of owned blocks on a tier
func (bm *BlockManager) UsedBlocks(tier Tier) int {
	return int(bm.pools[tier].used.Load())
}

// TotalBlocks returns the capacity of a tier
func (bm *BlockManager) TotalBlocks(tier Tier) int {
	return len(bm.pools[tier].blocks)
}

// Block returns the metadata of a block
func (bm *BlockManager) Block(ref BlockRef) *Block {
	return bm.pools[ref.Tier].blocks[ref.ID]
}

// ComputeHash computes the hash of token IDs with an optional prefix hash
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	if prefixHash != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	buf := make([]byte, 4)
	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}

	return h.Sum64()
}

// Allocate takes count free blocks from a tier for owner. It never evicts.
func (bm *BlockManager) Allocate(count int, tier Tier, owner int64) ([]BlockRef, error) {
	if count < 1 {
		return nil, fmt.Errorf("allocate: block count must be positive, got %d", count)
	}
	p := bm.pools[tier]
	if free := p.numFree(); free < count {
		return nil, &OutOfMemoryError{Tier: tier, Requested: count, Free: free}
	}

	refs := make([]BlockRef, count)
	for i := range refs {
		refs[i] = BlockRef{Tier: tier, ID: p.take(owner)}
	}
	return refs, nil
}

// checkOwned verifies every ref is a distinct block held by owner.
func (bm *BlockManager) checkOwned(owner int64, refs []BlockRef) error {
	seen := make(map[BlockRef]struct{}, len(refs))
	for _, ref := range refs {
		if ref.Tier != TierDevice && ref.Tier != TierHost {
			return invariantf("block %s has unknown tier", ref)
		}
		p := bm.pools[ref.Tier]
		if ref.ID < 0 || ref.ID >= len(p.blocks) {
			return invariantf("block %s out of range", ref)
		}
		if _, dup := seen[ref]; dup {
			return fmt.Errorf("%w: %w: block %s listed twice", ErrInvariantViolation, ErrDoubleFree, ref)
		}
		seen[ref] = struct{}{}

		switch block := p.blocks[ref.ID]; block.Owner {
		case owner:
		case noOwner:
			return fmt.Errorf("%w: %w: block %s is already free", ErrInvariantViolation, ErrDoubleFree, ref)
		default:
			return invariantf("block %s is owned by %d, not %d", ref, block.Owner, owner)
		}
	}
	return nil
}

// Free returns blocks held by owner to their tiers. Nothing is freed unless
// every block is valid.
func (bm *BlockManager) Free(owner int64, refs []BlockRef) error {
	if err := bm.checkOwned(owner, refs); err != nil {
		return err
	}

	// Deallocate in reverse order
	for i := len(refs) - 1; i >= 0; i-- {
		bm.pools[refs[i].Tier].release(refs[i].ID)
	}
	return nil
}

// migrate copies the content of device or host blocks to newly allocated
// blocks on the other tier, then frees the originals.
func (bm *BlockManager) migrate(owner int64, refs []BlockRef, from, to Tier) ([]BlockRef, error) {
	for _, ref := range refs {
		if ref.Tier != from {
			return nil, invariantf("block %s is not on the %s tier", ref, from)
		}
	}
	if err := bm.checkOwned(owner, refs); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	dst, err := bm.Allocate(len(refs), to, owner)
	if err != nil {
		return nil, err
	}

	for i, ref := range refs {
		src := bm.Block(ref)
		bm.Block(dst[i]).Update(src.Hash, src.TokenIDs)
	}

	for i := len(refs) - 1; i >= 0; i-- {
		bm.pools[from].release(refs[i].ID)
	}
	return dst, nil
}

// SwapOut moves a request's device blocks to the host tier.
func (bm *BlockManager) SwapOut(owner int64, refs []BlockRef) ([]BlockRef, error) {
	return bm.migrate(owner, refs, TierDevice, TierHost)
}

// SwapIn moves a request's host blocks back to the device tier.
func (bm *BlockManager) SwapIn(owner int64, refs []BlockRef) ([]BlockRef, error) {
	return bm.migrate(owner, refs, TierHost, TierDevice)
}

// Record stores the tokens held by each of owner's blocks together with the
// chained content hash. Only blocks whose content changed are rehashed.
func (bm *BlockManager) Record(owner int64, refs []BlockRef, tokenIDs []int) error {
	var prefix uint64
	dirty := false
	for i, ref := range refs {
		block := bm.Block(ref)
		if block.Owner != owner {
			return invariantf("block %s is owned by %d, not %d", ref, block.Owner, owner)
		}
		start := i * bm.blockSize
		end := min(start+bm.blockSize, len(tokenIDs))
		if start >= end {
			block.Update(0, nil)
			continue
		}
		chunk := tokenIDs[start:end]
		if dirty || block.Hash == 0 || !slices.Equal(block.TokenIDs, chunk) {
			block.Update(bm.ComputeHash(chunk, prefix), chunk)
			dirty = true
		}
		prefix = block.Hash
	}
	return nil
}

// Verify checks that owner's blocks still hold tokenIDs.
func (bm *BlockManager) Verify(owner int64, refs []BlockRef, tokenIDs []int) error {
	var prefix uint64
	for i, ref := range refs {
		block := bm.Block(ref)
		start := i * bm.blockSize
		end := min(start+bm.blockSize, len(tokenIDs))
		if start >= end {
			continue
		}
		chunk := tokenIDs[start:end]
		// The newest token may not be recorded yet.
		if len(block.TokenIDs) < len(chunk) {
			chunk = chunk[:len(block.TokenIDs)]
		}
		if len(chunk) == 0 {
			continue
		}
		if want := bm.ComputeHash(chunk, prefix); block.Owner != owner || block.Hash != want {
			return invariantf("block %s content does not match request %d", ref, owner)
		}
		prefix = block.Hash
	}
	return nil
}

// BlocksForBytes returns how many device blocks a contiguous buffer of
// byteSize bytes takes. It is at least one.
func (bm *BlockManager) BlocksForBytes(byteSize int) int {
	return max((byteSize+bm.blockBytes-1)/bm.blockBytes, 1)
}

// ContiguousBlocks returns the device blocks held by contiguous buffers.
func (bm *BlockManager) ContiguousBlocks() int {
	n := 0
	for _, h := range bm.contiguous {
		n += h.Count
	}
	return n
}

// AllocateContiguous reserves enough adjacent device blocks for byteSize bytes.
func (bm *BlockManager) AllocateContiguous(byteSize int) (ContiguousHandle, error) {
	count := bm.BlocksForBytes(byteSize)

	p := bm.pools[TierDevice]
	first, run := -1, 0
	for i, block := range p.blocks {
		if block.Owner != noOwner {
			run = 0
			continue
		}
		run++
		if run == count {
			first = i - count + 1
			break
		}
	}
	if first < 0 {
		return ContiguousHandle{}, &OutOfMemoryError{Tier: TierDevice, Requested: count, Free: p.numFree()}
	}

	for id := first; id < first+count; id++ {
		p.takeID(id, contiguousOwner)
	}

	h := ContiguousHandle{ID: bm.nextHandleID, First: first, Count: count}
	bm.nextHandleID++
	bm.contiguous[h.ID] = h
	return h, nil
}

// FreeContiguous releases a buffer returned by AllocateContiguous.
func (bm *BlockManager) FreeContiguous(h ContiguousHandle) error {
	if _, ok := bm.contiguous[h.ID]; !ok {
		return fmt.Errorf("%w: %w: contiguous buffer %d", ErrInvariantViolation, ErrDoubleFree, h.ID)
	}
	delete(bm.contiguous, h.ID)

	for id := h.First + h.Count - 1; id >= h.First; id-- {
		bm.pools[TierDevice].release(id)
	}
	return nil
}

// BlocksForTokens returns how many blocks hold n tokens
func (bm *BlockManager) BlocksForTokens(n int) int {
	return (n + bm.blockSize - 1) / bm.blockSize
}
