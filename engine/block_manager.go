package engine

import (
	"github.com/gammazero/deque"
)

// BlockManager owns the fixed pool of KV blocks: a free list and a
// content-hash -> block-id prefix cache.
type BlockManager struct {
	blockSize   int
	blocks      []block
	free        deque.Deque[int]
	hashToBlock map[blockHash]int
}

// NewBlockManager allocates a pool of numBlocks blocks of blockSize tokens
// each, all initially free.
func NewBlockManager(numBlocks, blockSize int) (*BlockManager, error) {
	if numBlocks <= 0 {
		return nil, &ConfigError{Field: "num_kvcache_blocks", Reason: "must be a positive integer"}
	}
	if blockSize <= 0 {
		return nil, &ConfigError{Field: "kvcache_block_size", Reason: "must be a positive integer"}
	}
	bm := &BlockManager{
		blockSize:   blockSize,
		blocks:      make([]block, numBlocks),
		hashToBlock: make(map[blockHash]int),
	}
	for i := range bm.blocks {
		bm.blocks[i].id = i
		bm.free.PushBack(i)
	}
	Log.WithFields(map[string]interface{}{
		"num_blocks": numBlocks,
		"block_size": blockSize,
	}).Info("block manager initialized")
	return bm, nil
}

// BlockSize returns the number of tokens a block holds.
func (bm *BlockManager) BlockSize() int {
	return bm.blockSize
}

// NumBlocks returns the pool's total block capacity.
func (bm *BlockManager) NumBlocks() int {
	return len(bm.blocks)
}

// FreeBlocks returns the number of blocks currently on the free list.
func (bm *BlockManager) FreeBlocks() int {
	return bm.free.Len()
}

// HashMapSize returns the number of entries in the prefix-cache hash map.
func (bm *BlockManager) HashMapSize() int {
	return len(bm.hashToBlock)
}

// CanAllocate reports whether the free list has enough blocks to satisfy
// seq.NumBlocks() without crediting any prefix-cache hit — a conservative
// check.
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return bm.free.Len() >= seq.NumBlocks(bm.blockSize)
}

// Allocate binds physical blocks to every logical block of seq, reusing
// prefix-cache hits where the stored tokens match and drawing fresh blocks
// from the free list otherwise. Precondition: CanAllocate(seq).
func (bm *BlockManager) Allocate(seq *Sequence) error {
	numBlocks := seq.NumBlocks(bm.blockSize)
	prevHash := noPrefixHash
	for i := 0; i < numBlocks; i++ {
		tokens := seq.BlockTokens(i, bm.blockSize)
		full := len(tokens) == bm.blockSize

		if !full {
			id, err := bm.popFree()
			if err != nil {
				return err
			}
			blk := &bm.blocks[id]
			blk.tokens = append([]int(nil), tokens...)
			blk.refCount = 1
			seq.BlockTable = append(seq.BlockTable, id)
			continue
		}

		h := hashBlock(prevHash, tokens)
		if id, ok := bm.hashToBlock[h]; ok && tokensEqual(bm.blocks[id].tokens, tokens) {
			blk := &bm.blocks[id]
			if blk.free() {
				bm.removeFree(id)
			}
			blk.refCount++
			seq.BlockTable = append(seq.BlockTable, id)
			seq.NumCachedTokens += bm.blockSize
			prevHash = h
			continue
		}

		// Miss, or a collision with mismatching content: treated as a miss,
		// never as an error.
		id, err := bm.popFree()
		if err != nil {
			return err
		}
		blk := &bm.blocks[id]
		blk.tokens = append([]int(nil), tokens...)
		blk.refCount = 1
		blk.hash = h
		blk.hashed = true
		bm.hashToBlock[h] = id
		seq.BlockTable = append(seq.BlockTable, id)
		prevHash = h
	}
	return nil
}

// CanAppend reports whether MayAppend can place seq's last token (already
// in TokenIDs): the token lands inside the current last block, or a free
// block is available to hold an overflowing token.
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	return !bm.needsNewBlock(seq.Len()-1) || bm.free.Len() > 0
}

// needsNewBlock reports whether a sequence currently at length curLen
// would, after one more token is appended, overflow its last block.
func (bm *BlockManager) needsNewBlock(curLen int) bool {
	return curLen%bm.blockSize == 0
}

// MayAppend applies the effect of a just-appended decode token (seq's
// TokenIDs already includes it) on the block table: no-op if it landed
// inside the current last block, commits the block's hash if it landed
// exactly on the boundary completing the block, or draws a fresh block if
// it overflowed. Precondition: CanAppend(seq) holds for the same state.
func (bm *BlockManager) MayAppend(seq *Sequence) error {
	newLen := seq.Len()
	priorLen := newLen - 1
	newTok := seq.TokenIDs[newLen-1]

	if bm.needsNewBlock(priorLen) {
		id, err := bm.popFree()
		if err != nil {
			return err
		}
		blk := &bm.blocks[id]
		blk.tokens = []int{newTok}
		blk.refCount = 1
		seq.BlockTable = append(seq.BlockTable, id)
		return nil
	}

	lastID := seq.LastBlockID()
	blk := &bm.blocks[lastID]
	blk.tokens = append(blk.tokens, newTok)

	if newLen%bm.blockSize == 0 {
		prevHash := noPrefixHash
		if n := len(seq.BlockTable); n >= 2 {
			prevHash = bm.blocks[seq.BlockTable[n-2]].hash
		}
		bm.commitHash(lastID, hashBlock(prevHash, blk.tokens))
	}
	return nil
}

// Deallocate releases every block seq references, decrementing reference
// counts and returning newly-unreferenced blocks to the free list in
// reverse block-table order — the sequence's last block (least likely to
// be shared by a future prefix) becomes eligible for reuse soonest. The
// hash map entry for a freed block is left intact so a later Allocate can
// still rediscover the cached prefix.
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		id := seq.BlockTable[i]
		blk := &bm.blocks[id]
		blk.refCount--
		if blk.refCount == 0 {
			bm.free.PushBack(id)
		}
	}
	seq.BlockTable = nil
	seq.NumCachedTokens = 0
}

// popFree pops the front of the free list, evicting any stale hash-map
// entry that still points at the block (its content is about to change).
func (bm *BlockManager) popFree() (int, error) {
	if bm.free.Len() == 0 {
		return 0, &CapacityError{NeedBlocks: 1, PoolBlocks: 0}
	}
	id := bm.free.PopFront()
	blk := &bm.blocks[id]
	if blk.hashed {
		if cur, ok := bm.hashToBlock[blk.hash]; ok && cur == id {
			delete(bm.hashToBlock, blk.hash)
		}
		blk.hashed = false
	}
	blk.tokens = nil
	return id, nil
}

// removeFree removes a specific block id from the middle of the free
// list — used when a prefix-cache hit reuses a block that had been freed
// but not yet evicted.
func (bm *BlockManager) removeFree(id int) {
	for i := 0; i < bm.free.Len(); i++ {
		if bm.free.At(i) == id {
			bm.free.Remove(i)
			return
		}
	}
}

// commitHash installs h -> id in the prefix cache, evicting whatever hash
// previously pointed at id.
func (bm *BlockManager) commitHash(id int, h blockHash) {
	blk := &bm.blocks[id]
	if blk.hashed {
		if cur, ok := bm.hashToBlock[blk.hash]; ok && cur == id {
			delete(bm.hashToBlock, blk.hash)
		}
	}
	blk.hash = h
	blk.hashed = true
	bm.hashToBlock[h] = id
}

// RefCount exposes a block's reference count, for tests asserting
// prefix-sharing ref-count invariants.
func (bm *BlockManager) RefCount(blockID int) int {
	return bm.blocks[blockID].refCount
}
