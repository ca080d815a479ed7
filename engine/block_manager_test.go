package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBlockManager_RejectsNonPositiveSizes(t *testing.T) {
	_, err := NewBlockManager(0, 4)
	assert.Error(t, err)
	_, err = NewBlockManager(8, 0)
	assert.Error(t, err)
}

func TestCanAllocate_ConservativeOnFreeListSize(t *testing.T) {
	// GIVEN a pool of 8 blocks (B=4)
	bm, err := NewBlockManager(8, 4)
	assert.NoError(t, err)

	// A 5-token sequence needs ceil(5/4) = 2 blocks
	seq := NewSequence([]int{1, 2, 3, 4, 5}, validParams(1))
	if !bm.CanAllocate(seq) {
		t.Fatal("expected CanAllocate to succeed with 8 free blocks")
	}
}

func TestAllocate_PartialBlockNeverHashed(t *testing.T) {
	bm, _ := NewBlockManager(8, 4)
	seq := NewSequence([]int{1, 2, 3, 4, 5}, validParams(1))

	assert.NoError(t, bm.Allocate(seq))
	assert.Equal(t, 2, len(seq.BlockTable))
	assert.Equal(t, 6, bm.FreeBlocks())
	// only the first (full) block may have been committed to the hash map
	assert.LessOrEqual(t, bm.HashMapSize(), 1)
	assert.Equal(t, 0, seq.NumCachedTokens)
}

func TestAllocate_PrefixCacheHit_SharesBothFullBlocks(t *testing.T) {
	// GIVEN two identical 8-token prompts (two full blocks each, B=4)
	bm, _ := NewBlockManager(8, 4)
	prompt := []int{10, 11, 12, 13, 10, 11, 12, 13}

	first := NewSequence(prompt, validParams(1))
	assert.NoError(t, bm.Allocate(first))
	assert.Equal(t, 6, bm.FreeBlocks())

	// WHEN a second sequence with the identical prompt allocates
	second := NewSequence(prompt, validParams(1))
	assert.NoError(t, bm.Allocate(second))

	// THEN it reuses both of the first sequence's physical blocks
	assert.Equal(t, first.BlockTable, second.BlockTable)
	assert.Equal(t, 6, bm.FreeBlocks(), "free-list depletion should stay at 2 blocks, not 4")
	assert.Equal(t, 8, second.NumCachedTokens)
	for _, id := range first.BlockTable {
		assert.Equal(t, 2, bm.RefCount(id))
	}
}

func TestCanAppend_NeedsFreeBlockOnlyAtBoundary(t *testing.T) {
	bm, _ := NewBlockManager(1, 4)
	seq := NewSequence([]int{1, 2, 3}, validParams(1))
	assert.NoError(t, bm.Allocate(seq))

	// len=3, 3%4 != 1: the last token sits inside the block
	if !bm.CanAppend(seq) {
		t.Fatal("expected room for one more token inside the current block")
	}

	seq.AppendToken(4) // len now 4, block full
	seq.AppendToken(5)
	// len=5, 5%4==1: the last token overflows into a new block; free list is empty (pool size 1)
	if bm.CanAppend(seq) {
		t.Fatal("expected CanAppend to fail: block full and no free block available")
	}
}

func TestMayAppend_OverflowDrawsNewBlock(t *testing.T) {
	bm, _ := NewBlockManager(8, 4)
	seq := NewSequence([]int{1, 2, 3, 4}, validParams(1)) // exactly 1 full block
	assert.NoError(t, bm.Allocate(seq))
	freeBefore := bm.FreeBlocks()

	seq.AppendToken(5) // overflow into a second block
	assert.NoError(t, bm.MayAppend(seq))

	assert.Equal(t, 2, len(seq.BlockTable))
	assert.Equal(t, freeBefore-1, bm.FreeBlocks())
}

func TestMayAppend_CompletingBlockCommitsHash(t *testing.T) {
	bm, _ := NewBlockManager(8, 4)
	seq := NewSequence([]int{1, 2, 3}, validParams(1))
	assert.NoError(t, bm.Allocate(seq))
	before := bm.HashMapSize()

	seq.AppendToken(4) // completes the first block exactly
	assert.NoError(t, bm.MayAppend(seq))

	assert.Equal(t, before+1, bm.HashMapSize())
}

func TestDeallocate_ReturnsBlocksAndResetsSequence(t *testing.T) {
	bm, _ := NewBlockManager(8, 4)
	seq := NewSequence([]int{1, 2, 3, 4, 5}, validParams(1))
	assert.NoError(t, bm.Allocate(seq))

	bm.Deallocate(seq)

	assert.Equal(t, 8, bm.FreeBlocks())
	assert.Nil(t, seq.BlockTable)
	assert.Equal(t, 0, seq.NumCachedTokens)
}

func TestDeallocate_SharedBlockKeepsRefCountPositive(t *testing.T) {
	// Scenario 6: seqs A and B share 2 prefix blocks; preempting B must
	// decrement, not free, those blocks while A keeps running.
	bm, _ := NewBlockManager(8, 4)
	prompt := []int{10, 11, 12, 13, 10, 11, 12, 13}

	a := NewSequence(prompt, validParams(1))
	b := NewSequence(prompt, validParams(1))
	assert.NoError(t, bm.Allocate(a))
	assert.NoError(t, bm.Allocate(b))
	for _, id := range a.BlockTable {
		assert.Equal(t, 2, bm.RefCount(id))
	}

	bm.Deallocate(b)

	for _, id := range a.BlockTable {
		assert.Equal(t, 1, bm.RefCount(id), "A's blocks must still be referenced")
	}
	assert.Nil(t, b.BlockTable)

	// Resuming B later re-hits the prefix cache and brings ref_count back to 2.
	c := NewSequence(prompt, validParams(1))
	assert.NoError(t, bm.Allocate(c))
	assert.Equal(t, a.BlockTable, c.BlockTable)
	for _, id := range a.BlockTable {
		assert.Equal(t, 2, bm.RefCount(id))
	}
}

func TestDeallocateThenReallocate_IdenticalTokensReuseSameBlockIDs(t *testing.T) {
	// Law: deallocate-then-reallocate with identical tokens yields
	// identical content-addressed block ids (prefix cache round-trip).
	bm, _ := NewBlockManager(8, 4)
	prompt := []int{7, 8, 9, 10}

	seq := NewSequence(prompt, validParams(1))
	assert.NoError(t, bm.Allocate(seq))
	firstTable := append([]int(nil), seq.BlockTable...)

	bm.Deallocate(seq)

	seq2 := NewSequence(prompt, validParams(1))
	assert.NoError(t, bm.Allocate(seq2))

	assert.Equal(t, firstTable, seq2.BlockTable)
}
