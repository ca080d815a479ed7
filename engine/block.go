package engine

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// blockHash identifies a full block's content and its lineage: the chain
// hash of every block before it plus this block's own tokens. Two blocks
// with equal chained hashes have equal prefixes (modulo the explicit
// collision check BlockManager.Allocate performs before trusting a hit).
type blockHash uint64

// noPrefixHash is the sentinel chained into logical block 0's hash.
const noPrefixHash blockHash = 0

// hashBlock computes H(prefixHash, tokens): a 64-bit digest over the
// ordered pair (prefix hash, token IDs), using xxhash. What matters for
// correct prefix sharing is the chained scheme, not the choice of H.
func hashBlock(prefixHash blockHash, tokens []int) blockHash {
	buf := make([]byte, 8+8*len(tokens))
	binary.LittleEndian.PutUint64(buf[:8], uint64(prefixHash))
	for i, tok := range tokens {
		binary.LittleEndian.PutUint64(buf[8+8*i:16+8*i], uint64(int64(tok)))
	}
	return blockHash(xxhash.Sum64(buf))
}

// tokensEqual compares two token slices for exact equality. Used to
// detect hash collisions: an equal chained hash with mismatching tokens
// is treated as a cache miss, never as an error.
func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// block is a physical KV-cache block: a unit of storage for blockSize
// token positions, shared across sequences via reference counting.
type block struct {
	id       int
	refCount int
	hashed   bool // true iff hash is a committed, meaningful chained hash
	hash     blockHash
	tokens   []int // tokens most recently written into this block
}

func (b *block) free() bool {
	return b.refCount == 0
}
