// Defines the Sequence type: the per-request state object tracked by the
// Scheduler and BlockManager. Holds token IDs (prompt ∥ completion),
// sampling parameters, status, and the block table binding logical block
// index to physical block ID.

package engine

import "sync/atomic"

// SequenceStatus is the lifecycle state of a Sequence. The FINISHED
// transition is one-way.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// SamplingParams controls generation length/termination and, beyond that,
// carries fields the scheduler never inspects — they are forwarded to the
// Runner verbatim.
type SamplingParams struct {
	MaxTokens   int     // cap on completion length; scheduler terminates when reached
	IgnoreEOS   bool    // if true, an EOS token does not terminate the sequence
	Temperature float64 // forwarded to Runner only
	TopP        float64 // forwarded to Runner only, (0,1]
	TopK        int     // forwarded to Runner only, -1 or a positive integer
}

// Validate checks SamplingParams, including fields the scheduler never
// itself inspects but still forwards to the Runner.
func (p SamplingParams) Validate() error {
	if p.MaxTokens <= 0 {
		return &ConfigError{Field: "max_tokens", Reason: "must be a positive integer"}
	}
	if p.Temperature < 0 {
		return &ConfigError{Field: "temperature", Reason: "must be >= 0"}
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return &ConfigError{Field: "top_p", Reason: "must be in (0, 1]"}
	}
	if p.TopK != -1 && p.TopK <= 0 {
		return &ConfigError{Field: "top_k", Reason: "must be -1 or a positive integer"}
	}
	return nil
}

var nextSeqID atomic.Uint64

// Sequence is the per-request state object: token IDs, sampling params,
// status, and the block table backing its KV cache.
type Sequence struct {
	SeqID uint64

	TokenIDs  []int
	PromptLen int
	Sampling  SamplingParams
	Status    SequenceStatus

	// NumCachedTokens is the count of leading tokens whose KV is already
	// materialized in blocks owned by this sequence. Always a multiple of
	// the pool's block size.
	NumCachedTokens int

	// BlockTable maps logical block index -> physical block ID.
	BlockTable []int
}

// NewSequence constructs a Sequence over promptTokens with an empty block
// table, zero cached tokens, and StatusWaiting. promptTokens must be
// non-empty.
func NewSequence(promptTokens []int, sp SamplingParams) *Sequence {
	tokens := make([]int, len(promptTokens))
	copy(tokens, promptTokens)
	return &Sequence{
		SeqID:     nextSeqID.Add(1) - 1,
		TokenIDs:  tokens,
		PromptLen: len(promptTokens),
		Sampling:  sp,
		Status:    StatusWaiting,
	}
}

// Len returns num_prompt_tokens + num_completion_tokens.
func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// NumPromptTokens returns the prompt length fixed at construction.
func (s *Sequence) NumPromptTokens() int {
	return s.PromptLen
}

// NumCompletionTokens returns len(TokenIDs) - PromptLen.
func (s *Sequence) NumCompletionTokens() int {
	return len(s.TokenIDs) - s.PromptLen
}

// AppendToken appends a decoded token. Must be called exactly once per
// decode step on a sequence included in that step's batch.
func (s *Sequence) AppendToken(tok int) {
	s.TokenIDs = append(s.TokenIDs, tok)
}

// CompletionTokenIDs returns the slice of generated tokens (excludes the
// prompt).
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.PromptLen:]
}

// NumBlocks returns ceil(Len() / blockSize), the number of logical blocks
// this sequence spans.
func (s *Sequence) NumBlocks(blockSize int) int {
	return ceilDiv(s.Len(), blockSize)
}

// Block returns the physical block ID backing logical block i.
func (s *Sequence) Block(i int) int {
	return s.BlockTable[i]
}

// LastBlockID returns the physical block ID of the sequence's last logical
// block. Panics if BlockTable is empty — callers must only invoke this on
// an allocated sequence.
func (s *Sequence) LastBlockID() int {
	return s.BlockTable[len(s.BlockTable)-1]
}

// BlockTokens returns the slice of TokenIDs covering logical block i's
// positions — full (blockSize tokens) for all but possibly the last block.
func (s *Sequence) BlockTokens(i, blockSize int) []int {
	start := i * blockSize
	end := start + blockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// IsFinished reports whether the sequence has reached its terminal state.
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}
