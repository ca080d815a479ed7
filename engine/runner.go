package engine

// Runner is the external model-forward collaborator: given a batch and
// its phase, it returns one next-token id per sequence, index-aligned
// with batch. The engine treats Runner as an opaque black box — it
// never mutates sequence state and blocks the caller for the duration
// of the forward pass.
type Runner interface {
	// Run executes one forward pass over batch. For a prefill batch the
	// runner reads TokenIDs[NumCachedTokens:] and BlockTable; for a decode
	// batch it reads the last token and BlockTable.
	Run(batch []*Sequence, isPrefill bool) ([]int, error)

	// Close shuts the runner down.
	Close() error
}
