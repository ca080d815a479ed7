package engine

import "fmt"

// ConfigError reports an invalid configuration value, detected at
// construction. Construction fails fast — the caller never ends up with
// a half-built Scheduler.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

// CapacityError reports that a sequence can never be satisfied by the
// pool's block capacity. Returned by Scheduler.Add instead of enqueuing
// an unsatisfiable request.
type CapacityError struct {
	SeqID      uint64
	NeedBlocks int
	PoolBlocks int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("sequence %d needs %d blocks, pool has %d: request can never be admitted",
		e.SeqID, e.NeedBlocks, e.PoolBlocks)
}

// RunnerProtocolError reports a contract violation by the external Runner
// collaborator: a wrong-length output. Fatal — it indicates a protocol
// break, not a condition the core recovers from.
type RunnerProtocolError struct {
	Expected int
	Got      int
}

func (e *RunnerProtocolError) Error() string {
	return fmt.Sprintf("runner returned %d token ids, expected %d (one per scheduled sequence)",
		e.Got, e.Expected)
}
