package cmd

import (
	"github.com/kvbatch/kvbatch/engine"
)

// demoRunner is a deterministic stand-in for a real model-forward runner.
// It never inspects sampling params beyond what a real runner would
// forward, and terminates every sequence once its completion length
// reaches a fixed span so the CLI demo always finishes.
type demoRunner struct {
	eos      int
	tailSpan int
}

func newDemoRunner(eos int) *demoRunner {
	return &demoRunner{eos: eos, tailSpan: 3}
}

// Run implements engine.Runner. It emits eos as a sequence's tailSpan-th
// completion token (unless ignore_eos), otherwise a
// token derived from the sequence's current length; for prefill it emits
// one such token per sequence too, since the first generated token is a
// side effect of the prefill forward pass.
func (r *demoRunner) Run(batch []*engine.Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(batch))
	for i, seq := range batch {
		if !seq.Sampling.IgnoreEOS && seq.NumCompletionTokens() >= r.tailSpan-1 {
			tokenIDs[i] = r.eos
			continue
		}
		tokenIDs[i] = 100 + seq.Len()%7
	}
	return tokenIDs, nil
}

func (r *demoRunner) Close() error {
	return nil
}
