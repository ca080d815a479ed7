package engine

import "fmt"

// Engine wires a Scheduler to a Runner, driving the schedule -> run ->
// postprocess loop: it owns the step loop and collects finished
// completions, with no knowledge of tokenization.
type Engine struct {
	scheduler *Scheduler
	runner    Runner

	outputs map[uint64][]int
}

// NewEngine constructs an Engine over cfg and runner.
func NewEngine(cfg Config, runner Runner) (*Engine, error) {
	sched, err := NewScheduler(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{scheduler: sched, runner: runner, outputs: make(map[uint64][]int)}, nil
}

// WithRecorder attaches a Recorder to the underlying scheduler.
func (e *Engine) WithRecorder(r Recorder) {
	e.scheduler.WithRecorder(r)
}

// AddRequest submits promptTokens for generation under sp, returning the
// Sequence's assigned id.
func (e *Engine) AddRequest(promptTokens []int, sp SamplingParams) (uint64, error) {
	if len(promptTokens) == 0 {
		return 0, &ConfigError{Field: "prompt_tokens", Reason: "must be non-empty"}
	}
	if err := sp.Validate(); err != nil {
		return 0, err
	}
	seq := NewSequence(promptTokens, sp)
	if err := e.scheduler.Add(seq); err != nil {
		return 0, err
	}
	Log.WithFields(map[string]interface{}{
		"seq_id":     seq.SeqID,
		"prompt_len": seq.NumPromptTokens(),
		"max_tokens": sp.MaxTokens,
	}).Debug("request added")
	return seq.SeqID, nil
}

// Step runs exactly one schedule/run/postprocess cycle, returning the ids
// of sequences that finished as a result.
func (e *Engine) Step() ([]uint64, error) {
	batch, isPrefill := e.scheduler.Schedule()
	if len(batch) == 0 {
		return nil, nil
	}

	tokenIDs, err := e.runner.Run(batch, isPrefill)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	if err := e.scheduler.Postprocess(batch, tokenIDs); err != nil {
		return nil, err
	}

	var finished []uint64
	for _, seq := range batch {
		if seq.IsFinished() {
			e.outputs[seq.SeqID] = append([]int(nil), seq.CompletionTokenIDs()...)
			finished = append(finished, seq.SeqID)
		}
	}
	return finished, nil
}

// IsFinished reports whether every submitted request has completed.
func (e *Engine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate drives Step in a loop until IsFinished, returning each
// sequence's completion tokens keyed by seq id.
func (e *Engine) Generate() (map[uint64][]int, error) {
	for !e.IsFinished() {
		if _, err := e.Step(); err != nil {
			return nil, err
		}
	}
	return e.outputs, nil
}

// Close shuts down the underlying runner.
func (e *Engine) Close() error {
	return e.runner.Close()
}

// Stats exposes the current scheduler/block-manager observables.
func (e *Engine) Stats() Stats {
	return e.scheduler.Stats()
}
