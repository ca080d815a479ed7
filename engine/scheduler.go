package engine

// Scheduler owns the two FIFO queues (waiting, running) and produces one
// batch per Schedule call using a prefill-preferred policy with
// preemption fallback.
type Scheduler struct {
	cfg      Config
	blocks   *BlockManager
	waiting  seqQueue
	running  seqQueue
	recorder Recorder

	// step bookkeeping, surfaced via Stats for telemetry: decodeSteps counts
	// decode-phase Schedule calls; the last* fields describe the most
	// recent Schedule call of either phase.
	decodeSteps     int
	lastPreemptions int
	lastBatchSize   int
}

// NewScheduler validates cfg and constructs a Scheduler with a fresh
// BlockManager sized per cfg. Fails fast on invalid configuration.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bm, err := NewBlockManager(cfg.NumKVCacheBlocks, cfg.KVCacheBlockSize)
	if err != nil {
		return nil, err
	}
	Log.WithFields(map[string]interface{}{
		"max_num_seqs":           cfg.MaxNumSeqs,
		"max_num_batched_tokens": cfg.MaxNumBatchedTokens,
	}).Info("scheduler initialized")
	return &Scheduler{cfg: cfg, blocks: bm, recorder: noopRecorder{}}, nil
}

// IsFinished reports whether both queues are empty.
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add enqueues seq onto the waiting queue, rejecting it up front if it can
// never be satisfied by the pool's total capacity.
func (s *Scheduler) Add(seq *Sequence) error {
	need := seq.NumBlocks(s.blocks.BlockSize())
	if need > s.blocks.NumBlocks() {
		Log.WithFields(map[string]interface{}{"seq_id": seq.SeqID, "need_blocks": need}).
			Warn("rejecting request: exceeds pool capacity")
		return &CapacityError{SeqID: seq.SeqID, NeedBlocks: need, PoolBlocks: s.blocks.NumBlocks()}
	}
	s.waiting.Enqueue(seq)
	Log.WithFields(map[string]interface{}{"seq_id": seq.SeqID, "prompt_len": seq.NumPromptTokens()}).
		Debug("request added to waiting queue")
	return nil
}

// Schedule produces the next batch: a prefill batch if the waiting queue
// yields one, else a decode batch built from running (with preemption
// fallback). The returned slice is in FIFO admission order.
func (s *Scheduler) Schedule() ([]*Sequence, bool) {
	defer func() { s.recorder.ObserveStep(s.Stats()) }()
	if batch := s.schedulePrefill(); len(batch) > 0 {
		s.lastPreemptions = 0
		s.lastBatchSize = len(batch)
		return batch, true
	}
	return s.scheduleDecode(), false
}

func (s *Scheduler) schedulePrefill() []*Sequence {
	var batch []*Sequence
	batchedTokens := 0
	for s.waiting.Len() > 0 && len(batch) < s.cfg.MaxNumSeqs {
		seq := s.waiting.Peek()
		if batchedTokens+seq.Len() > s.cfg.MaxNumBatchedTokens || !s.blocks.CanAllocate(seq) {
			break
		}
		if err := s.blocks.Allocate(seq); err != nil {
			// CanAllocate already guaranteed this succeeds; a failure here
			// means the core's own invariants are broken.
			Log.WithError(err).Error("allocate failed after CanAllocate passed")
			break
		}
		batchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning
		s.waiting.DequeueFront()
		s.running.Enqueue(seq)
		batch = append(batch, seq)
	}
	if len(batch) > 0 {
		Log.WithFields(map[string]interface{}{
			"batch_size":     len(batch),
			"batched_tokens": batchedTokens,
		}).Info("scheduled prefill batch")
	}
	return batch
}

func (s *Scheduler) scheduleDecode() []*Sequence {
	var batch []*Sequence
	preemptions := 0
	for s.running.Len() > 0 && len(batch) < s.cfg.MaxNumSeqs {
		seq := s.running.DequeueFront()
		survived := true
		for !s.blocks.CanAppend(seq) {
			if s.running.Len() > 0 {
				victim := s.running.PopBack()
				s.preempt(victim)
				preemptions++
				continue
			}
			s.preempt(seq)
			preemptions++
			survived = false
			break
		}
		if !survived {
			break
		}
		if err := s.blocks.MayAppend(seq); err != nil {
			Log.WithError(err).Error("may-append failed after CanAppend passed")
			s.preempt(seq)
			preemptions++
			break
		}
		batch = append(batch, seq)
	}
	// Restore FIFO order: re-insert the scheduled sequences at the front of
	// running, in their admission order.
	for i := len(batch) - 1; i >= 0; i-- {
		s.running.PrependFront(batch[i])
	}

	s.decodeSteps++
	s.lastPreemptions = preemptions
	s.lastBatchSize = len(batch)
	if len(batch) > 0 {
		Log.WithFields(map[string]interface{}{
			"batch_size":  len(batch),
			"preemptions": preemptions,
		}).Debug("scheduled decode batch")
	}
	return batch
}

// preempt evicts seq back to the front of waiting, freeing its blocks.
func (s *Scheduler) preempt(seq *Sequence) {
	Log.WithField("seq_id", seq.SeqID).Debug("preempting sequence")
	seq.Status = StatusWaiting
	s.blocks.Deallocate(seq)
	s.waiting.PrependFront(seq)
}

// Postprocess applies the runner's output tokens to the batch, in order,
// and finishes any sequence that has reached EOS (unless ignored) or its
// max_tokens cap.
func (s *Scheduler) Postprocess(batch []*Sequence, tokenIDs []int) error {
	if len(tokenIDs) != len(batch) {
		return &RunnerProtocolError{Expected: len(batch), Got: len(tokenIDs)}
	}
	for i, seq := range batch {
		tok := tokenIDs[i]
		seq.AppendToken(tok)

		hitEOS := tok == s.cfg.EOS && !seq.Sampling.IgnoreEOS
		hitMaxTokens := seq.NumCompletionTokens() == seq.Sampling.MaxTokens
		if !hitEOS && !hitMaxTokens {
			continue
		}
		Log.WithFields(map[string]interface{}{
			"seq_id": seq.SeqID,
			"reason": finishReason(hitEOS),
		}).Debug("sequence finished")
		seq.Status = StatusFinished
		s.blocks.Deallocate(seq)
		s.removeFromRunning(seq)
	}
	return nil
}

func finishReason(eos bool) string {
	if eos {
		return "eos"
	}
	return "max_tokens"
}

func (s *Scheduler) removeFromRunning(seq *Sequence) {
	items := s.running.items
	for i, r := range items {
		if r == seq {
			s.running.items = append(items[:i], items[i+1:]...)
			return
		}
	}
}

// Stats exposes the per-step observables a caller can poll or publish.
type Stats struct {
	FreeBlocks      int
	HashMapSize     int
	DecodeSteps     int
	LastPreemptions int
	LastBatchSize   int
	WaitingSeqIDs   []uint64
	RunningSeqIDs   []uint64
}

// Stats returns a snapshot of the scheduler/block-manager observables.
func (s *Scheduler) Stats() Stats {
	return Stats{
		FreeBlocks:      s.blocks.FreeBlocks(),
		HashMapSize:     s.blocks.HashMapSize(),
		DecodeSteps:     s.decodeSteps,
		LastPreemptions: s.lastPreemptions,
		LastBatchSize:   s.lastBatchSize,
		WaitingSeqIDs:   seqIDs(s.waiting.Items()),
		RunningSeqIDs:   seqIDs(s.running.Items()),
	}
}

func seqIDs(seqs []*Sequence) []uint64 {
	ids := make([]uint64, len(seqs))
	for i, seq := range seqs {
		ids[i] = seq.SeqID
	}
	return ids
}
