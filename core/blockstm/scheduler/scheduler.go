// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package scheduler hands out execute / validate / commit tasks to
// worker goroutines and tracks validation waves and the commit pointer.
// It is the single source of truth for each transaction index's state
// machine: ReadyToExecute(inc) -> Executing(inc) -> Executed(inc) ->
// {Aborting -> ReadyToExecute(inc+1)} or -> Committed.
package scheduler

import (
	stdsync "sync"
	"sync/atomic"

	async "github.com/anacrolix/sync"
	"github.com/pkg/errors"
)

// ErrTooManyIncarnations bounds how often a single transaction may be
// re-executed; it guarantees termination even against a VM that never
// stabilizes.
var ErrTooManyIncarnations = errors.New("scheduler: transaction exceeded its incarnation budget")

type txnSlot struct {
	state         State
	incarnation   uint32
	validatedWave int64 // -1 = never validated
}

// waveBump records that validation work was re-triggered from target
// onward at the given wave: any commit at an index >= target must have
// been validated at that wave or later.
type waveBump struct {
	target uint32
	wave   uint32
}

// Scheduler is shared (modulo its internal locking) by every worker;
// its lifetime is bounded by one block execution.
type Scheduler struct {
	n               uint32
	maxIncarnations uint32

	mu    async.Mutex
	slots []txnSlot

	// Monotonically-scanned cursors. Kept as plain fields (guarded by mu)
	// for the state-machine bookkeeping, mirrored into atomics so other
	// components (the commit pipeline, diagnostics) can read them
	// lock-free.
	executionIdx   uint32
	validationIdx  uint32
	commitIdx      uint32
	validationWave uint32

	// requiredBase/bumps track, per commit index, the minimum wave a
	// slot must have been validated at before it may commit. A bump
	// whose target lies above the commit pointer must not hold back
	// commits below it.
	requiredBase uint32
	bumps        []waveBump

	executionIdxAtomic   atomic.Uint32
	validationIdxAtomic  atomic.Uint32
	commitIdxAtomic      atomic.Uint32
	validationWaveAtomic atomic.Uint32

	// Flag-combining commit-coordinator election.
	coordinatorArmed atomic.Bool
	coordinatorMore  atomic.Bool

	halted atomic.Bool

	commitQueue chan uint32

	// Per-writer-index wake-up condition variables, created lazily.
	waiters map[uint32]*stdsync.Cond
}

func New(n int, maxIncarnationsPerTxn uint32) *Scheduler {
	s := &Scheduler{
		n:               uint32(n),
		maxIncarnations: maxIncarnationsPerTxn,
		slots:           make([]txnSlot, n),
		commitQueue:     make(chan uint32, n+1),
		waiters:         make(map[uint32]*stdsync.Cond),
	}
	for i := range s.slots {
		s.slots[i].validatedWave = -1
	}
	return s
}

func (s *Scheduler) Len() int { return int(s.n) }

func (s *Scheduler) ExecutionIdx() uint32  { return s.executionIdxAtomic.Load() }
func (s *Scheduler) ValidationIdx() uint32 { return s.validationIdxAtomic.Load() }
func (s *Scheduler) CommitIdx() uint32     { return s.commitIdxAtomic.Load() }
func (s *Scheduler) Wave() uint32          { return s.validationWaveAtomic.Load() }
func (s *Scheduler) IsHalted() bool        { return s.halted.Load() }

// NextTask returns the next task a worker should perform. Execution at
// the current execution_idx takes priority over validation at a higher
// validation_idx.
func (s *Scheduler) NextTask() Task {
	if s.halted.Load() {
		return Task{Kind: TaskDone}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validation below the execution cursor goes first.
	for s.validationIdx < s.executionIdx {
		idx := s.validationIdx
		slot := &s.slots[idx]
		if slot.state != StateExecuted && slot.state != StateCommitted {
			break
		}
		s.validationIdx++
		s.validationIdxAtomic.Store(s.validationIdx)
		if slot.state == StateExecuted && int64(s.validationWave) > slot.validatedWave {
			return Task{Kind: TaskValidate, Idx: idx, Incarnation: slot.incarnation, Wave: s.validationWave}
		}
	}

	for s.executionIdx < s.n {
		idx := s.executionIdx
		slot := &s.slots[idx]
		if slot.state == StateReadyToExecute {
			slot.state = StateExecuting
			s.executionIdx++
			s.executionIdxAtomic.Store(s.executionIdx)
			return Task{Kind: TaskExecute, Idx: idx, Incarnation: slot.incarnation}
		}
		// Claimed or finished: scan past it. A suspend or abort rewinds
		// the cursor back here if the slot needs executing again.
		s.executionIdx++
		s.executionIdxAtomic.Store(s.executionIdx)
	}

	for s.validationIdx < s.n {
		idx := s.validationIdx
		slot := &s.slots[idx]
		if slot.state == StateCommitted {
			s.validationIdx++
			s.validationIdxAtomic.Store(s.validationIdx)
			continue
		}
		if slot.state != StateExecuted {
			break
		}
		wave := s.validationWave
		if int64(wave) <= slot.validatedWave {
			// Already validated at (or after) the current wave.
			s.validationIdx++
			s.validationIdxAtomic.Store(s.validationIdx)
			continue
		}
		s.validationIdx++
		s.validationIdxAtomic.Store(s.validationIdx)
		return Task{Kind: TaskValidate, Idx: idx, Incarnation: slot.incarnation, Wave: wave}
	}

	if s.commitIdx >= s.n {
		return Task{Kind: TaskDone}
	}
	return Task{Kind: TaskNone}
}

// bumpWaveLocked starts a new validation wave that binds commits from
// target onward. Callers must hold s.mu.
func (s *Scheduler) bumpWaveLocked(target uint32) {
	s.validationWave++
	s.validationWaveAtomic.Store(s.validationWave)
	s.bumps = append(s.bumps, waveBump{target: target, wave: s.validationWave})
}

// requiredWaveLocked folds every bump whose target the commit pointer
// has reached into the running floor and returns the wave the slot at c
// must have been validated at. Callers must hold s.mu.
func (s *Scheduler) requiredWaveLocked(c uint32) uint32 {
	kept := s.bumps[:0]
	for _, b := range s.bumps {
		if b.target <= c {
			if b.wave > s.requiredBase {
				s.requiredBase = b.wave
			}
		} else {
			kept = append(kept, b)
		}
	}
	s.bumps = kept
	return s.requiredBase
}

// FinishExecution transitions idx from Executing to Executed, rewinds
// validation_idx so idx itself gets validated, and, if updatesOutside is
// set, bumps the validation wave so every later index revalidates too.
func (s *Scheduler) FinishExecution(idx, incarnation uint32, updatesOutside bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := &s.slots[idx]
	if slot.incarnation != incarnation || slot.state != StateExecuting {
		return
	}
	slot.state = StateExecuted
	if idx < s.validationIdx {
		s.validationIdx = idx
		s.validationIdxAtomic.Store(idx)
	}
	if updatesOutside {
		s.bumpWaveLocked(idx + 1)
	}
	s.wakeWaitersLocked(idx)
}

// TryAbort atomically transitions Executed(incarnation) -> Aborting; only
// the caller that wins the race should proceed to FinishAbort.
func (s *Scheduler) TryAbort(idx, incarnation uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := &s.slots[idx]
	if slot.state == StateExecuted && slot.incarnation == incarnation {
		slot.state = StateAborting
		return true
	}
	return false
}

// FinishAbort schedules ReadyToExecute(incarnation+1), rewinds
// execution_idx/validation_idx to idx, and bumps the validation wave:
// the aborted writes became estimates, so everything above idx has to
// revalidate before it may commit.
func (s *Scheduler) FinishAbort(idx, incarnation uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := &s.slots[idx]
	if s.maxIncarnations > 0 && incarnation+1 >= s.maxIncarnations {
		return errors.WithMessagef(ErrTooManyIncarnations, "idx=%d", idx)
	}
	slot.incarnation = incarnation + 1
	slot.state = StateReadyToExecute
	slot.validatedWave = -1
	if idx < s.executionIdx {
		s.executionIdx = idx
		s.executionIdxAtomic.Store(idx)
	}
	if idx < s.validationIdx {
		s.validationIdx = idx
		s.validationIdxAtomic.Store(idx)
	}
	s.bumpWaveLocked(idx + 1)
	return nil
}

// Suspend is used when execution itself detects a Dependency (a read
// hit an in-flight write) before reaching FinishExecution: it returns
// idx directly from Executing to ReadyToExecute(incarnation+1) without
// ever visiting Executed/Aborting, since nothing was published for
// other transactions to have validated against yet.
func (s *Scheduler) Suspend(idx, incarnation uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := &s.slots[idx]
	if slot.incarnation != incarnation || slot.state != StateExecuting {
		return nil
	}
	if s.maxIncarnations > 0 && incarnation+1 >= s.maxIncarnations {
		return errors.WithMessagef(ErrTooManyIncarnations, "idx=%d", idx)
	}
	slot.incarnation = incarnation + 1
	slot.state = StateReadyToExecute
	slot.validatedWave = -1
	if idx < s.executionIdx {
		s.executionIdx = idx
		s.executionIdxAtomic.Store(idx)
	}
	s.wakeWaitersLocked(idx)
	return nil
}

// FinishValidation records that idx passed validation at wave. A later
// (higher) wave can still invalidate it again.
func (s *Scheduler) FinishValidation(idx uint32, wave uint32) {
	s.mu.Lock()
	if int64(wave) > s.slots[idx].validatedWave {
		s.slots[idx].validatedWave = int64(wave)
	}
	s.mu.Unlock()
	s.coordinatorMore.Store(true)
}

// TryCommit returns the next (idx, incarnation) ready to commit:
// commit_idx's transaction is Executed and was validated at (or after)
// the wave required for that index.
func (s *Scheduler) TryCommit() (idx, incarnation uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitIdx >= s.n {
		return 0, 0, false
	}
	slot := &s.slots[s.commitIdx]
	if slot.state != StateExecuted {
		return 0, 0, false
	}
	if slot.validatedWave < int64(s.requiredWaveLocked(s.commitIdx)) {
		return 0, 0, false
	}
	idx, incarnation = s.commitIdx, slot.incarnation
	slot.state = StateCommitted
	s.commitIdx++
	s.commitIdxAtomic.Store(s.commitIdx)
	return idx, incarnation, true
}

// InvalidateAfter starts a new validation wave binding every index
// above idx; the commit pipeline calls it after re-executing idx
// in-line, since that re-execution may have changed what later
// transactions read.
func (s *Scheduler) InvalidateAfter(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx+1 < s.validationIdx {
		s.validationIdx = idx + 1
		s.validationIdxAtomic.Store(idx + 1)
	}
	s.bumpWaveLocked(idx + 1)
}

// AddToCommitQueue / PopFromCommitQueue form the handoff from the
// commit coordinator to the worker pool for concurrent materialization.
func (s *Scheduler) AddToCommitQueue(idx uint32) {
	s.commitQueue <- idx
}

func (s *Scheduler) PopFromCommitQueue() (uint32, bool) {
	select {
	case idx := <-s.commitQueue:
		return idx, true
	default:
		return 0, false
	}
}

// QueueingCommitsArm / ShouldCoordinateCommits / QueueingCommitsMarkDone
// implement the flag-combining lock: a compare-and-set elects at most
// one commit coordinator, and a "more work arrived" flag re-elects at
// release instead of requiring a wait queue.
func (s *Scheduler) QueueingCommitsArm() bool {
	return s.coordinatorArmed.CompareAndSwap(false, true)
}

// ShouldCoordinateCommits consumes the "more work arrived" flag; the
// caller that sees true should arm and drain commits.
func (s *Scheduler) ShouldCoordinateCommits() bool {
	return s.coordinatorMore.Swap(false)
}

func (s *Scheduler) NoteMoreCommitWork() {
	s.coordinatorMore.Store(true)
}

func (s *Scheduler) QueueingCommitsMarkDone() {
	s.coordinatorArmed.Store(false)
}

// Halt transitions the scheduler to terminal; idempotent, returns
// whether this call performed the transition.
func (s *Scheduler) Halt() bool {
	if s.halted.CompareAndSwap(false, true) {
		s.mu.Lock()
		for _, c := range s.waiters {
			c.Broadcast()
		}
		s.mu.Unlock()
		s.coordinatorMore.Store(true)
		return true
	}
	return false
}

// WaitForWriter parks the calling worker until writerIdx finishes (or
// gives up) its current incarnation. Parking happens only while the
// writer is actively Executing: some worker owns that incarnation and
// is guaranteed to broadcast when it leaves the state, so this can
// never park every worker at once. In any other state the dependency
// may already be resolved, so the caller returns immediately and
// re-queries the store.
func (s *Scheduler) WaitForWriter(writerIdx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := &s.slots[writerIdx]
	if s.halted.Load() || slot.state != StateExecuting {
		return
	}
	cond, ok := s.waiters[writerIdx]
	if !ok {
		cond = stdsync.NewCond(&s.mu)
		s.waiters[writerIdx] = cond
	}
	startIncarnation := slot.incarnation
	for !s.halted.Load() && slot.state == StateExecuting && slot.incarnation == startIncarnation {
		cond.Wait()
	}
}

func (s *Scheduler) wakeWaitersLocked(idx uint32) {
	if cond, ok := s.waiters[idx]; ok {
		cond.Broadcast()
	}
}
