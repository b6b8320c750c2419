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

// Package executor runs the worker loop that drains tasks from the
// scheduler: executing transaction incarnations, validating their
// captured reads, materializing committed indices, and feeding results
// back so the scheduler can decide what runs next.
package executor

import (
	"context"
	"runtime"
	"sync"

	"github.com/erigontech/erigon-lib/log/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/parallel-executor/core/blockstm/capturedreads"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
	"github.com/erigontech/parallel-executor/core/blockstm/reclaim"
	"github.com/erigontech/parallel-executor/core/blockstm/scheduler"
)

// Task is one transaction's VM entrypoint. Execute must use only the
// View handed to it for reads; anything else defeats conflict
// detection.
type Task interface {
	Execute(ctx context.Context, view *View) (Output, error)
}

// Output is what one incarnation produced: the writes to apply to the
// multi-version store, plus whether any of them fall outside the keys
// the previous incarnation wrote (which drives whether finishing this
// execution must bump the validation wave).
type Output struct {
	Writes          []Write
	GroupWrites     []GroupWrite
	DelayedFieldOps []DelayedFieldOp
	UpdatesOutside  bool

	// SkipRest is a VM-level directive (e.g. an epoch-change or
	// checkpoint transaction) asking the commit pipeline to halt after
	// this incarnation commits, regardless of the block output limit.
	// Every higher idx never executes (or, if already speculatively
	// executed, never commits) once the scheduler halts.
	SkipRest bool
}

type Write struct {
	Key    mvstore.Key
	Value  []byte
	Layout any
	Delta  *mvstore.Delta // set instead of Value for an aggregator-v1 delta write
}

type GroupWrite struct {
	GroupAddr string
	Members   map[string][]byte
}

type DelayedFieldOp struct {
	ID string
	Ch delayedfield.Change
}

// Commit is the narrow slice of the commit pipeline the worker loop
// needs: handing off finished incarnations, and materializing indices
// the coordinator parked on the commit queue. It lets this package stay
// independent of the pipeline's internals.
type Commit interface {
	Enqueue(idx, incarnation uint32, out Output, reads *capturedreads.Record)
	EnqueueFatal(idx, incarnation uint32, cause error)
	Materialize(idx uint32) error
}

// Pool runs a fixed number of workers pulling tasks from sched until it
// reports TaskDone (or the context is cancelled).
type Pool struct {
	Sched     *scheduler.Scheduler
	Store     *mvstore.Store
	Delayed   *delayedfield.Store
	Base      BaseView
	BaseCache *lru.Cache[mvstore.Key, []byte]
	Tasks     []Task
	Commit    Commit

	// Reclaim, if set, offloads the resource-key drops performed by
	// clearStaleEstimates to a background worker instead of doing them
	// inline on the hot execute() path. Nil disables the optimization;
	// drops happen inline.
	Reclaim *reclaim.Worker

	Concurrency int

	readsMu sync.Mutex
	reads   []*capturedreads.Record // last incarnation's captured reads per txn idx
	outputs []Output                // last incarnation's applied output per txn idx, for abort estimate-marking

	statsMu sync.Mutex
	stats   []Stats // per-txn-idx diagnostic counters, see Stats
}

// Stats is the per-transaction diagnostic counters a caller can forward
// to its own metrics system (no metrics backend is wired into this
// package itself).
type Stats struct {
	Incarnations  uint32
	ExecuteCalls  uint32
	ValidateCalls uint32
}

// Stats returns a snapshot of every transaction's accumulated counters,
// indexed by txn idx. Safe to call once Run has returned.
func (p *Pool) Stats() []Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make([]Stats, len(p.stats))
	copy(out, p.stats)
	return out
}

func (p *Pool) recordExecuteCall(idx, incarnation uint32) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := &p.stats[idx]
	s.ExecuteCalls++
	if incarnation+1 > s.Incarnations {
		s.Incarnations = incarnation + 1
	}
}

func (p *Pool) recordValidateCall(idx uint32) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats[idx].ValidateCalls++
}

// Run launches Concurrency workers and blocks until the block finishes
// or ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	concurrency := p.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if p.reads == nil {
		p.reads = make([]*capturedreads.Record, len(p.Tasks))
	}
	if p.outputs == nil {
		p.outputs = make([]Output, len(p.Tasks))
	}
	if p.stats == nil {
		p.stats = make([]Stats, len(p.Tasks))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return p.workerLoop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Committed indices parked on the commit queue materialize ahead
		// of new speculative work: they are the block's critical path.
		if idx, ok := p.Sched.PopFromCommitQueue(); ok {
			if err := p.Commit.Materialize(idx); err != nil {
				return err
			}
			continue
		}
		task := p.Sched.NextTask()
		switch task.Kind {
		case scheduler.TaskDone:
			return p.drainCommitQueue()
		case scheduler.TaskNone:
			runtime.Gosched()
		case scheduler.TaskExecute:
			if err := p.execute(ctx, task); err != nil {
				return err
			}
		case scheduler.TaskValidate:
			if err := p.validate(task); err != nil {
				return err
			}
		}
	}
}

// drainCommitQueue materializes whatever the coordinator parked after
// this worker's last pop; the queue pop makes each index exclusive to
// one worker, so concurrent drains are safe.
func (p *Pool) drainCommitQueue() error {
	for {
		idx, ok := p.Sched.PopFromCommitQueue()
		if !ok {
			return nil
		}
		if err := p.Commit.Materialize(idx); err != nil {
			return err
		}
	}
}

// schedulerExhausted reports idx's incarnation budget as exhausted: the
// scheduler can't transition the slot any further, so the worker pool
// halts and returns the error directly instead of routing it through
// the commit pipeline, since a slot stuck outside StateExecuted can
// never reach TryCommit.
func (p *Pool) schedulerExhausted(idx, incarnation uint32, cause error) error {
	p.Sched.Halt()
	return errors.Wrapf(cause, "blockstm: txn %d incarnation %d", idx, incarnation)
}

func (p *Pool) execute(ctx context.Context, task scheduler.Task) error {
	p.recordExecuteCall(task.Idx, task.Incarnation)
	view := NewView(task.Idx, task.Incarnation, p.Store, p.Delayed, p.Base, p.BaseCache)

	out, err := p.Tasks[task.Idx].Execute(ctx, view)
	if dep, ok := err.(Dependency); ok {
		if serr := p.Sched.Suspend(task.Idx, task.Incarnation); serr != nil {
			return p.schedulerExhausted(task.Idx, task.Incarnation, serr)
		}
		p.Sched.WaitForWriter(dep.TxnIdx)
		return nil
	}
	if _, ok := err.(SpeculativeAbort); ok {
		// A soft failure: don't publish writes, don't mark Executed.
		// Retrying the same incarnation number would just hit the same
		// speculative state, so bump the incarnation and hand it straight
		// back to the scheduler for re-execution.
		if serr := p.Sched.Suspend(task.Idx, task.Incarnation); serr != nil {
			return p.schedulerExhausted(task.Idx, task.Incarnation, serr)
		}
		return nil
	}

	if err == nil {
		// Register this incarnation's writes against its own captured
		// reads before checking for a module read/write conflict: a VM
		// that reads a module's bytecode and then patches it in the same
		// incarnation can never be validated safely under optimistic
		// concurrency.
		for _, w := range out.Writes {
			view.CapturedReads().RecordWrite(w.Key)
		}
		if path, conflict := view.CapturedReads().ConflictingModulePath(); conflict {
			err = ModulePathReadWriteError{Path: path}
		}
	}

	if err != nil {
		// A hard (non-concurrency) failure: nothing from this incarnation
		// is published. The slot still needs to reach StateExecuted so
		// the commit pipeline's TryCommit can walk up to idx and surface
		// the failure, but this incarnation's captured reads are
		// deliberately NOT published to p.reads, so a validate task that
		// slips in before commit reaches idx can't misread the conflict
		// as something worth retrying. The fatal record must land before
		// FinishExecution: the moment the slot turns Executed the
		// coordinator may commit it.
		p.Commit.EnqueueFatal(task.Idx, task.Incarnation, err)
		p.Sched.FinishExecution(task.Idx, task.Incarnation, false)
		return nil
	}

	groupsAllSuperset, applyErr := p.applyWrites(task.Idx, task.Incarnation, out, view.CapturedReads())
	if applyErr != nil {
		// The VM misused the delayed-field change log (e.g. a Create over
		// existing history): not a concurrency outcome, so surface it at
		// commit like any other hard failure.
		p.Commit.EnqueueFatal(task.Idx, task.Incarnation, applyErr)
		p.Sched.FinishExecution(task.Idx, task.Incarnation, false)
		return nil
	}

	p.readsMu.Lock()
	prev := p.outputs[task.Idx]
	out.UpdatesOutside = out.UpdatesOutside || !groupsAllSuperset || wroteNewKey(prev, out)
	p.outputs[task.Idx] = out
	p.reads[task.Idx] = view.CapturedReads()
	p.readsMu.Unlock()

	p.clearStaleEstimates(task.Idx, task.Incarnation, prev, out)

	// Enqueue before FinishExecution: once the slot is Executed the
	// commit coordinator may reach it, and it requires the pending
	// record to be there.
	p.Commit.Enqueue(task.Idx, task.Incarnation, out, view.CapturedReads())
	p.Sched.FinishExecution(task.Idx, task.Incarnation, out.UpdatesOutside)
	return nil
}

// wroteNewKey reports whether this incarnation wrote a data/module key
// the previous incarnation at the same index did not; such writes force
// broader revalidation. The very first incarnation (prev.Writes == nil)
// has nothing to compare against and is harmless to mark true, since
// nothing downstream could have validated against it yet.
func wroteNewKey(prev, cur Output) bool {
	if prev.Writes == nil && prev.GroupWrites == nil {
		return true
	}
	prevKeys := make(map[mvstore.Key]struct{}, len(prev.Writes))
	for _, w := range prev.Writes {
		prevKeys[w.Key] = struct{}{}
	}
	for _, w := range cur.Writes {
		if _, ok := prevKeys[w.Key]; !ok {
			return true
		}
	}
	return false
}

// clearStaleEstimates withdraws entries the previous incarnation left
// behind (and this one, possibly abort-marked as Estimate by
// markEstimates, chose not to rewrite) so readers resolve to the
// next-older writer instead of suspending on a hint that will never be
// fulfilled.
func (p *Pool) clearStaleEstimates(idx, incarnation uint32, prev, cur Output) {
	curKeys := make(map[mvstore.Key]struct{}, len(cur.Writes))
	for _, w := range cur.Writes {
		curKeys[w.Key] = struct{}{}
	}
	var deferredResourceKeys []string
	for _, w := range prev.Writes {
		if _, ok := curKeys[w.Key]; ok {
			continue
		}
		if p.Reclaim != nil && incarnation > 0 && w.Key.Kind == mvstore.KindResource {
			deferredResourceKeys = append(deferredResourceKeys, w.Key.Path)
			continue
		}
		p.Store.Remove(w.Key, idx)
	}
	if len(deferredResourceKeys) > 0 {
		dropped := reclaim.Dropped{TxnIdx: idx, Incarnation: incarnation - 1, Keys: deferredResourceKeys}
		if !p.Reclaim.Enqueue(dropped) {
			// Queue is full: apply inline rather than lose the drop.
			for _, key := range deferredResourceKeys {
				p.Store.DropIncarnation(key, idx, incarnation-1)
			}
		}
	}

	curGroups := make(map[string]struct{}, len(cur.GroupWrites))
	for _, gw := range cur.GroupWrites {
		curGroups[gw.GroupAddr] = struct{}{}
	}
	for _, gw := range prev.GroupWrites {
		if _, ok := curGroups[gw.GroupAddr]; !ok {
			p.Store.Groups.Remove(gw.GroupAddr, idx)
		}
	}

	curFields := make(map[string]struct{}, len(cur.DelayedFieldOps))
	for _, df := range cur.DelayedFieldOps {
		curFields[df.ID] = struct{}{}
	}
	for _, df := range prev.DelayedFieldOps {
		if _, ok := curFields[df.ID]; !ok {
			p.Delayed.Remove(df.ID, idx)
		}
	}
}

func (p *Pool) applyWrites(idx, incarnation uint32, out Output, reads *capturedreads.Record) (groupsAllSuperset bool, err error) {
	return ApplyWrites(p.Store, p.Delayed, idx, incarnation, out, reads)
}

// ApplyWrites publishes out into store and delayed, and reports whether
// every group write was a superset of its previous incarnation's
// membership. A delayed-field change that fails to apply softly is
// flagged on reads, so the incarnation's next validation fails and it
// re-executes; a structural failure (the VM misusing the change log)
// is returned as an error. Exported so the commit pipeline can reuse
// the exact same publication logic for an in-line re-execution at
// commit time.
func ApplyWrites(store *mvstore.Store, delayed *delayedfield.Store, idx, incarnation uint32, out Output, reads *capturedreads.Record) (groupsAllSuperset bool, err error) {
	groupsAllSuperset = true
	for _, w := range out.Writes {
		if w.Delta != nil {
			store.AddDelta(w.Key, idx, incarnation, *w.Delta)
			continue
		}
		store.Write(w.Key, idx, incarnation, w.Value, w.Layout)
	}
	for _, gw := range out.GroupWrites {
		if !store.Groups.WriteGroup(gw.GroupAddr, idx, incarnation, gw.Members) {
			groupsAllSuperset = false
		}
	}
	for seq, df := range out.DelayedFieldOps {
		recErr := delayed.RecordChange(df.ID, idx, incarnation, seq, df.Ch)
		if recErr == nil {
			continue
		}
		var soft delayedfield.DeltaApplicationFailure
		if errors.As(recErr, &soft) {
			reads.FlagDelayedFieldFailure()
			continue
		}
		if err == nil {
			err = recErr
		}
	}
	return groupsAllSuperset, err
}

// validate replays task.Idx's last captured reads against the current
// store state. A mismatch means some earlier-index writer committed (or
// re-executed) after this incarnation speculated past it; the
// incarnation is discarded and re-executed at the next incarnation.
func (p *Pool) validate(task scheduler.Task) error {
	p.recordValidateCall(task.Idx)
	p.readsMu.Lock()
	reads := p.reads[task.Idx]
	p.readsMu.Unlock()

	if reads != nil && reads.IncorrectUse {
		// Not a concurrency artifact: the VM itself misused the capture
		// API (read a key it had already written). Retrying would just
		// reproduce the same misuse, so this halts immediately rather
		// than feeding TryAbort.
		return p.schedulerExhausted(task.Idx, task.Incarnation, capturedreads.ErrIncorrectUse)
	}

	valid := reads == nil ||
		(reads.ValidateDataReads(p.Store, task.Idx) &&
			reads.ValidateGroupReads(p.Store.Groups, task.Idx) &&
			reads.ValidateDelayedFieldReads(p.Delayed) &&
			!reads.HasModuleReadWriteConflict())

	if valid {
		p.Sched.FinishValidation(task.Idx, task.Wave)
		return nil
	}

	if p.Sched.TryAbort(task.Idx, task.Incarnation) {
		// A validation-triggered abort is the routine cost of another
		// transaction committing underneath a stale read, not a bug;
		// warn-level so conflict-heavy blocks stay visible in logs.
		log.Warn("[blockstm] validation failed, aborting incarnation", "idx", task.Idx, "inc", task.Incarnation)
		p.markEstimates(task.Idx)
		if err := p.Sched.FinishAbort(task.Idx, task.Incarnation); err != nil {
			return p.schedulerExhausted(task.Idx, task.Incarnation, err)
		}
	}
	return nil
}

// markEstimates converts the aborted incarnation's published writes into
// Estimate placeholders: a reader with a strictly greater index must
// suspend on these keys rather than use the now-discarded values. An
// Estimate is a hint, not a tombstone: the retrying incarnation may
// legitimately not rewrite every key.
func (p *Pool) markEstimates(idx uint32) {
	p.readsMu.Lock()
	out := p.outputs[idx]
	p.readsMu.Unlock()

	for _, w := range out.Writes {
		p.Store.MarkEstimate(w.Key, idx)
	}
	for _, gw := range out.GroupWrites {
		p.Store.Groups.MarkEstimate(gw.GroupAddr, idx)
	}
	for _, df := range out.DelayedFieldOps {
		p.Delayed.MarkEstimate(df.ID, idx)
	}
}
