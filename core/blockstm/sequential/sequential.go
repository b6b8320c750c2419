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

// Package sequential runs a block strictly in transaction order on a
// single goroutine, for blocks the parallel engine gives up on and for
// callers that ask for a concurrency level of one. It shares the same
// multi-version store and delayed-field store so a block can be handed
// to this engine midway through a partially-committed parallel run.
package sequential

import (
	"context"
	"sort"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/parallel-executor/core/blockstm/capturedreads"
	"github.com/erigontech/parallel-executor/core/blockstm/commit"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/executor"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
)

// Engine executes tasks[from:] one at a time, in order, incarnation 0
// only: no other transaction is ever in flight, so there is nothing to
// validate against and no Dependency can occur.
type Engine struct {
	Store     *mvstore.Store
	Delayed   *delayedfield.Store
	Base      executor.BaseView
	Tasks     []executor.Task
	Listener  commit.CommitListener
	Serialize commit.GroupSerializer
	Gas       *commit.GasProcessor

	// DiscardAndRerunOnGroupFailure controls the response to a
	// ResourceGroupSerializationError: when set, the transaction's
	// writes are rolled back and it commits as a discarded output, and
	// the rest of the block proceeds. When unset the error is fatal.
	DiscardAndRerunOnGroupFailure bool
}

// Run executes from..len(Tasks) in strict order and returns the first
// error; sequential execution has no concurrency artifact to recover
// from, so any error is final.
func (e *Engine) Run(ctx context.Context, from int) error {
	if e.Gas == nil {
		e.Gas = commit.NewGasProcessor(commit.BlockLimitConfig{})
	}
	if e.Serialize == nil {
		e.Serialize = defaultSerializer
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for idx := from; idx < len(e.Tasks); idx++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			halt, err := e.runOne(ctx, uint32(idx))
			if err != nil {
				return err
			}
			if halt {
				return nil
			}
		}
		return nil
	})
	return g.Wait()
}

func (e *Engine) runOne(ctx context.Context, idx uint32) (halt bool, err error) {
	res, out, err := e.attempt(ctx, idx)
	if err == nil {
		if e.Listener != nil {
			e.Listener.OnCommit(res)
		}
		return res.Status == commit.StatusSkipRest, nil
	}
	var groupErr commit.ResourceGroupSerializationError
	if !e.DiscardAndRerunOnGroupFailure || !asResourceGroupSerializationError(err, &groupErr) {
		return false, err
	}

	// Serialization is deterministic, so retrying the same transaction
	// would fail the same way: roll its effects back, emit a discarded
	// output, and let the rest of the block proceed.
	e.discardEffects(idx, out)
	if e.Listener != nil {
		e.Listener.OnCommit(commit.TxnResult{
			TxnIdx:  idx,
			Status:  commit.StatusDiscarded,
			Discard: commit.DiscardGroupSerialization,
		})
	}
	return false, nil
}

// attempt executes idx once and commits its effects inline: group
// finalization, delayed-field folding, delta materialization and block
// output accounting all happen before the next transaction starts, so a
// sequential run observes exactly what a parallel run would commit.
func (e *Engine) attempt(ctx context.Context, idx uint32) (commit.TxnResult, executor.Output, error) {
	view := executor.NewView(idx, 0, e.Store, e.Delayed, e.Base, nil)
	out, err := e.Tasks[idx].Execute(ctx, view)
	if err != nil {
		return commit.TxnResult{}, out, commit.FatalVMError{TxnIdx: idx, Cause: err}
	}

	for _, w := range out.Writes {
		if w.Delta != nil {
			e.Store.AddDelta(w.Key, idx, 0, *w.Delta)
		} else {
			e.Store.Write(w.Key, idx, 0, w.Value, w.Layout)
		}
		view.CapturedReads().RecordWrite(w.Key)
	}

	finalized := make(map[string][]byte, len(out.GroupWrites))
	for _, gw := range out.GroupWrites {
		e.Store.Groups.WriteGroup(gw.GroupAddr, idx, 0, gw.Members)
		members := e.Store.Groups.FinalizeGroup(gw.GroupAddr, idx)
		encoded, serErr := e.Serialize(members)
		if serErr != nil {
			return commit.TxnResult{}, out, commit.ResourceGroupSerializationError{GroupAddr: gw.GroupAddr, Cause: serErr}
		}
		finalized[gw.GroupAddr] = encoded
	}
	// Mirror the parallel commit pipeline: groups only read for a
	// delayed-field exchange get the last-committed snapshot.
	for _, gr := range view.CapturedReads().GroupReads {
		if gr.Kind != capturedreads.GroupReadNeedsExchange {
			continue
		}
		if _, ok := finalized[gr.GroupAddr]; ok {
			continue
		}
		encoded, serErr := e.Serialize(e.Store.Groups.Snapshot(gr.GroupAddr, idx))
		if serErr != nil {
			return commit.TxnResult{}, out, commit.ResourceGroupSerializationError{GroupAddr: gr.GroupAddr, Cause: serErr}
		}
		finalized[gr.GroupAddr] = encoded
	}

	var fieldIDs []string
	for seq, op := range out.DelayedFieldOps {
		if recErr := e.Delayed.RecordChange(op.ID, idx, 0, seq, op.Ch); recErr != nil {
			return commit.TxnResult{}, out, recErr
		}
		fieldIDs = append(fieldIDs, op.ID)
	}
	reExec, err := e.Delayed.TryCommit(idx, fieldIDs)
	if err != nil {
		// There is no concurrent writer that could later resolve this, so
		// an unresolvable delayed-field change here is a genuine VM bug
		// rather than something a retry could fix.
		return commit.TxnResult{}, out, commit.FatalVMError{TxnIdx: idx, Cause: err}
	}

	materializedDeltas, err := e.materializeDeltas(idx, out.Writes)
	if err != nil {
		return commit.TxnResult{}, out, commit.FatalVMError{TxnIdx: idx, Cause: err}
	}

	// Module conflicts can't happen concurrently here (there's only one
	// writer), so they only feed the conflict-penalty accounting, to
	// keep a sequentially-run block's output comparable to a parallel
	// run of the same block.
	moduleConflict := view.CapturedReads().HasModuleReadWriteConflict()

	var outputSize uint64
	for _, w := range out.Writes {
		if w.Delta != nil {
			// The same stand-in size the parallel commit pipeline counts
			// for a delta write, so both engines cut the block at the same
			// index.
			outputSize += 32
			continue
		}
		outputSize += uint64(len(w.Value))
	}
	for _, b := range finalized {
		outputSize += uint64(len(b))
	}
	if err := e.Gas.AccountTxn(outputSize, 0, len(reExec) > 0 || moduleConflict, moduleConflict); err != nil {
		return commit.TxnResult{}, out, err
	}

	status := commit.StatusSuccess
	if out.SkipRest {
		status = commit.StatusSkipRest
	} else if e.Gas.ShouldHalt() && int(idx)+1 < len(e.Tasks) {
		status = commit.StatusSkipRest
	}

	return commit.TxnResult{
		TxnIdx:             idx,
		Incarnation:        0,
		Status:             status,
		Output:             out,
		FinalizedGroups:    finalized,
		MaterializedDeltas: materializedDeltas,
		ReExecutedFields:   reExec,
		Conflicted:         len(reExec) > 0,
		ModuleConflict:     moduleConflict,
	}, out, nil
}

// materializeDeltas mirrors the parallel commit pipeline's delta
// materialization: every aggregator-v1 delta write resolves to its
// final value as of idx, so a sequentially run block reports the same
// materialized aggregator values a parallel run of the same block would.
func (e *Engine) materializeDeltas(idx uint32, writes []executor.Write) (map[mvstore.Key][]byte, error) {
	var out map[mvstore.Key][]byte
	for _, w := range writes {
		if w.Delta == nil {
			continue
		}
		base, err := e.baseForDelta(w.Key)
		if err != nil {
			return nil, err
		}
		resolved, err := e.Store.Data.MaterializeDelta(w.Key.Path, idx, base)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[mvstore.Key][]byte, len(writes))
		}
		out[w.Key] = resolved.Bytes()
	}
	return out, nil
}

func (e *Engine) baseForDelta(key mvstore.Key) (*uint256.Int, error) {
	if e.Base == nil {
		return uint256.NewInt(0), nil
	}
	val, ok, err := e.Base.ReadData(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).SetBytes(val), nil
}

// discardEffects rolls back everything a discarded transaction
// published, so the next transaction reads through to its predecessors.
func (e *Engine) discardEffects(idx uint32, out executor.Output) {
	for _, w := range out.Writes {
		e.Store.Remove(w.Key, idx)
	}
	for _, gw := range out.GroupWrites {
		e.Store.Groups.Remove(gw.GroupAddr, idx)
	}
	for _, op := range out.DelayedFieldOps {
		e.Delayed.Remove(op.ID, idx)
	}
}

func asResourceGroupSerializationError(err error, target *commit.ResourceGroupSerializationError) bool {
	if e, ok := err.(commit.ResourceGroupSerializationError); ok {
		*target = e
		return true
	}
	return false
}

// defaultSerializer mirrors the parallel commit pipeline's default so a
// sequentially run block produces byte-identical finalized group output
// to a parallel run of the same block.
func defaultSerializer(members map[string][]byte) ([]byte, error) {
	tags := make([]string, 0, len(members))
	for tag := range members {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var out []byte
	for _, tag := range tags {
		v := members[tag]
		out = append(out, byte(len(tag)))
		out = append(out, tag...)
		out = append(out, byte(len(v)), byte(len(v)>>8))
		out = append(out, v...)
	}
	return out, nil
}
