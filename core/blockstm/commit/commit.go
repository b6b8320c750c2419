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

// Package commit drains validated transactions off the scheduler in
// commit order, finalizes their resource-group writes, folds their
// delayed-field changes, accounts their contribution to the block
// output limit, and hands each index to the worker pool for concurrent
// materialization.
package commit

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/erigontech/parallel-executor/core/blockstm/capturedreads"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/executor"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
	"github.com/erigontech/parallel-executor/core/blockstm/scheduler"
)

var errOutputAccountingOverflow = errors.New("commit: block output accounting overflowed")

// approxDeltaWriteSize stands in for an aggregator-v1 write's size in
// the block-output accounting: the concrete bytes exist only after
// materialization, which runs after the halt decision has to be made.
const approxDeltaWriteSize = 32

// FatalVMError wraps a VM error that isn't a concurrency artifact (not
// a Dependency, not a speculative abort): the block cannot proceed in
// parallel and the caller decides between sequential fallback and
// surfacing the error.
type FatalVMError struct {
	TxnIdx uint32
	Cause  error
}

func (e FatalVMError) Error() string {
	return errors.Wrapf(e.Cause, "commit: fatal VM error at txn %d", e.TxnIdx).Error()
}

func (e FatalVMError) Unwrap() error { return e.Cause }

// ResourceGroupSerializationError is raised when a finalized group's
// members can't be serialized into the wire format.
type ResourceGroupSerializationError struct {
	GroupAddr string
	Cause     error
}

func (e ResourceGroupSerializationError) Error() string {
	return errors.Wrapf(e.Cause, "commit: failed to serialize group %s", e.GroupAddr).Error()
}

// GroupSerializer turns a finalized group's tag->value map into the
// wire bytes a CommitListener expects. The default length-prefixes a
// tag-sorted member list; production callers with their own wire
// format (BCS, RLP, ...) can inject a different codec.
type GroupSerializer func(members map[string][]byte) ([]byte, error)

// Status classifies a transaction's final output.
type Status uint8

const (
	// StatusSuccess is an ordinarily committed transaction.
	StatusSuccess Status = iota
	// StatusSkipRest marks the transaction after which the block was cut
	// short, either by the VM's own SkipRest directive or by the block
	// output limit.
	StatusSkipRest
	// StatusDiscarded marks a transaction that produced no effects: an
	// index above a skip-rest cut, a group-serialization discard, or a
	// member of a block discarded wholesale on terminal failure.
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusSkipRest:
		return "SkipRest"
	case StatusDiscarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

// DiscardCode says why a StatusDiscarded output carries no effects.
type DiscardCode uint16

const (
	DiscardNone DiscardCode = iota
	// DiscardBlockHalted: the block was cut short at a lower index.
	DiscardBlockHalted
	// DiscardGroupSerialization: the transaction's resource group could
	// not be serialized and the engine ran in discard mode.
	DiscardGroupSerialization
	// DiscardBlockFailure: the whole block was replaced with discard
	// outputs after a terminal failure.
	DiscardBlockFailure
)

// CommitListener is notified once per committed (or discarded)
// transaction, after its group writes are finalized and its
// delayed-field changes are folded.
type CommitListener interface {
	OnCommit(result TxnResult)
}

// TxnResult is everything the commit pipeline learned about one
// transaction's final output.
type TxnResult struct {
	TxnIdx      uint32
	Incarnation uint32
	Status      Status
	Discard     DiscardCode
	Output      executor.Output
	// FinalizedGroups maps each group address the transaction wrote to
	// the serialized bytes of the group's effective member set as of
	// this index, and each group it only read for a delayed-field
	// exchange to the serialized set committed below this index.
	FinalizedGroups map[string][]byte
	// MaterializedDeltas holds, for every aggregator-v1 write in
	// Output.Writes, the final resolved value: the base plus every delta
	// up through this index. Keyed by the same mvstore.Key the write
	// used.
	MaterializedDeltas map[mvstore.Key][]byte
	// ReExecutedFields lists the delayed-field ids whose commit
	// pre-check first failed, forcing an in-line re-execution. Empty
	// unless Conflicted is true.
	ReExecutedFields []string
	// Conflicted reports whether committing required re-executing the
	// transaction in-line at incarnation+1 before it could finalize.
	Conflicted     bool
	ModuleConflict bool
}

// pendingTxn is what Enqueue hands the coordinator: the worker loop's
// output plus the captured reads used for the delayed-field pre-check.
type pendingTxn struct {
	idx         uint32
	incarnation uint32
	out         executor.Output
	reads       *capturedreads.Record
	fatal       error
}

// readyTxn is a fully committed transaction parked between the
// coordinator's commit decision and its materialization on a worker.
type readyTxn struct {
	idx            uint32
	incarnation    uint32
	status         Status
	out            executor.Output
	finalized      map[string][]byte
	reExec         []string
	conflicted     bool
	moduleConflict bool
}

// Pipeline implements executor.Commit and, once Run is started, drains
// the scheduler's commit pointer in order.
type Pipeline struct {
	Sched     *scheduler.Scheduler
	Store     *mvstore.Store
	Delayed   *delayedfield.Store
	Listener  CommitListener
	Gas       *GasProcessor
	Serialize GroupSerializer
	// Base supplies the pre-block value aggregator-v1 deltas fold onto
	// when no prior index left a Value entry in the multi-version store;
	// nil treats every aggregator as based on zero.
	Base executor.BaseView
	// Tasks is the same task slice the parallel worker pool executes.
	// The commit coordinator needs it to re-execute a transaction
	// in-line, without releasing its commit election, when the
	// delayed-field commit pre-check fails.
	Tasks []executor.Task

	mu      sync.Mutex
	pending map[uint32]pendingTxn
	ready   map[uint32]readyTxn
}

func NewPipeline(sched *scheduler.Scheduler, store *mvstore.Store, delayed *delayedfield.Store, listener CommitListener, gas *GasProcessor) *Pipeline {
	if gas == nil {
		gas = NewGasProcessor(BlockLimitConfig{})
	}
	return &Pipeline{
		Sched:     sched,
		Store:     store,
		Delayed:   delayed,
		Listener:  listener,
		Gas:       gas,
		Serialize: defaultSerializer,
		pending:   make(map[uint32]pendingTxn),
		ready:     make(map[uint32]readyTxn),
	}
}

// Enqueue implements executor.Commit: it parks one finished
// incarnation's output until the scheduler's commit pointer reaches it.
func (p *Pipeline) Enqueue(idx, incarnation uint32, out executor.Output, reads *capturedreads.Record) {
	p.mu.Lock()
	p.pending[idx] = pendingTxn{idx: idx, incarnation: incarnation, out: out, reads: reads}
	p.mu.Unlock()
	p.Sched.NoteMoreCommitWork()
}

// EnqueueFatal records a fatal (non-concurrency) VM error for idx. The
// commit coordinator surfaces it to Run's caller instead of finalizing
// the transaction.
func (p *Pipeline) EnqueueFatal(idx, incarnation uint32, cause error) {
	p.mu.Lock()
	p.pending[idx] = pendingTxn{idx: idx, incarnation: incarnation, fatal: cause}
	p.mu.Unlock()
	p.Sched.NoteMoreCommitWork()
}

// Run is the commit coordinator: it elects itself (at most one
// coordinator at a time, per the scheduler's flag-combining lock),
// drains everything the scheduler says is ready to commit, and repeats
// until the scheduler halts or the whole block has committed. Before
// returning it drains whatever is still parked on the materialization
// queue, so a caller running the pipeline without a worker pool still
// sees every result.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Sched.IsHalted() || int(p.Sched.CommitIdx()) >= p.Sched.Len() {
			return p.Drain()
		}
		if !p.Sched.ShouldCoordinateCommits() {
			runtime.Gosched()
			continue
		}
		if !p.Sched.QueueingCommitsArm() {
			continue
		}
		err := p.drainOnce(ctx)
		p.Sched.QueueingCommitsMarkDone()
		if err != nil {
			return err
		}
	}
}

func (p *Pipeline) drainOnce(ctx context.Context) error {
	for {
		idx, incarnation, ok := p.Sched.TryCommit()
		if !ok {
			return nil
		}
		if err := p.commitOne(ctx, idx, incarnation); err != nil {
			return err
		}
		if p.Sched.IsHalted() {
			return nil
		}
	}
}

// Drain materializes every index still parked on the commit queue.
// Run calls it on the way out; the block entrypoint also calls it
// before a sequential fallback so already-committed transactions keep
// their outputs even when the parallel run died mid-flight.
func (p *Pipeline) Drain() error {
	for {
		idx, ok := p.Sched.PopFromCommitQueue()
		if !ok {
			return nil
		}
		if err := p.Materialize(idx); err != nil {
			return err
		}
	}
}

// commitOne finalizes one transaction in commit order: surface any
// fatal VM error, fold its delayed-field changes (re-executing in-line
// once if they no longer fold), finalize and serialize its group
// writes, account its output against the block limit, and park it on
// the materialization queue.
func (p *Pipeline) commitOne(ctx context.Context, idx, incarnation uint32) error {
	p.mu.Lock()
	txn, ok := p.pending[idx]
	delete(p.pending, idx)
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("commit: txn %d committed by the scheduler before its output was enqueued", idx)
	}
	if txn.fatal != nil {
		log.Error("[blockstm] fatal VM error, halting parallel run", "idx", idx, "err", txn.fatal)
		p.Sched.Halt()
		return FatalVMError{TxnIdx: idx, Cause: txn.fatal}
	}

	reExec, ok := p.tryCommitDelayedFields(idx, txn)
	conflicted := !ok
	if !ok {
		// The transaction's delayed-field changes no longer fold against
		// the history its predecessors committed. Re-execute it in-line
		// at the next incarnation, without releasing the commit election,
		// and try once more. A second failure means the store itself is
		// inconsistent.
		log.Warn("[blockstm] delayed-field commit pre-check failed, re-executing in-line", "idx", idx, "fields", reExec)
		next, err := p.reExecuteInline(ctx, idx, txn)
		if err != nil {
			p.Sched.Halt()
			return FatalVMError{TxnIdx: idx, Cause: err}
		}
		txn = next
		if _, ok := p.tryCommitDelayedFields(idx, txn); !ok {
			p.Sched.Halt()
			return delayedfield.CodeInvariantError{Reason: "delayed-field commit failed twice at the same index"}
		}
	}

	moduleConflict := txn.reads != nil && txn.reads.HasModuleReadWriteConflict()
	if moduleConflict {
		log.Debug("[blockstm] module read/write conflict at commit", "idx", idx)
	}

	finalized := make(map[string][]byte, len(txn.out.GroupWrites))
	for _, gw := range txn.out.GroupWrites {
		members := p.Store.Groups.FinalizeGroup(gw.GroupAddr, idx)
		encoded, err := p.Serialize(members)
		if err != nil {
			p.Sched.Halt()
			return ResourceGroupSerializationError{GroupAddr: gw.GroupAddr, Cause: err}
		}
		finalized[gw.GroupAddr] = encoded
	}
	// Groups the transaction only read for a delayed-field exchange are
	// served the last-committed snapshot; the group itself was not
	// modified here, so there is nothing to re-finalize.
	if txn.reads != nil {
		for _, gr := range txn.reads.GroupReads {
			if gr.Kind != capturedreads.GroupReadNeedsExchange {
				continue
			}
			if _, ok := finalized[gr.GroupAddr]; ok {
				continue
			}
			encoded, err := p.Serialize(p.Store.Groups.Snapshot(gr.GroupAddr, idx))
			if err != nil {
				p.Sched.Halt()
				return ResourceGroupSerializationError{GroupAddr: gr.GroupAddr, Cause: err}
			}
			finalized[gr.GroupAddr] = encoded
		}
	}

	var outputSize uint64
	for _, w := range txn.out.Writes {
		if w.Delta != nil {
			outputSize += approxDeltaWriteSize
			continue
		}
		outputSize += uint64(len(w.Value))
	}
	for _, b := range finalized {
		outputSize += uint64(len(b))
	}
	if err := p.Gas.AccountTxn(outputSize, 0, conflicted, moduleConflict); err != nil {
		p.Sched.Halt()
		return err
	}

	status := StatusSuccess
	if txn.out.SkipRest {
		status = StatusSkipRest
	} else if p.Gas.ShouldHalt() && int(idx)+1 < p.Sched.Len() {
		// The block output limit was reached mid-block: this index still
		// commits, but marked as the cut point.
		status = StatusSkipRest
	}

	p.mu.Lock()
	p.ready[idx] = readyTxn{
		idx:            idx,
		incarnation:    txn.incarnation,
		status:         status,
		out:            txn.out,
		finalized:      finalized,
		reExec:         reExec,
		conflicted:     conflicted,
		moduleConflict: moduleConflict,
	}
	p.mu.Unlock()
	p.Sched.AddToCommitQueue(idx)

	if status == StatusSkipRest || int(idx)+1 >= p.Sched.Len() {
		if status == StatusSkipRest {
			log.Debug("[blockstm] block cut short, halting after commit", "idx", idx, "total", p.Gas.Total())
		}
		p.Sched.Halt()
	}
	return nil
}

// tryCommitDelayedFields runs the commit-time pre-check for idx: the
// recorded delayed-field reads must still replay cleanly, and every
// field the transaction touched must fold. Returns the fields that
// forced a re-execution when it reports false.
func (p *Pipeline) tryCommitDelayedFields(idx uint32, txn pendingTxn) ([]string, bool) {
	if txn.reads != nil && !txn.reads.ValidateDelayedFieldReads(p.Delayed) {
		var ids []string
		for _, op := range txn.out.DelayedFieldOps {
			ids = append(ids, op.ID)
		}
		return ids, false
	}
	var fieldIDs []string
	for _, op := range txn.out.DelayedFieldOps {
		fieldIDs = append(fieldIDs, op.ID)
	}
	reExec, err := p.Delayed.TryCommit(idx, fieldIDs)
	if err != nil {
		return reExec, false
	}
	return nil, true
}

// reExecuteInline runs idx once more at incarnation+1 on the
// coordinator's own goroutine and publishes the new writes, bumping the
// validation wave for everything above idx since its outputs may have
// changed.
func (p *Pipeline) reExecuteInline(ctx context.Context, idx uint32, txn pendingTxn) (pendingTxn, error) {
	if int(idx) >= len(p.Tasks) || p.Tasks[idx] == nil {
		return pendingTxn{}, errors.Errorf("commit: no task available to re-execute txn %d", idx)
	}
	newInc := txn.incarnation + 1
	view := executor.NewView(idx, newInc, p.Store, p.Delayed, p.Base, nil)
	out, err := p.Tasks[idx].Execute(ctx, view)
	if err != nil {
		return pendingTxn{}, err
	}
	// A soft delayed-field failure here flags the fresh captured reads,
	// so the retried pre-check fails and commitOne escalates it; only a
	// structural change-log failure aborts the re-execution outright.
	if _, applyErr := executor.ApplyWrites(p.Store, p.Delayed, idx, newInc, out, view.CapturedReads()); applyErr != nil {
		return pendingTxn{}, applyErr
	}
	p.Sched.InvalidateAfter(idx)
	return pendingTxn{idx: idx, incarnation: newInc, out: out, reads: view.CapturedReads()}, nil
}

// Materialize resolves one committed index's aggregator-v1 deltas to
// their final bytes and reports the finished result to the listener.
// Runs on whichever worker popped idx off the commit queue; each index
// is popped, and therefore materialized, exactly once.
func (p *Pipeline) Materialize(idx uint32) error {
	p.mu.Lock()
	txn, ok := p.ready[idx]
	delete(p.ready, idx)
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("commit: txn %d reached materialization without a committed record", idx)
	}

	materializedDeltas, err := p.materializeDeltas(idx, txn.out.Writes)
	if err != nil {
		log.Error("[blockstm] aggregator-v1 materialization failed, halting parallel run", "idx", idx, "err", err)
		p.Sched.Halt()
		return FatalVMError{TxnIdx: idx, Cause: err}
	}

	if p.Listener != nil {
		p.Listener.OnCommit(TxnResult{
			TxnIdx:             idx,
			Incarnation:        txn.incarnation,
			Status:             txn.status,
			Output:             txn.out,
			FinalizedGroups:    txn.finalized,
			MaterializedDeltas: materializedDeltas,
			ReExecutedFields:   txn.reExec,
			Conflicted:         txn.conflicted,
			ModuleConflict:     txn.moduleConflict,
		})
	}
	return nil
}

// materializeDeltas resolves every aggregator-v1 delta write in writes
// to its final value as of idx: the base (from a prior Value entry in
// the store, or the injected base view) folded through every delta up
// to and including idx's own.
func (p *Pipeline) materializeDeltas(idx uint32, writes []executor.Write) (map[mvstore.Key][]byte, error) {
	var out map[mvstore.Key][]byte
	for _, w := range writes {
		if w.Delta == nil {
			continue
		}
		base, err := p.baseForDelta(w.Key)
		if err != nil {
			return nil, err
		}
		resolved, err := p.Store.Data.MaterializeDelta(w.Key.Path, idx, base)
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

// baseForDelta resolves the pre-block value an aggregator-v1 key's
// delta chain folds onto, read from the injected base view; a Value
// entry in the multi-version store replaces it later, inside
// MaterializeDelta. A nil Base, or a miss, resolves to zero: absence
// reads as empty.
func (p *Pipeline) baseForDelta(key mvstore.Key) (*uint256.Int, error) {
	if p.Base == nil {
		return uint256.NewInt(0), nil
	}
	val, ok, err := p.Base.ReadData(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).SetBytes(val), nil
}

// defaultSerializer length-prefixes a tag-sorted member list so the
// encoding is deterministic regardless of map iteration order.
// Production callers with a real wire codec inject their own via
// GroupSerializer.
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
