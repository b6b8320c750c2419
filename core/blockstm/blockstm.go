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

// Package blockstm wires the multi-version store, delayed-field store,
// scheduler, executor worker pool, commit pipeline and sequential
// fallback into a single ExecuteBlock entrypoint: a Block-STM-style
// optimistic-concurrency engine for running one block's transactions in
// parallel, falling back to strict sequential order when the VM can't
// give the engine a clean conflict signal.
package blockstm

import (
	"context"
	"sync"

	"github.com/erigontech/erigon-lib/log/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/erigontech/parallel-executor/core/blockstm/commit"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/executor"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
	"github.com/erigontech/parallel-executor/core/blockstm/reclaim"
	"github.com/erigontech/parallel-executor/core/blockstm/scheduler"
	"github.com/erigontech/parallel-executor/core/blockstm/sequential"
	"github.com/erigontech/parallel-executor/internal/mathutil"
)

// defaultReclaimQueueDepth sizes the background reclamation queue
// relative to block length when the caller asks for reclamation but
// doesn't size it explicitly: one quarter of the block's transactions,
// rounded up, is enough slack that the queue rarely blocks the hot path
// without holding every dropped incarnation in memory at once.
func defaultReclaimQueueDepth(n int) int {
	return mathutil.CeilDiv(n, 4)
}

// Txn is an opaque per-transaction input; this package never inspects
// it directly, only threads it through to VMInit.
type Txn any

// VMInit builds the executor.Task list for a block's transactions. It
// is the seam between this package's scheduling machinery and whatever
// VM the caller is running (an EVM, a Move VM, or a test double).
type VMInit interface {
	PrepareTasks(ctx context.Context, txns []Txn) ([]executor.Task, error)
}

// BaseView, re-exported so callers only need to import this package to
// implement ExecuteBlock's contract.
type BaseView = executor.BaseView

// CommitListener, re-exported for the same reason.
type CommitListener = commit.CommitListener

// TxnResult, re-exported: the per-transaction element of
// BlockOutput.Results.
type TxnResult = commit.TxnResult

// ModulePathReadWriteError, re-exported: the caller sees these
// surfacing from FatalVMError.Cause when an incarnation both read and
// wrote a module and AllowFallback is off (with fallback on, the block
// is rerun sequentially instead).
type ModulePathReadWriteError = executor.ModulePathReadWriteError

// CodeInvariantError, re-exported from the delayed-field store, which
// is where this error originates.
type CodeInvariantError = delayedfield.CodeInvariantError

// DeltaApplicationFailure, re-exported from the delayed-field store.
type DeltaApplicationFailure = delayedfield.DeltaApplicationFailure

// FatalVMError, re-exported from the commit pipeline.
type FatalVMError = commit.FatalVMError

// ResourceGroupSerializationError, re-exported from the commit pipeline.
type ResourceGroupSerializationError = commit.ResourceGroupSerializationError

// ErrTooManyIncarnations, re-exported from the scheduler: returned
// (wrapped) from ExecuteBlock when a transaction exceeds
// MaxIncarnationsPerTxn and AllowFallback is off; with fallback on, the
// block is finished sequentially instead.
var ErrTooManyIncarnations = scheduler.ErrTooManyIncarnations

// ExecutionConfig governs one ExecuteBlock call.
type ExecutionConfig struct {
	// ConcurrencyLevel is the number of worker goroutines; anything
	// below 2 routes the block straight to the sequential engine.
	ConcurrencyLevel int
	// AllowFallback permits falling back to the sequential engine when
	// the parallel run fails: a fatal VM error (a module read/write
	// conflict is one), an exhausted incarnation budget, or any other
	// error from the worker pool or commit pipeline. When false,
	// ExecuteBlock returns the error instead.
	AllowFallback bool
	// DiscardFailedBlocks replaces every output with a discard status on
	// terminal failure instead of returning the error.
	DiscardFailedBlocks bool
	// MaxIncarnationsPerTxn caps the incarnation numbers one transaction
	// may reach: a transaction that would need an incarnation at or
	// above the cap fails the block instead. Zero means unbounded.
	MaxIncarnationsPerTxn uint32
	// BlockLimit governs the commit pipeline's block-output accounting
	// and halt decision.
	BlockLimit commit.BlockLimitConfig
	// BaseCacheSize bounds the LRU cache in front of base-state reads;
	// zero disables the cache.
	BaseCacheSize int
	// DiscardAndRerunOnGroupFailure is forwarded to the sequential
	// fallback engine.
	DiscardAndRerunOnGroupFailure bool
	// ReclaimQueueDepth sizes the background reclamation worker's queue.
	// Zero disables background reclamation (drops happen inline instead);
	// a negative value asks ExecuteBlock to size it automatically from
	// the block's transaction count.
	ReclaimQueueDepth int
	// Listener, if set, is notified once per finalized transaction in
	// addition to the results ExecuteBlock itself collects. Never
	// invoked for the discard sentinels padding a cut-short block.
	Listener CommitListener
}

// TxnStats is the per-transaction scheduling breakdown kept for
// diagnostics; callers forward it to their own metrics sink.
type TxnStats struct {
	TxnIdx        uint32
	Incarnations  uint32
	ExecuteCalls  uint32
	ValidateCalls uint32
}

// BlockOutput is everything ExecuteBlock produced. Results always has
// one element per input transaction, in index order; indices above a
// skip-rest cut hold discard sentinels.
type BlockOutput struct {
	Results       []commit.TxnResult
	Stats         []TxnStats
	UsedFallback  bool
	FallbackAtTxn int
}

// resultSet collects finalized transactions by index (materialization
// may report them out of order) and forwards each to the caller's
// listener when one is configured.
type resultSet struct {
	mu      sync.Mutex
	results []commit.TxnResult
	present []bool
	forward commit.CommitListener
}

func newResultSet(n int, forward commit.CommitListener) *resultSet {
	return &resultSet{
		results: make([]commit.TxnResult, n),
		present: make([]bool, n),
		forward: forward,
	}
}

func (r *resultSet) OnCommit(res commit.TxnResult) {
	r.mu.Lock()
	if int(res.TxnIdx) < len(r.results) {
		r.results[res.TxnIdx] = res
		r.present[res.TxnIdx] = true
	}
	r.mu.Unlock()
	if r.forward != nil {
		r.forward.OnCommit(res)
	}
}

// finalize pads every index that never produced an output with a
// discard sentinel: a block cut short at a lower index commits nothing
// above the cut.
func (r *resultSet) finalize() []commit.TxnResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]commit.TxnResult, len(r.results))
	for i := range r.results {
		if r.present[i] {
			out[i] = r.results[i]
			continue
		}
		out[i] = commit.TxnResult{TxnIdx: uint32(i), Status: commit.StatusDiscarded, Discard: commit.DiscardBlockHalted}
	}
	return out
}

func discardAll(n int) []commit.TxnResult {
	out := make([]commit.TxnResult, n)
	for i := range out {
		out[i] = commit.TxnResult{TxnIdx: uint32(i), Status: commit.StatusDiscarded, Discard: commit.DiscardBlockFailure}
	}
	return out
}

// ExecuteBlock runs txns through the parallel engine, falling back to
// the sequential engine (from the first uncommitted transaction onward)
// when cfg.AllowFallback is set and the parallel engine can't make
// progress. A concurrency level below 2 runs the whole block
// sequentially from the start.
func ExecuteBlock(ctx context.Context, vmInit VMInit, txns []Txn, baseView BaseView, cfg ExecutionConfig) (BlockOutput, error) {
	tasks, err := vmInit.PrepareTasks(ctx, txns)
	if err != nil {
		return BlockOutput{}, errors.Wrap(err, "blockstm: preparing tasks")
	}
	n := len(tasks)
	if n == 0 {
		return BlockOutput{}, nil
	}

	store := mvstore.New()
	delayed := delayedfield.New()
	results := newResultSet(n, cfg.Listener)
	gas := commit.NewGasProcessor(cfg.BlockLimit)

	if cfg.ConcurrencyLevel < 2 {
		seqEngine := &sequential.Engine{
			Store:                         store,
			Delayed:                       delayed,
			Base:                          baseView,
			Tasks:                         tasks,
			Listener:                      results,
			Gas:                           gas,
			DiscardAndRerunOnGroupFailure: cfg.DiscardAndRerunOnGroupFailure,
		}
		if err := seqEngine.Run(ctx, 0); err != nil {
			if cfg.DiscardFailedBlocks {
				log.Warn("[blockstm] sequential run failed, discarding block", "err", err)
				return BlockOutput{Results: discardAll(n)}, nil
			}
			return BlockOutput{}, err
		}
		return BlockOutput{Results: results.finalize()}, nil
	}

	sched := scheduler.New(n, cfg.MaxIncarnationsPerTxn)
	pipeline := commit.NewPipeline(sched, store, delayed, results, gas)
	pipeline.Base = baseView
	pipeline.Tasks = tasks

	var baseCache *lru.Cache[mvstore.Key, []byte]
	if cfg.BaseCacheSize > 0 {
		baseCache, _ = lru.New[mvstore.Key, []byte](cfg.BaseCacheSize)
	}

	var reclaimer *reclaim.Worker
	switch {
	case cfg.ReclaimQueueDepth > 0:
		reclaimer = reclaim.NewWorker(store, cfg.ReclaimQueueDepth)
	case cfg.ReclaimQueueDepth < 0:
		reclaimer = reclaim.NewWorker(store, defaultReclaimQueueDepth(n))
	}

	pool := &executor.Pool{
		Sched:       sched,
		Store:       store,
		Delayed:     delayed,
		Base:        baseView,
		BaseCache:   baseCache,
		Tasks:       tasks,
		Commit:      pipeline,
		Reclaim:     reclaimer,
		Concurrency: cfg.ConcurrencyLevel,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A cancelled context must also halt the scheduler: a worker parked
	// on a dependency wait never observes ctx on its own.
	go func() {
		<-runCtx.Done()
		sched.Halt()
	}()

	var reclaimDone chan struct{}
	if reclaimer != nil {
		reclaimDone = make(chan struct{})
		go func() {
			defer close(reclaimDone)
			_ = reclaimer.Run(runCtx)
		}()
	}

	errs := make(chan error, 2)
	go func() { errs <- pool.Run(runCtx) }()
	go func() { errs <- pipeline.Run(runCtx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
			sched.Halt()
			cancel()
		}
	}

	if reclaimer != nil {
		// The worker pool and commit pipeline are done with the block;
		// let the reclaimer drain whatever drops are still queued, off
		// this goroutine, before the store it points at goes out of
		// scope.
		reclaimer.Close()
		<-reclaimDone
	}

	if firstErr == nil {
		if err := ctx.Err(); err != nil {
			return BlockOutput{}, err
		}
		return BlockOutput{Results: results.finalize(), Stats: toTxnStats(pool.Stats())}, nil
	}

	// Whatever the coordinator committed but no worker got to
	// materialize still belongs to the block's final prefix.
	if drainErr := pipeline.Drain(); drainErr != nil {
		log.Warn("[blockstm] draining committed outputs after failure", "err", drainErr)
	}

	if !cfg.AllowFallback {
		if cfg.DiscardFailedBlocks {
			log.Warn("[blockstm] parallel run failed with fallback disabled, discarding block", "err", firstErr)
			return BlockOutput{Results: discardAll(n), Stats: toTxnStats(pool.Stats())}, nil
		}
		return BlockOutput{}, firstErr
	}

	// Fall back to strict sequential execution from the lowest
	// uncommitted index: everything below it is already final, and every
	// speculative entry at or above it must be withdrawn so the rerun
	// reads only committed state. The scheduler's commit index also counts
	// an index whose commit then failed, so the lowest index without an
	// output is where the rerun starts.
	commitIdx := int(sched.CommitIdx())
	fallbackFrom := 0
	results.mu.Lock()
	for fallbackFrom < commitIdx && results.present[fallbackFrom] {
		fallbackFrom++
	}
	results.mu.Unlock()
	log.Warn("[blockstm] parallel run failed, falling back to sequential", "fromTxn", fallbackFrom, "err", firstErr)
	store.PruneAbove(uint32(fallbackFrom))
	delayed.PruneAbove(uint32(fallbackFrom))

	seqEngine := &sequential.Engine{
		Store:                         store,
		Delayed:                       delayed,
		Base:                          baseView,
		Tasks:                         tasks,
		Listener:                      results,
		Gas:                           gas,
		DiscardAndRerunOnGroupFailure: cfg.DiscardAndRerunOnGroupFailure,
	}
	if err := seqEngine.Run(ctx, fallbackFrom); err != nil {
		if cfg.DiscardFailedBlocks {
			log.Warn("[blockstm] sequential fallback failed, discarding block", "err", err)
			return BlockOutput{Results: discardAll(n), Stats: toTxnStats(pool.Stats()), UsedFallback: true, FallbackAtTxn: fallbackFrom}, nil
		}
		return BlockOutput{}, err
	}

	return BlockOutput{
		Results:       results.finalize(),
		Stats:         toTxnStats(pool.Stats()),
		UsedFallback:  true,
		FallbackAtTxn: fallbackFrom,
	}, nil
}

func toTxnStats(stats []executor.Stats) []TxnStats {
	if stats == nil {
		return nil
	}
	out := make([]TxnStats, len(stats))
	for i, s := range stats {
		out[i] = TxnStats{
			TxnIdx:        uint32(i),
			Incarnations:  s.Incarnations,
			ExecuteCalls:  s.ExecuteCalls,
			ValidateCalls: s.ValidateCalls,
		}
	}
	return out
}
