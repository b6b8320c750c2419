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

package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/parallel-executor/core/blockstm/capturedreads"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
	"github.com/erigontech/parallel-executor/core/blockstm/scheduler"
)

type emptyBaseView struct{}

func (emptyBaseView) ReadData(mvstore.Key) ([]byte, bool, error)           { return nil, false, nil }
func (emptyBaseView) ReadGroupMember(string, string) ([]byte, bool, error) { return nil, false, nil }

// transferTask reads a shared key and writes its own marker back to it,
// the smallest transaction shape that still produces read/write
// conflicts between every pair of indices.
type transferTask struct {
	idx uint32
}

func (t transferTask) Execute(_ context.Context, view *View) (Output, error) {
	key := mvstore.Key{Kind: mvstore.KindResource, Path: "shared"}
	_, _, err := view.ReadData(key)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Writes: []Write{{Key: key, Value: []byte{byte(t.idx)}}},
	}, nil
}

type recordingCommit struct {
	mu       sync.Mutex
	enqueued []uint32
}

func (c *recordingCommit) Enqueue(idx, _ uint32, _ Output, _ *capturedreads.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueued = append(c.enqueued, idx)
}

func (c *recordingCommit) EnqueueFatal(idx, _ uint32, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueued = append(c.enqueued, idx)
}

func (c *recordingCommit) Materialize(uint32) error { return nil }

func TestPoolRunExecutesAllTransactionsToCompletion(t *testing.T) {
	n := 5
	sched := scheduler.New(n, 10)
	store := mvstore.New()
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = transferTask{idx: uint32(i)}
	}
	commit := &recordingCommit{}

	pool := &Pool{
		Sched:       sched,
		Store:       store,
		Delayed:     delayedfield.New(),
		Base:        emptyBaseView{},
		Tasks:       tasks,
		Commit:      commit,
		Concurrency: 3,
	}

	drainValidationAndCommit(t, sched, n)

	err := pool.Run(context.Background())
	require.NoError(t, err)

	commit.mu.Lock()
	defer commit.mu.Unlock()
	require.GreaterOrEqual(t, len(commit.enqueued), n)
	seen := make(map[uint32]bool)
	for _, idx := range commit.enqueued {
		seen[idx] = true
	}
	for i := 0; i < n; i++ {
		require.True(t, seen[uint32(i)], "txn %d never finished an incarnation", i)
	}

	// The last writer wins: readers above the block see index n-1's
	// marker.
	res := store.Read(mvstore.Key{Kind: mvstore.KindResource, Path: "shared"}, uint32(n))
	require.Equal(t, mvstore.ReadValue, res.Kind)
	require.Equal(t, []byte{byte(n - 1)}, res.Value)
}

type alwaysAbortTask struct{}

func (alwaysAbortTask) Execute(context.Context, *View) (Output, error) {
	return Output{}, SpeculativeAbort{Reason: "never resolves"}
}

func TestPoolRunHaltsAndErrorsWhenIncarnationBudgetExhausted(t *testing.T) {
	sched := scheduler.New(1, 1) // only incarnation 0 allowed
	store := mvstore.New()
	commit := &recordingCommit{}

	pool := &Pool{
		Sched:       sched,
		Store:       store,
		Delayed:     delayedfield.New(),
		Base:        emptyBaseView{},
		Tasks:       []Task{alwaysAbortTask{}},
		Commit:      commit,
		Concurrency: 1,
	}

	err := pool.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, scheduler.ErrTooManyIncarnations)
	require.True(t, sched.IsHalted())
}

// badDelayedFieldTask emits an Apply against the same-index prior value
// when none exists: RecordChange rejects it softly on every attempt.
type badDelayedFieldTask struct{}

func (badDelayedFieldTask) Execute(context.Context, *View) (Output, error) {
	return Output{DelayedFieldOps: []DelayedFieldOp{{
		ID: "f",
		Ch: delayedfield.Change{
			Kind:    delayedfield.ChangeApply,
			Op:      delayedfield.Op{Positive: true, Magnitude: uint256.NewInt(1)},
			BaseRef: delayedfield.BaseCurrent,
		},
	}}}, nil
}

func TestDelayedFieldApplyFailureInvalidatesIncarnation(t *testing.T) {
	sched := scheduler.New(1, 3)
	commit := &recordingCommit{}
	pool := &Pool{
		Sched:       sched,
		Store:       mvstore.New(),
		Delayed:     delayedfield.New(),
		Base:        emptyBaseView{},
		Tasks:       []Task{badDelayedFieldTask{}},
		Commit:      commit,
		Concurrency: 1,
	}

	// The flagged failure must fail validation and re-execute the
	// incarnation (never validate it clean), so the budget runs out
	// instead of the transaction committing with the change dropped.
	err := pool.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, scheduler.ErrTooManyIncarnations)
	require.True(t, sched.IsHalted())
}

type moduleConflictTask struct{}

func (moduleConflictTask) Execute(_ context.Context, view *View) (Output, error) {
	key := mvstore.Key{Kind: mvstore.KindModule, Path: "mod"}
	if _, _, err := view.ReadModule(key); err != nil {
		return Output{}, err
	}
	return Output{Writes: []Write{{Key: key, Value: []byte("patched")}}}, nil
}

func TestModuleReadWriteConflictRoutesToFatalEnqueue(t *testing.T) {
	sched := scheduler.New(1, 10)
	commit := &recordingCommit{}
	pool := &Pool{
		Sched:       sched,
		Store:       mvstore.New(),
		Delayed:     delayedfield.New(),
		Base:        emptyBaseView{},
		Tasks:       []Task{moduleConflictTask{}},
		Commit:      commit,
		Concurrency: 1,
	}

	drainValidationAndCommit(t, sched, 1)
	require.NoError(t, pool.Run(context.Background()))

	commit.mu.Lock()
	defer commit.mu.Unlock()
	require.Equal(t, []uint32{0}, commit.enqueued)
}

// drainValidationAndCommit runs a tiny goroutine alongside Pool.Run that
// keeps committing and halts once every index has committed, since this
// package's Pool does not itself own the commit pointer (that is the
// commit pipeline's job).
func drainValidationAndCommit(t *testing.T, sched *scheduler.Scheduler, n int) {
	t.Helper()
	go func() {
		committed := 0
		for committed < n {
			if _, _, ok := sched.TryCommit(); ok {
				committed++
			}
		}
		sched.Halt()
	}()
}
