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

package commit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/parallel-executor/core/blockstm/capturedreads"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/executor"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
	"github.com/erigontech/parallel-executor/core/blockstm/scheduler"
)

var errBoom = errors.New("boom")

type collectingListener struct {
	mu      sync.Mutex
	results []TxnResult
}

func (l *collectingListener) OnCommit(r TxnResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

// advanceToExecuted walks one index through execute and validate so the
// scheduler considers it commit-ready.
func advanceToExecuted(t *testing.T, sched *scheduler.Scheduler, idx uint32) {
	t.Helper()
	task := sched.NextTask()
	require.Equal(t, scheduler.TaskExecute, task.Kind)
	require.Equal(t, idx, task.Idx)
	sched.FinishExecution(idx, task.Incarnation, false)
	v := sched.NextTask()
	require.Equal(t, scheduler.TaskValidate, v.Kind)
	sched.FinishValidation(v.Idx, v.Wave)
}

func TestPipelineCommitsInOrderAndFinalizesGroups(t *testing.T) {
	sched := scheduler.New(2, 10)
	store := mvstore.New()
	listener := &collectingListener{}
	p := NewPipeline(sched, store, delayedfield.New(), listener, nil)

	store.Groups.WriteGroup("grp", 0, 0, map[string][]byte{"a": []byte("1")})
	store.Groups.WriteGroup("grp", 1, 0, map[string][]byte{"b": []byte("2")})

	p.Enqueue(0, 0, executor.Output{GroupWrites: []executor.GroupWrite{{GroupAddr: "grp"}}}, nil)
	p.Enqueue(1, 0, executor.Output{GroupWrites: []executor.GroupWrite{{GroupAddr: "grp"}}}, nil)

	advanceToExecuted(t, sched, 0)
	advanceToExecuted(t, sched, 1)

	require.NoError(t, p.Run(context.Background()))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.results, 2)
	require.Equal(t, uint32(0), listener.results[0].TxnIdx)
	require.Equal(t, uint32(1), listener.results[1].TxnIdx)
	require.Equal(t, StatusSuccess, listener.results[0].Status)
	require.Contains(t, string(listener.results[0].FinalizedGroups["grp"]), "a")
	// idx 1's finalized snapshot sees both members.
	require.Contains(t, string(listener.results[1].FinalizedGroups["grp"]), "a")
	require.Contains(t, string(listener.results[1].FinalizedGroups["grp"]), "b")
}

func TestExchangeOnlyGroupReadGetsCommittedSnapshot(t *testing.T) {
	sched := scheduler.New(2, 10)
	store := mvstore.New()
	listener := &collectingListener{}
	p := NewPipeline(sched, store, delayedfield.New(), listener, nil)

	store.Groups.WriteGroup("grp", 0, 0, map[string][]byte{"a": []byte("1")})
	p.Enqueue(0, 0, executor.Output{GroupWrites: []executor.GroupWrite{{GroupAddr: "grp"}}}, nil)

	// Transaction 1 never writes the group: it only read a member to
	// materialize a delayed-field exchange, so its finalized output
	// carries the last-committed snapshot.
	reads := capturedreads.New()
	reads.RecordGroupRead("grp", "a", capturedreads.GroupReadNeedsExchange, store.ReadGroupMember("grp", "a", 1))
	p.Enqueue(1, 0, executor.Output{}, reads)

	advanceToExecuted(t, sched, 0)
	advanceToExecuted(t, sched, 1)

	require.NoError(t, p.Run(context.Background()))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.results, 2)
	require.Empty(t, listener.results[1].Output.GroupWrites)
	require.Contains(t, string(listener.results[1].FinalizedGroups["grp"]), "a")
	require.Contains(t, string(listener.results[1].FinalizedGroups["grp"]), "1")
}

func TestSkipRestHaltsPipelineAfterCommit(t *testing.T) {
	sched := scheduler.New(3, 10)
	store := mvstore.New()
	listener := &collectingListener{}
	p := NewPipeline(sched, store, delayedfield.New(), listener, nil)

	advanceToExecuted(t, sched, 0)
	p.Enqueue(0, 0, executor.Output{SkipRest: true}, nil)

	err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, sched.IsHalted())

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.results, 1)
	require.Equal(t, uint32(0), listener.results[0].TxnIdx)
	require.Equal(t, StatusSkipRest, listener.results[0].Status)
}

func TestBlockOutputLimitMarksCutPointAndHalts(t *testing.T) {
	sched := scheduler.New(3, 10)
	store := mvstore.New()
	listener := &collectingListener{}
	gas := NewGasProcessor(BlockLimitConfig{BlockOutputLimit: 4})
	p := NewPipeline(sched, store, delayedfield.New(), listener, gas)

	advanceToExecuted(t, sched, 0)
	key := mvstore.Key{Kind: mvstore.KindResource, Path: "k"}
	p.Enqueue(0, 0, executor.Output{Writes: []executor.Write{{Key: key, Value: []byte("0123456789")}}}, nil)

	require.NoError(t, p.Run(context.Background()))
	require.True(t, sched.IsHalted())

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.results, 1)
	require.Equal(t, StatusSkipRest, listener.results[0].Status)
}

func TestFatalVMErrorHaltsPipeline(t *testing.T) {
	sched := scheduler.New(1, 10)
	store := mvstore.New()
	p := NewPipeline(sched, store, delayedfield.New(), nil, nil)

	advanceToExecuted(t, sched, 0)
	p.EnqueueFatal(0, 0, errBoom)

	err := p.Run(context.Background())
	require.Error(t, err)
	var fatal FatalVMError
	require.ErrorAs(t, err, &fatal)
	require.True(t, sched.IsHalted())
}

// createFieldTask is what the coordinator re-executes in-line when the
// first attempt's delayed-field changes no longer fold: the retry
// replaces the unresolvable Apply with a Create.
type createFieldTask struct {
	id    string
	value uint64
}

func (c createFieldTask) Execute(context.Context, *executor.View) (executor.Output, error) {
	return executor.Output{DelayedFieldOps: []executor.DelayedFieldOp{{
		ID: c.id,
		Ch: delayedfield.Change{Kind: delayedfield.ChangeCreate, Value: uint256.NewInt(c.value)},
	}}}, nil
}

func TestDelayedFieldCommitFailureReExecutesInline(t *testing.T) {
	sched := scheduler.New(1, 10)
	store := mvstore.New()
	delayed := delayedfield.New()
	listener := &collectingListener{}
	p := NewPipeline(sched, store, delayed, listener, nil)
	p.Tasks = []executor.Task{createFieldTask{id: "f", value: 5}}

	// The first incarnation recorded an Apply with no base anywhere in
	// the field's history: it can never fold at commit time.
	op := delayedfield.Change{
		Kind:    delayedfield.ChangeApply,
		Op:      delayedfield.Op{Positive: true, Magnitude: uint256.NewInt(1)},
		BaseRef: delayedfield.BasePrevious,
	}
	require.NoError(t, delayed.RecordChange("f", 0, 0, 0, op))

	advanceToExecuted(t, sched, 0)
	p.Enqueue(0, 0, executor.Output{DelayedFieldOps: []executor.DelayedFieldOp{{ID: "f", Ch: op}}}, nil)

	require.NoError(t, p.Run(context.Background()))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.results, 1)
	require.True(t, listener.results[0].Conflicted)
	require.Equal(t, []string{"f"}, listener.results[0].ReExecutedFields)
	require.Equal(t, uint32(1), listener.results[0].Incarnation)

	v, ok := delayed.CommittedValue("f")
	require.True(t, ok)
	require.Equal(t, uint64(5), v.Uint64())
}

func TestMaterializeResolvesDeltaWrites(t *testing.T) {
	sched := scheduler.New(2, 10)
	store := mvstore.New()
	listener := &collectingListener{}
	p := NewPipeline(sched, store, delayedfield.New(), listener, nil)

	key := mvstore.Key{Kind: mvstore.KindResource, Path: "counter"}
	d0 := mvstore.PositiveDelta(5)
	d1 := mvstore.PositiveDelta(3)
	store.AddDelta(key, 0, 0, d0)
	store.AddDelta(key, 1, 0, d1)

	advanceToExecuted(t, sched, 0)
	advanceToExecuted(t, sched, 1)
	p.Enqueue(0, 0, executor.Output{Writes: []executor.Write{{Key: key, Delta: &d0}}}, nil)
	p.Enqueue(1, 0, executor.Output{Writes: []executor.Write{{Key: key, Delta: &d1}}}, nil)

	require.NoError(t, p.Run(context.Background()))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.results, 2)
	require.Equal(t, uint64(5), new(uint256.Int).SetBytes(listener.results[0].MaterializedDeltas[key]).Uint64())
	require.Equal(t, uint64(8), new(uint256.Int).SetBytes(listener.results[1].MaterializedDeltas[key]).Uint64())
}
