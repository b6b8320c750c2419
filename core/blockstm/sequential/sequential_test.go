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

package sequential

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/parallel-executor/core/blockstm/commit"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/executor"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
)

type noBaseView struct{}

func (noBaseView) ReadData(mvstore.Key) ([]byte, bool, error)           { return nil, false, nil }
func (noBaseView) ReadGroupMember(string, string) ([]byte, bool, error) { return nil, false, nil }

type listListener struct {
	mu      sync.Mutex
	results []commit.TxnResult
}

func (l *listListener) OnCommit(r commit.TxnResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

type writeTask struct {
	key mvstore.Key
	val []byte
}

func (t writeTask) Execute(_ context.Context, _ *executor.View) (executor.Output, error) {
	return executor.Output{Writes: []executor.Write{{Key: t.key, Value: t.val}}}, nil
}

type groupTask struct {
	addr    string
	members map[string][]byte
}

func (t groupTask) Execute(context.Context, *executor.View) (executor.Output, error) {
	return executor.Output{GroupWrites: []executor.GroupWrite{{GroupAddr: t.addr, Members: t.members}}}, nil
}

type failingTask struct{}

func (failingTask) Execute(context.Context, *executor.View) (executor.Output, error) {
	return executor.Output{}, errBoomSequential
}

var errBoomSequential = errors.New("boom")

func TestSequentialEngineRunsInOrder(t *testing.T) {
	store := mvstore.New()
	key := mvstore.Key{Kind: mvstore.KindResource, Path: "k"}
	tasks := []executor.Task{
		writeTask{key: key, val: []byte("a")},
		writeTask{key: key, val: []byte("b")},
	}
	listener := &listListener{}
	engine := &Engine{
		Store:    store,
		Delayed:  delayedfield.New(),
		Base:     noBaseView{},
		Tasks:    tasks,
		Listener: listener,
	}
	require.NoError(t, engine.Run(context.Background(), 0))

	res := store.Read(key, 2)
	require.Equal(t, mvstore.ReadValue, res.Kind)
	require.Equal(t, []byte("b"), res.Value)

	require.Len(t, listener.results, 2)
	require.Equal(t, commit.StatusSuccess, listener.results[0].Status)
	require.Equal(t, commit.StatusSuccess, listener.results[1].Status)
}

func TestSequentialEngineStopsAfterSkipRest(t *testing.T) {
	store := mvstore.New()
	key := mvstore.Key{Kind: mvstore.KindResource, Path: "k"}
	skipTask := taskFunc(func(context.Context, *executor.View) (executor.Output, error) {
		return executor.Output{SkipRest: true}, nil
	})
	tasks := []executor.Task{
		writeTask{key: key, val: []byte("a")},
		skipTask,
		writeTask{key: key, val: []byte("never")},
	}
	listener := &listListener{}
	engine := &Engine{Store: store, Delayed: delayedfield.New(), Base: noBaseView{}, Tasks: tasks, Listener: listener}
	require.NoError(t, engine.Run(context.Background(), 0))

	require.Len(t, listener.results, 2)
	require.Equal(t, commit.StatusSkipRest, listener.results[1].Status)

	res := store.Read(key, 3)
	require.Equal(t, []byte("a"), res.Value)
}

func TestSequentialEngineSurfacesFatalError(t *testing.T) {
	store := mvstore.New()
	tasks := []executor.Task{failingTask{}}
	engine := &Engine{Store: store, Delayed: delayedfield.New(), Base: noBaseView{}, Tasks: tasks}
	err := engine.Run(context.Background(), 0)
	require.Error(t, err)
	var fatal commit.FatalVMError
	require.ErrorAs(t, err, &fatal)
}

func TestGroupSerializationFailureDiscardsTxnInDiscardMode(t *testing.T) {
	store := mvstore.New()
	key := mvstore.Key{Kind: mvstore.KindResource, Path: "k"}
	tasks := []executor.Task{
		groupTask{addr: "bad", members: map[string][]byte{"a": []byte("1")}},
		writeTask{key: key, val: []byte("after")},
	}
	listener := &listListener{}
	engine := &Engine{
		Store:    store,
		Delayed:  delayedfield.New(),
		Base:     noBaseView{},
		Tasks:    tasks,
		Listener: listener,
		Serialize: func(map[string][]byte) ([]byte, error) {
			return nil, errors.New("unencodable member")
		},
		DiscardAndRerunOnGroupFailure: true,
	}
	require.NoError(t, engine.Run(context.Background(), 0))

	require.Len(t, listener.results, 2)
	require.Equal(t, commit.StatusDiscarded, listener.results[0].Status)
	require.Equal(t, commit.DiscardGroupSerialization, listener.results[0].Discard)
	require.Equal(t, commit.StatusSuccess, listener.results[1].Status)

	// The discarded group left no trace behind.
	res := store.ReadGroupMember("bad", "a", 2)
	require.Equal(t, mvstore.ReadUninitialized, res.Kind)
}

func TestGroupSerializationFailureIsFatalWithoutDiscardMode(t *testing.T) {
	store := mvstore.New()
	tasks := []executor.Task{
		groupTask{addr: "bad", members: map[string][]byte{"a": []byte("1")}},
	}
	engine := &Engine{
		Store:   store,
		Delayed: delayedfield.New(),
		Base:    noBaseView{},
		Tasks:   tasks,
		Serialize: func(map[string][]byte) ([]byte, error) {
			return nil, errors.New("unencodable member")
		},
	}
	err := engine.Run(context.Background(), 0)
	require.Error(t, err)
	var groupErr commit.ResourceGroupSerializationError
	require.True(t, asResourceGroupSerializationError(err, &groupErr))
	require.Equal(t, "bad", groupErr.GroupAddr)
}

type taskFunc func(ctx context.Context, view *executor.View) (executor.Output, error)

func (f taskFunc) Execute(ctx context.Context, view *executor.View) (executor.Output, error) {
	return f(ctx, view)
}
