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

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextTaskHandsOutExecuteThenNone(t *testing.T) {
	s := New(2, 10)
	t1 := s.NextTask()
	require.Equal(t, TaskExecute, t1.Kind)
	require.Equal(t, uint32(0), t1.Idx)

	t2 := s.NextTask()
	require.Equal(t, TaskExecute, t2.Kind)
	require.Equal(t, uint32(1), t2.Idx)

	// Both still Executing: nothing left to hand out yet.
	t3 := s.NextTask()
	require.Equal(t, TaskNone, t3.Kind)
}

func TestFinishExecutionQueuesValidation(t *testing.T) {
	s := New(1, 10)
	task := s.NextTask()
	require.Equal(t, TaskExecute, task.Kind)

	s.FinishExecution(0, 0, false)
	v := s.NextTask()
	require.Equal(t, TaskValidate, v.Kind)
	require.Equal(t, uint32(0), v.Idx)
}

func TestUpdatesOutsideBumpsWave(t *testing.T) {
	s := New(2, 10)
	_ = s.NextTask() // execute 0
	_ = s.NextTask() // execute 1
	s.FinishExecution(0, 0, false)
	waveBefore := s.Wave()
	// idx 1 wrote keys its previous incarnation didn't: everything above
	// it revalidates at a fresh wave.
	s.FinishExecution(1, 0, true)
	require.Greater(t, s.Wave(), waveBefore)
	require.Equal(t, uint32(0), s.ValidationIdx())
}

func TestWaveBumpAboveCommitPointDoesNotBlockCommit(t *testing.T) {
	s := New(3, 10)
	_ = s.NextTask() // execute 0
	_ = s.NextTask() // execute 1
	_ = s.NextTask() // execute 2
	s.FinishExecution(0, 0, false)

	v0 := s.NextTask()
	require.Equal(t, TaskValidate, v0.Kind)
	require.Equal(t, uint32(0), v0.Idx)
	s.FinishValidation(0, v0.Wave)

	// A wave bump whose target lies above idx 0 must not hold idx 0
	// back: its own reads were unaffected.
	s.FinishExecution(2, 0, true)

	idx, inc, ok := s.TryCommit()
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
	require.Equal(t, uint32(0), inc)
}

func TestAbortBumpsWaveSoLaterIndicesRevalidate(t *testing.T) {
	s := New(2, 10)
	_ = s.NextTask()
	_ = s.NextTask()
	s.FinishExecution(0, 0, false)
	s.FinishExecution(1, 0, false)

	v0 := s.NextTask()
	s.FinishValidation(v0.Idx, v0.Wave)
	v1 := s.NextTask()
	require.Equal(t, uint32(1), v1.Idx)
	s.FinishValidation(v1.Idx, v1.Wave)

	// idx 0 aborts after idx 1 already validated: the abort's wave bump
	// must force idx 1 through validation again before it may commit.
	require.True(t, s.TryAbort(0, 0))
	require.NoError(t, s.FinishAbort(0, 0))

	r := s.NextTask()
	require.Equal(t, TaskExecute, r.Kind)
	require.Equal(t, uint32(0), r.Idx)
	require.Equal(t, uint32(1), r.Incarnation)
	s.FinishExecution(0, 1, false)

	v0b := s.NextTask()
	require.Equal(t, TaskValidate, v0b.Kind)
	require.Equal(t, uint32(0), v0b.Idx)
	s.FinishValidation(0, v0b.Wave)

	_, _, ok := s.TryCommit()
	require.True(t, ok, "idx 0 revalidated after its abort")

	// idx 1's old validation predates the abort's wave: not committable
	// until it revalidates.
	_, _, ok = s.TryCommit()
	require.False(t, ok)

	v1b := s.NextTask()
	require.Equal(t, TaskValidate, v1b.Kind)
	require.Equal(t, uint32(1), v1b.Idx)
	s.FinishValidation(1, v1b.Wave)

	idx, _, ok := s.TryCommit()
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)
}

func TestTryAbortThenFinishAbortReschedulesHigherIncarnation(t *testing.T) {
	s := New(1, 10)
	_ = s.NextTask()
	s.FinishExecution(0, 0, false)

	require.True(t, s.TryAbort(0, 0))
	require.False(t, s.TryAbort(0, 0)) // already Aborting, can't double-abort

	require.NoError(t, s.FinishAbort(0, 0))
	task := s.NextTask()
	require.Equal(t, TaskExecute, task.Kind)
	require.Equal(t, uint32(1), task.Incarnation)
}

func TestFinishAbortEnforcesMaxIncarnations(t *testing.T) {
	s := New(1, 1)
	_ = s.NextTask()
	s.FinishExecution(0, 0, false)
	require.True(t, s.TryAbort(0, 0))
	err := s.FinishAbort(0, 0)
	require.ErrorIs(t, err, ErrTooManyIncarnations)
}

func TestTryCommitRequiresValidation(t *testing.T) {
	s := New(1, 10)
	_ = s.NextTask()
	s.FinishExecution(0, 0, false)

	_, _, ok := s.TryCommit()
	require.False(t, ok, "not validated yet")

	v := s.NextTask()
	s.FinishValidation(0, v.Wave)

	idx, inc, ok := s.TryCommit()
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
	require.Equal(t, uint32(0), inc)
}

func TestCommitQueueRoundTrips(t *testing.T) {
	s := New(4, 10)
	s.AddToCommitQueue(2)
	idx, ok := s.PopFromCommitQueue()
	require.True(t, ok)
	require.Equal(t, uint32(2), idx)

	_, ok = s.PopFromCommitQueue()
	require.False(t, ok)
}

func TestQueueingCommitsElectsOneCoordinator(t *testing.T) {
	s := New(1, 10)
	require.True(t, s.QueueingCommitsArm())
	require.False(t, s.QueueingCommitsArm(), "second arm should lose the race")
	s.QueueingCommitsMarkDone()
	require.True(t, s.QueueingCommitsArm(), "re-armable after mark done")
}

func TestWaitForWriterReturnsImmediatelyWhenWriterNotExecuting(t *testing.T) {
	s := New(2, 10)
	_ = s.NextTask() // 0 -> Executing
	_ = s.NextTask() // 1 -> Executing
	s.FinishExecution(0, 0, false)

	done := make(chan struct{})
	go func() {
		s.WaitForWriter(0) // already Executed: no parking
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForWriter parked on a writer that had already finished")
	}
}

func TestWaitForWriterWakesOnFinishExecution(t *testing.T) {
	s := New(2, 10)
	_ = s.NextTask() // 0 -> Executing
	_ = s.NextTask() // 1 -> Executing

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.WaitForWriter(0)
	}()

	time.Sleep(10 * time.Millisecond)
	s.FinishExecution(0, 0, false)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by FinishExecution")
	}
}

func TestHaltIsIdempotentAndDrainsToDone(t *testing.T) {
	s := New(2, 10)
	require.True(t, s.Halt())
	require.False(t, s.Halt())
	require.True(t, s.IsHalted())

	task := s.NextTask()
	require.Equal(t, TaskDone, task.Kind)
}
