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

// TaskKind enumerates the task shapes NextTask can hand out. Wake-ups
// ride the per-writer condition variables (WaitForWriter) rather than a
// separate task kind.
type TaskKind uint8

const (
	TaskNone TaskKind = iota
	TaskExecute
	TaskValidate
	TaskDone
)

// Task is what NextTask returns to a worker.
type Task struct {
	Kind        TaskKind
	Idx         uint32
	Incarnation uint32
	Wave        uint32
}

// State is one transaction index's scheduling state.
type State uint8

const (
	StateReadyToExecute State = iota
	StateExecuting
	StateExecuted
	StateAborting
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateReadyToExecute:
		return "ReadyToExecute"
	case StateExecuting:
		return "Executing"
	case StateExecuted:
		return "Executed"
	case StateAborting:
		return "Aborting"
	case StateCommitted:
		return "Committed"
	default:
		return "Unknown"
	}
}
