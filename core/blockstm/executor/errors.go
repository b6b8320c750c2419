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

import "fmt"

// Dependency signals that a read observed another transaction's
// in-flight (not yet committed) write; the caller should suspend this
// incarnation and wait for TxnIdx to finish.
type Dependency struct {
	TxnIdx uint32
}

func (d Dependency) Error() string {
	return fmt.Sprintf("executor: read depends on in-flight txn %d", d.TxnIdx)
}

// SpeculativeAbort is returned by the VM when it detects, mid-execution,
// that continuing would be pointless because a read is already known to
// be stale.
type SpeculativeAbort struct {
	Reason string
}

func (e SpeculativeAbort) Error() string {
	return "executor: speculative abort: " + e.Reason
}

// ModulePathReadWriteError is raised when one incarnation both reads and
// writes the same module path, which the multi-version store cannot
// order safely; the transaction is routed to the sequential fallback
// instead.
type ModulePathReadWriteError struct {
	Path string
}

func (e ModulePathReadWriteError) Error() string {
	return fmt.Sprintf("executor: module path %q read and written by the same incarnation", e.Path)
}
