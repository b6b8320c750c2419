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
	"github.com/holiman/uint256"

	"github.com/erigontech/parallel-executor/internal/mathutil"
)

// BlockLimitConfig governs when the commit pipeline halts a block early
// because it has grown larger than the caller wants to materialize in
// one shot.
type BlockLimitConfig struct {
	// BlockOutputLimit caps total accounted output size; zero disables
	// the check.
	BlockOutputLimit uint64
	// IncludeUserTxnSizeInBlockOutput makes AccountTxn add its
	// userTxnSize argument to the running total. Both engines in this
	// module pass a userTxnSize of zero, so under ExecuteBlock the
	// setting adds nothing to the total.
	IncludeUserTxnSizeInBlockOutput bool
	// ConflictPenaltyWindow is added to a transaction's accounted output
	// when it counts as conflicted: its commit needed an in-line
	// re-execution, or (in the sequential engine) it read and wrote the
	// same module.
	ConflictPenaltyWindow uint64
	// ModuleConflictPenalty is added on top of ConflictPenaltyWindow
	// when the conflict was a module read/write fallback, which is
	// more expensive to resolve than an ordinary data conflict.
	ModuleConflictPenalty uint64
}

// GasProcessor accumulates per-transaction output size and penalties
// with overflow-checked arithmetic and reports whether the block output
// limit has been reached.
type GasProcessor struct {
	cfg BlockLimitConfig

	total   *uint256.Int
	limit   *uint256.Int
	limited bool
}

func NewGasProcessor(cfg BlockLimitConfig) *GasProcessor {
	gp := &GasProcessor{
		cfg:   cfg,
		total: uint256.NewInt(0),
	}
	if cfg.BlockOutputLimit > 0 {
		gp.limit = uint256.NewInt(cfg.BlockOutputLimit)
		gp.limited = true
	}
	return gp
}

// AccountTxn folds one transaction's contribution to the running output
// total. moduleConflict marks a conflict that specifically involved a
// module read/write fallback rather than an ordinary data conflict.
func (gp *GasProcessor) AccountTxn(outputSize uint64, userTxnSize uint64, conflicted, moduleConflict bool) error {
	amount := uint256.NewInt(outputSize)
	if gp.cfg.IncludeUserTxnSizeInBlockOutput {
		if _, overflow := amount.AddOverflow(amount, uint256.NewInt(userTxnSize)); overflow {
			return errOutputAccountingOverflow
		}
	}
	if conflicted {
		penalty := gp.cfg.ConflictPenaltyWindow
		if moduleConflict {
			var overflowed bool
			penalty, overflowed = mathutil.SafeAdd(penalty, gp.cfg.ModuleConflictPenalty)
			if overflowed {
				return errOutputAccountingOverflow
			}
		}
		if _, overflow := amount.AddOverflow(amount, uint256.NewInt(penalty)); overflow {
			return errOutputAccountingOverflow
		}
	}
	if _, overflow := gp.total.AddOverflow(gp.total, amount); overflow {
		return errOutputAccountingOverflow
	}
	return nil
}

// ShouldHalt reports whether the accumulated output has reached the
// configured block output limit.
func (gp *GasProcessor) ShouldHalt() bool {
	return gp.limited && gp.total.Cmp(gp.limit) >= 0
}

func (gp *GasProcessor) Total() uint64 {
	return gp.total.Uint64()
}
