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

package mvstore

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// ErrDeltaOverflow is returned when folding a chain of deltas onto a base
// value would wrap a uint256.
var ErrDeltaOverflow = errors.New("mvstore: delta application overflowed")

// Delta is an aggregator-v1 increment: a signed amount applied on top of
// whatever base value a reader resolves. Magnitude is tracked with
// uint256.Int so large EVM-style counters never lose precision.
type Delta struct {
	Positive  bool
	Magnitude *uint256.Int
}

func PositiveDelta(amount uint64) Delta {
	return Delta{Positive: true, Magnitude: uint256.NewInt(amount)}
}

func NegativeDelta(amount uint64) Delta {
	return Delta{Positive: false, Magnitude: uint256.NewInt(amount)}
}

// Apply folds d onto base, returning ErrDeltaOverflow on overflow/underflow.
func (d Delta) Apply(base *uint256.Int) (*uint256.Int, error) {
	out := new(uint256.Int)
	if d.Positive {
		if _, overflow := out.AddOverflow(base, d.Magnitude); overflow {
			return nil, errors.WithMessagef(ErrDeltaOverflow, "base=%s +%s", base, d.Magnitude)
		}
	} else {
		if base.Lt(d.Magnitude) {
			return nil, errors.WithMessagef(ErrDeltaOverflow, "base=%s -%s", base, d.Magnitude)
		}
		out.SubOverflow(base, d.Magnitude)
	}
	return out, nil
}

// Combine folds two same-signed-or-not deltas into one, used when walking
// a run of Delta entries leftward before hitting a base Value.
func Combine(a, b Delta) (Delta, error) {
	signed := func(d Delta) *uint256.Int {
		v := new(uint256.Int).Set(d.Magnitude)
		return v
	}
	av, bv := signed(a), signed(b)
	switch {
	case a.Positive == b.Positive:
		sum := new(uint256.Int)
		if _, overflow := sum.AddOverflow(av, bv); overflow {
			return Delta{}, errors.WithMessage(ErrDeltaOverflow, "combine same-sign deltas")
		}
		return Delta{Positive: a.Positive, Magnitude: sum}, nil
	case av.Cmp(bv) >= 0:
		diff := new(uint256.Int).Sub(av, bv)
		return Delta{Positive: a.Positive, Magnitude: diff}, nil
	default:
		diff := new(uint256.Int).Sub(bv, av)
		return Delta{Positive: b.Positive, Magnitude: diff}, nil
	}
}
