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

package delayedfield

import "github.com/holiman/uint256"

// ReadKind distinguishes the two ways an incarnation can observe a
// delayed field: an exact pinned value, or a bounded range check (e.g.
// "is there enough balance to subtract without underflow") that
// tolerates concurrent deltas as long as the bound still holds.
type ReadKind uint8

const (
	ReadExact ReadKind = iota
	ReadBounded
)

// RecordedRead is what an incarnation's captured-reads record keeps for
// one delayed-field observation. BelowTxnIdx bounds the observed
// history exclusively: the reader saw the effects of every index
// strictly below it, and none of its own. The bound is exclusive
// because the reader's own changes enter the log only after its
// execution finishes; replaying the read must not see them.
type RecordedRead struct {
	ID          string
	Kind        ReadKind
	BelowTxnIdx uint32
	Observed    *uint256.Int // valid when Kind == ReadExact
	LowerBound  *uint256.Int // valid when Kind == ReadBounded; nil means unbounded below
	UpperBound  *uint256.Int // valid when Kind == ReadBounded; nil means unbounded above
	// WithinBounds is the outcome the incarnation observed for a bounded
	// read. Validation checks that the outcome is unchanged, not that
	// the bound holds: a read that legitimately saw an out-of-bounds
	// value stays valid as long as it still would.
	WithinBounds bool
}

// ValidateRead re-checks a single recorded read against the field's
// current history, without mutating the commit frontier.
func (s *Store) ValidateRead(r RecordedRead) bool {
	var current *uint256.Int
	if rec := s.field(r.ID, false); rec != nil {
		rec.mu.RLock()
		current = peekValueBelowLocked(rec, r.BelowTxnIdx)
		rec.mu.RUnlock()
	}

	switch r.Kind {
	case ReadExact:
		if current == nil || r.Observed == nil {
			return current == nil && r.Observed == nil
		}
		return current.Eq(r.Observed)
	case ReadBounded:
		return withinBounds(current, r.LowerBound, r.UpperBound) == r.WithinBounds
	default:
		return false
	}
}

func withinBounds(v, lower, upper *uint256.Int) bool {
	if v == nil {
		return false
	}
	if lower != nil && v.Lt(lower) {
		return false
	}
	if upper != nil && v.Gt(upper) {
		return false
	}
	return true
}

// peekValueBelowLocked folds the log over every entry with
// TxnIdx < below, starting from the already-committed value, without
// advancing the frontier. Callers must hold rec.mu (read lock suffices;
// it only reads).
func peekValueBelowLocked(rec *fieldRecord, below uint32) *uint256.Int {
	running := rec.committedValue
	groupBase := running
	var groupTxn uint32
	haveGroupTxn := false

	for i := rec.frontier; i < len(rec.log); i++ {
		e := rec.log[i]
		if e.ver.TxnIdx >= below {
			break
		}
		if !haveGroupTxn || e.ver.TxnIdx != groupTxn {
			groupBase = running
			groupTxn = e.ver.TxnIdx
			haveGroupTxn = true
		}
		switch e.ch.Kind {
		case ChangeCreate:
			running = new(uint256.Int).Set(e.ch.Value)
		case ChangeApply:
			base := running
			if e.ch.BaseRef == BasePrevious {
				base = groupBase
			}
			if base == nil {
				return nil
			}
			applied, err := e.ch.Op.Apply(base)
			if err != nil {
				return nil
			}
			running = applied
		}
	}
	return running
}

// ValueBelow folds id's log over every index strictly below the given
// one, starting from the committed value, without advancing the commit
// frontier. The second return is false when the field has no resolvable
// history there.
func (s *Store) ValueBelow(id string, below uint32) (*uint256.Int, bool) {
	rec := s.field(id, false)
	if rec == nil {
		return nil, false
	}
	rec.mu.RLock()
	v := peekValueBelowLocked(rec, below)
	rec.mu.RUnlock()
	if v == nil {
		return nil, false
	}
	return v, true
}

// ValidateDelayedFieldReads replays every recorded read against the
// current history and returns whether all of them are still valid.
func (s *Store) ValidateDelayedFieldReads(reads []RecordedRead) bool {
	for _, r := range reads {
		if !s.ValidateRead(r) {
			return false
		}
	}
	return true
}
