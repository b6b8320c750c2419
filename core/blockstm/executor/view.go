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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/erigontech/parallel-executor/core/blockstm/capturedreads"
	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
)

// BaseView supplies the state a block started from: every read that
// misses the multi-version store for every index below the current
// transaction falls through to this.
type BaseView interface {
	ReadData(key mvstore.Key) ([]byte, bool, error)
	ReadGroupMember(groupAddr, tag string) ([]byte, bool, error)
}

// View is handed to one transaction incarnation's VM execution. It
// resolves reads against the multi-version store first and the block's
// base state second, and records everything it resolves into a
// captured-reads record for later validation.
type View struct {
	txnIdx      uint32
	incarnation uint32
	trace       bool

	store   *mvstore.Store
	delayed *delayedfield.Store
	base    BaseView
	cache   *lru.Cache[mvstore.Key, []byte]

	reads *capturedreads.Record
}

// NewView constructs a View for one incarnation. baseCache may be nil,
// in which case base-state reads are never cached (useful for tests and
// for the sequential fallback, which has no contention to amortize).
func NewView(txnIdx, incarnation uint32, store *mvstore.Store, delayed *delayedfield.Store, base BaseView, baseCache *lru.Cache[mvstore.Key, []byte]) *View {
	return &View{
		txnIdx:      txnIdx,
		incarnation: incarnation,
		store:       store,
		delayed:     delayed,
		base:        base,
		cache:       baseCache,
		reads:       capturedreads.New(),
	}
}

// ReadDelayedField resolves a delayed field's speculative value as seen
// by this index: the committed history plus every logged change at
// strictly lower indices (this incarnation's own changes enter the log
// only after it finishes). The observation is recorded as an exact
// read, so any later shift in the folded value invalidates this
// incarnation.
func (v *View) ReadDelayedField(id string) (*uint256.Int, bool) {
	val, ok := v.delayed.ValueBelow(id, v.txnIdx)
	v.reads.RecordDelayedFieldRead(delayedfield.RecordedRead{
		ID:          id,
		Kind:        delayedfield.ReadExact,
		BelowTxnIdx: v.txnIdx,
		Observed:    val,
	})
	return val, ok
}

// ReadDelayedFieldBounded checks whether a delayed field's speculative
// value lies within [lower, upper] (nil means unbounded on that side)
// without pinning the exact value: concurrent deltas that leave the
// outcome unchanged do not invalidate this incarnation.
func (v *View) ReadDelayedFieldBounded(id string, lower, upper *uint256.Int) bool {
	val, _ := v.delayed.ValueBelow(id, v.txnIdx)
	within := val != nil &&
		(lower == nil || !val.Lt(lower)) &&
		(upper == nil || !val.Gt(upper))
	v.reads.RecordDelayedFieldRead(delayedfield.RecordedRead{
		ID:           id,
		Kind:         delayedfield.ReadBounded,
		BelowTxnIdx:  v.txnIdx,
		LowerBound:   lower,
		UpperBound:   upper,
		WithinBounds: within,
	})
	return within
}

func (v *View) SetTrace(trace bool) { v.trace = trace }

// CapturedReads returns the read record accumulated so far. The caller
// owns it after the incarnation finishes; the View should not be reused
// across incarnations.
func (v *View) CapturedReads() *capturedreads.Record { return v.reads }

// ReadData resolves key as of this incarnation's index, falling back to
// the block's base state when the multi-version store has nothing
// below txnIdx.
func (v *View) ReadData(key mvstore.Key) ([]byte, mvstore.Version, error) {
	res := v.store.Read(key, v.txnIdx)
	v.reads.RecordDataRead(key, res)

	switch res.Kind {
	case mvstore.ReadDependency:
		return nil, mvstore.Version{}, Dependency{TxnIdx: res.Dependency}
	case mvstore.ReadValue:
		if v.trace {
			fmt.Printf("ReadData [%s] => [%x]\n", key.Path, res.Value)
		}
		return res.Value, res.Version, nil
	case mvstore.ReadDelta:
		// A pure delta run with no underlying Value resolves through
		// the base view, then folds the accumulated delta onto it.
		baseVal, ok, err := v.readBaseCached(key)
		if err != nil {
			return nil, mvstore.Version{}, err
		}
		base := mustUint256(baseVal, ok)
		folded, err := res.Accumulated.Apply(base)
		if err != nil {
			return nil, mvstore.Version{}, err
		}
		return folded.Bytes(), res.Version, nil
	default: // ReadUninitialized
		val, ok, err := v.readBaseCached(key)
		if err != nil {
			return nil, mvstore.Version{}, err
		}
		if !ok {
			return nil, mvstore.Version{}, nil
		}
		return val, mvstore.Version{}, nil
	}
}

func (v *View) readBaseCached(key mvstore.Key) ([]byte, bool, error) {
	if v.cache != nil {
		if val, ok := v.cache.Get(key); ok {
			return val, val != nil, nil
		}
	}
	val, ok, err := v.base.ReadData(key)
	if err != nil {
		return nil, false, err
	}
	if v.cache != nil {
		if ok {
			v.cache.Add(key, val)
		} else {
			v.cache.Add(key, nil)
		}
	}
	return val, ok, nil
}

// ReadGroupMember resolves one resource-group member tag, with the same
// MVS-first/base-fallback shape as ReadData.
func (v *View) ReadGroupMember(groupAddr, tag string) ([]byte, mvstore.Version, error) {
	return v.readGroupMember(groupAddr, tag, capturedreads.GroupReadUnused)
}

// ReadGroupMemberForExchange is ReadGroupMember for a read the VM only
// needs to materialize a delayed field's exchange value, not because it
// needs the member's value for itself; validation and commit can use
// the distinction to skip re-finalizing the group when only the
// delayed-field side changed.
func (v *View) ReadGroupMemberForExchange(groupAddr, tag string) ([]byte, mvstore.Version, error) {
	return v.readGroupMember(groupAddr, tag, capturedreads.GroupReadNeedsExchange)
}

// ReadGroupMemberModified is ReadGroupMember for a read-modify-write:
// the VM is about to write this same tag back in the same incarnation.
func (v *View) ReadGroupMemberModified(groupAddr, tag string) ([]byte, mvstore.Version, error) {
	return v.readGroupMember(groupAddr, tag, capturedreads.GroupReadModified)
}

func (v *View) readGroupMember(groupAddr, tag string, kind capturedreads.GroupReadKind) ([]byte, mvstore.Version, error) {
	res := v.store.ReadGroupMember(groupAddr, tag, v.txnIdx)
	v.reads.RecordGroupRead(groupAddr, tag, kind, res)

	switch res.Kind {
	case mvstore.ReadDependency:
		return nil, mvstore.Version{}, Dependency{TxnIdx: res.Dependency}
	case mvstore.ReadValue:
		return res.Value, res.Version, nil
	default:
		val, ok, err := v.base.ReadGroupMember(groupAddr, tag)
		if err != nil {
			return nil, mvstore.Version{}, err
		}
		if !ok {
			return nil, mvstore.Version{}, nil
		}
		return val, mvstore.Version{}, nil
	}
}

// ReadModule resolves a module (bytecode) key and separately tracks it
// for module read/write conflict detection.
func (v *View) ReadModule(key mvstore.Key) ([]byte, mvstore.Version, error) {
	key.Kind = mvstore.KindModule
	return v.ReadData(key)
}

func mustUint256(b []byte, ok bool) *uint256.Int {
	n := new(uint256.Int)
	if ok {
		n.SetBytes(b)
	}
	return n
}
