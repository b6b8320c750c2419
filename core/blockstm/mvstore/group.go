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
	async "github.com/anacrolix/sync"
)

// groupMemberEntry is one versioned write to a single tag within a
// resource group. estimate marks an aborted incarnation's write whose
// replacement is still in flight; readers must suspend on it instead of
// using the discarded value.
type groupMemberEntry struct {
	ver      Version
	value    []byte
	estimate bool
}

// groupRecord is the per-group-address state: every member's version
// history, plus the memoized finalized snapshot produced by
// FinalizeGroup (idempotent within one commit).
type groupRecord struct {
	mu          async.RWMutex
	members     map[string][]*groupMemberEntry // tag -> versions ascending
	finalizedAt uint32
	finalized   map[string][]byte
	hasFinal    bool
}

// GroupStore holds resource-group containers: heterogeneous members
// identified by a Tag and versioned independently, plus one
// group-metadata entry (here: the memoized finalized tag set).
type GroupStore struct {
	mu     async.Mutex
	groups map[string]*groupRecord
}

func newGroupStore() *GroupStore {
	return &GroupStore{groups: make(map[string]*groupRecord)}
}

func (g *GroupStore) record(groupAddr string, create bool) *groupRecord {
	g.mu.Lock()
	rec, ok := g.groups[groupAddr]
	if !ok && create {
		rec = &groupRecord{members: make(map[string][]*groupMemberEntry)}
		g.groups[groupAddr] = rec
	}
	g.mu.Unlock()
	return rec
}

// WriteGroup records this incarnation's full member write-set for a
// group in one batch (group writes commit as a unit within a
// transaction) and reports whether the new tag set is a superset of the
// previous incarnation's, which the executor folds into updates_outside.
func (g *GroupStore) WriteGroup(groupAddr string, txnIdx, incarnation uint32, memberValues map[string][]byte) (supersetOfPrev bool) {
	rec := g.record(groupAddr, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	prevTags := make(map[string]struct{})
	if incarnation > 0 {
		for tag, versions := range rec.members {
			for _, v := range versions {
				if v.ver.TxnIdx == txnIdx && v.ver.Incarnation == incarnation-1 {
					prevTags[tag] = struct{}{}
					break
				}
			}
		}
	}

	// A tag this index wrote before but omits now is withdrawn: the new
	// write-set replaces the old one as a whole.
	for tag, versions := range rec.members {
		if _, ok := memberValues[tag]; ok {
			continue
		}
		kept := versions[:0]
		for _, v := range versions {
			if v.ver.TxnIdx != txnIdx {
				kept = append(kept, v)
			}
		}
		rec.members[tag] = kept
	}

	for tag, value := range memberValues {
		versions := rec.members[tag]
		replaced := false
		for i, v := range versions {
			if v.ver.TxnIdx == txnIdx {
				versions[i] = &groupMemberEntry{ver: Version{TxnIdx: txnIdx, Incarnation: incarnation}, value: value}
				replaced = true
				break
			}
		}
		if !replaced {
			versions = append(versions, &groupMemberEntry{ver: Version{TxnIdx: txnIdx, Incarnation: incarnation}, value: value})
			sortGroupMemberEntries(versions)
		}
		rec.members[tag] = versions
	}

	rec.hasFinal = false

	supersetOfPrev = true
	for tag := range prevTags {
		if _, ok := memberValues[tag]; !ok {
			supersetOfPrev = false
			break
		}
	}
	return supersetOfPrev
}

// MarkEstimate converts this index's member writes in groupAddr into
// estimates, mirroring subStore.MarkEstimate for group members.
func (g *GroupStore) MarkEstimate(groupAddr string, txnIdx uint32) {
	rec := g.record(groupAddr, false)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for tag, versions := range rec.members {
		for i, v := range versions {
			if v.ver.TxnIdx == txnIdx {
				versions[i] = &groupMemberEntry{ver: v.ver, estimate: true}
			}
		}
		rec.members[tag] = versions
	}
	rec.hasFinal = false
}

// Remove withdraws this index's writes to groupAddr entirely.
func (g *GroupStore) Remove(groupAddr string, txnIdx uint32) {
	rec := g.record(groupAddr, false)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for tag, versions := range rec.members {
		filtered := versions[:0]
		for _, v := range versions {
			if v.ver.TxnIdx != txnIdx {
				filtered = append(filtered, v)
			}
		}
		rec.members[tag] = filtered
	}
	rec.hasFinal = false
}

// PruneAbove withdraws every member write with TxnIdx >= from, across
// all groups. Used to reset speculative state before a sequential rerun.
func (g *GroupStore) PruneAbove(from uint32) {
	g.mu.Lock()
	recs := make([]*groupRecord, 0, len(g.groups))
	for _, rec := range g.groups {
		recs = append(recs, rec)
	}
	g.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		for tag, versions := range rec.members {
			filtered := versions[:0]
			for _, v := range versions {
				if v.ver.TxnIdx < from {
					filtered = append(filtered, v)
				}
			}
			rec.members[tag] = filtered
		}
		rec.hasFinal = false
		rec.mu.Unlock()
	}
}

// ReadMember resolves a single tag's value as of readerIdx, using the
// same writer_idx < readerIdx rule as subStore.Read. An estimate entry
// resolves as a dependency on its writer.
func (g *GroupStore) ReadMember(groupAddr, tag string, readerIdx uint32) ReadResult {
	rec := g.record(groupAddr, false)
	if rec == nil {
		return ReadResult{Kind: ReadUninitialized}
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	var best *groupMemberEntry
	for _, v := range rec.members[tag] {
		if v.ver.TxnIdx < readerIdx && (best == nil || best.ver.Less(v.ver)) {
			best = v
		}
	}
	if best == nil {
		return ReadResult{Kind: ReadUninitialized}
	}
	if best.estimate {
		return ReadResult{Kind: ReadDependency, Dependency: best.ver.TxnIdx}
	}
	return ReadResult{Kind: ReadValue, Version: best.ver, Value: best.value}
}

// Snapshot assembles the group's member set as committed by every
// index strictly below idx, without touching the finalization memo.
// Used for transactions that only read the group (e.g. for a
// delayed-field exchange) and therefore observe the last-committed
// snapshot instead of re-finalizing it.
func (g *GroupStore) Snapshot(groupAddr string, idx uint32) map[string][]byte {
	rec := g.record(groupAddr, false)
	if rec == nil {
		return nil
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	out := make(map[string][]byte, len(rec.members))
	for tag, versions := range rec.members {
		var best *groupMemberEntry
		for _, v := range versions {
			if v.ver.TxnIdx < idx && (best == nil || best.ver.Less(v.ver)) {
				best = v
			}
		}
		if best != nil && !best.estimate && best.value != nil {
			out[tag] = best.value
		}
	}
	return out
}

// FinalizeGroup assembles the effective member set of the group as of
// committing idx: for each tag, the greatest write with TxnIdx <= idx.
// Idempotent within one commit (memoized by finalizedAt/hasFinal).
func (g *GroupStore) FinalizeGroup(groupAddr string, idx uint32) map[string][]byte {
	rec := g.record(groupAddr, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.hasFinal && rec.finalizedAt == idx {
		return rec.finalized
	}

	out := make(map[string][]byte, len(rec.members))
	for tag, versions := range rec.members {
		var best *groupMemberEntry
		for _, v := range versions {
			if v.ver.TxnIdx <= idx && (best == nil || best.ver.Less(v.ver)) {
				best = v
			}
		}
		if best != nil && !best.estimate && best.value != nil {
			out[tag] = best.value
		}
	}
	rec.finalized = out
	rec.finalizedAt = idx
	rec.hasFinal = true
	return out
}

func sortGroupMemberEntries(versions []*groupMemberEntry) {
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j-1].ver.TxnIdx > versions[j].ver.TxnIdx; j-- {
			versions[j-1], versions[j] = versions[j], versions[j-1]
		}
	}
}
