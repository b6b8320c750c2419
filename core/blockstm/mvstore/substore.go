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
	"hash/fnv"
	"sort"

	async "github.com/anacrolix/sync"
	"github.com/holiman/uint256"
)

// entryKind distinguishes the three shapes a multi-version entry can
// take: a concrete value, an aggregator delta, or an estimate left by an
// aborted incarnation.
type entryKind uint8

const (
	entryValueKind entryKind = iota
	entryDeltaKind
	entryEstimateKind
)

type versionedEntry struct {
	version entryKind
	ver     Version
	value   []byte
	layout  any
	delta   Delta
}

// keyRecord holds every versioned entry written at one key, kept sorted by
// Version ascending. Readers and writers serialize on mu: writes
// replace or shift entries in the slice, and MarkEstimate rewrites an
// entry in place.
type keyRecord struct {
	mu      async.RWMutex
	entries []*versionedEntry
}

const shardCount = 64

// subStore is a sharded, per-key-locked versioned map backing the
// "data" and "modules" sub-stores. Sharding the top-level bucket mutex
// and giving every key its own RWMutex keeps writers at different keys
// off a single global lock on the hot path.
type subStore struct {
	shards [shardCount]shard
}

type shard struct {
	mu   async.Mutex
	keys map[string]*keyRecord
}

func newSubStore() *subStore {
	s := &subStore{}
	for i := range s.shards {
		s.shards[i].keys = make(map[string]*keyRecord)
	}
	return s
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *subStore) record(key string, create bool) *keyRecord {
	sh := &s.shards[shardIndex(key)]
	sh.mu.Lock()
	rec, ok := sh.keys[key]
	if !ok && create {
		rec = &keyRecord{}
		sh.keys[key] = rec
	}
	sh.mu.Unlock()
	return rec
}

// Write inserts or replaces the entry for (key, txnIdx, incarnation).
func (s *subStore) Write(key string, txnIdx, incarnation uint32, value []byte, layout any) {
	rec := s.record(key, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.upsertLocked(&versionedEntry{
		version: entryValueKind,
		ver:     Version{TxnIdx: txnIdx, Incarnation: incarnation},
		value:   value,
		layout:  layout,
	})
}

// AddDelta records a delta entry at txnIdx (aggregator-v1 only),
// replacing any entry txnIdx already has at key.
func (s *subStore) AddDelta(key string, txnIdx, incarnation uint32, delta Delta) {
	rec := s.record(key, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.upsertLocked(&versionedEntry{
		version: entryDeltaKind,
		ver:     Version{TxnIdx: txnIdx, Incarnation: incarnation},
		delta:   delta,
	})
}

// upsertLocked replaces any existing entry at the same TxnIdx (regardless
// of its prior incarnation) with e, keeping entries ascending. Callers
// must hold rec.mu.
func (rec *keyRecord) upsertLocked(e *versionedEntry) {
	idx := sort.Search(len(rec.entries), func(i int) bool {
		return rec.entries[i].ver.TxnIdx >= e.ver.TxnIdx
	})
	if idx < len(rec.entries) && rec.entries[idx].ver.TxnIdx == e.ver.TxnIdx {
		rec.entries[idx] = e
		return
	}
	rec.entries = append(rec.entries, nil)
	copy(rec.entries[idx+1:], rec.entries[idx:])
	rec.entries[idx] = e
}

// MarkEstimate converts this index's latest write at key into an
// Estimate, used on abort of an already-published incarnation.
func (s *subStore) MarkEstimate(key string, txnIdx uint32) {
	rec := s.record(key, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.entries {
		if e.ver.TxnIdx == txnIdx {
			e.version = entryEstimateKind
			e.value = nil
			e.delta = Delta{}
			return
		}
	}
}

// Remove withdraws this index's entry entirely.
func (s *subStore) Remove(key string, txnIdx uint32) {
	rec := s.record(key, false)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, e := range rec.entries {
		if e.ver.TxnIdx == txnIdx {
			rec.entries = append(rec.entries[:i], rec.entries[i+1:]...)
			return
		}
	}
}

// DropIncarnation removes this index's entry only if it still belongs
// to incarnation: a background reclaimer can race a re-execution that
// already overwrote the slot with a newer incarnation, and must not
// clobber that newer entry.
func (s *subStore) DropIncarnation(key string, txnIdx, incarnation uint32) {
	rec := s.record(key, false)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, e := range rec.entries {
		if e.ver.TxnIdx == txnIdx && e.ver.Incarnation == incarnation {
			rec.entries = append(rec.entries[:i], rec.entries[i+1:]...)
			return
		}
	}
}

// PruneAbove withdraws every entry with TxnIdx >= from, across all
// keys. Used to reset speculative state before a sequential rerun.
func (s *subStore) PruneAbove(from uint32) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		recs := make([]*keyRecord, 0, len(sh.keys))
		for _, rec := range sh.keys {
			recs = append(recs, rec)
		}
		sh.mu.Unlock()

		for _, rec := range recs {
			rec.mu.Lock()
			kept := rec.entries[:0]
			for _, e := range rec.entries {
				if e.ver.TxnIdx < from {
					kept = append(kept, e)
				}
			}
			rec.entries = kept
			rec.mu.Unlock()
		}
	}
}

// ReadKind tags which of the four resolution outcomes a Read call
// produced.
type ReadKind uint8

const (
	ReadValue ReadKind = iota
	ReadDelta
	ReadDependency
	ReadUninitialized
)

// ReadResult is the outcome of resolving a read at some reader index.
type ReadResult struct {
	Kind        ReadKind
	Version     Version
	Value       []byte
	Layout      any
	Accumulated Delta // valid when Kind == ReadDelta: the folded run of deltas below the reader, still awaiting a base value
	Dependency  uint32
}

// Read returns the greatest entry with writer_idx < readerIdx. A Value
// entry returns directly; a run of Delta entries is accumulated walking
// leftward until a base Value is found (or the run is exhausted, which
// returns ReadDelta with the accumulated run so the caller folds it
// onto the base view); an Estimate returns Dependency so the caller
// suspends.
func (s *subStore) Read(key string, readerIdx uint32) ReadResult {
	rec := s.record(key, false)
	if rec == nil {
		return ReadResult{Kind: ReadUninitialized}
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	// entries are sorted ascending by TxnIdx; find the greatest one below readerIdx.
	hi := sort.Search(len(rec.entries), func(i int) bool {
		return rec.entries[i].ver.TxnIdx >= readerIdx
	})
	if hi == 0 {
		return ReadResult{Kind: ReadUninitialized}
	}

	accumulated := Delta{Positive: true, Magnitude: uint256.NewInt(0)}
	haveAccum := false
	for i := hi - 1; i >= 0; i-- {
		e := rec.entries[i]
		switch e.version {
		case entryEstimateKind:
			return ReadResult{Kind: ReadDependency, Dependency: e.ver.TxnIdx}
		case entryValueKind:
			if !haveAccum {
				return ReadResult{Kind: ReadValue, Version: e.ver, Value: e.value, Layout: e.layout}
			}
			resolved, err := accumulated.Apply(mustUint256(e.value))
			if err != nil {
				// Surfaced by the caller as a DeltaApplicationFailure; we
				// still return the accumulated run so validation can react.
				return ReadResult{Kind: ReadDelta, Version: e.ver, Accumulated: accumulated}
			}
			return ReadResult{Kind: ReadValue, Version: e.ver, Value: resolved.Bytes()}
		case entryDeltaKind:
			if !haveAccum {
				accumulated = e.delta
				haveAccum = true
				continue
			}
			combined, err := Combine(accumulated, e.delta)
			if err != nil {
				return ReadResult{Kind: ReadDelta, Version: e.ver, Accumulated: accumulated}
			}
			accumulated = combined
		}
	}
	if haveAccum {
		return ReadResult{Kind: ReadDelta, Accumulated: accumulated}
	}
	return ReadResult{Kind: ReadUninitialized}
}

// MaterializeDelta finalizes an aggregator-v1 value at idx using all
// deltas up through idx-1 plus idx's own deltas, folded onto base.
func (s *subStore) MaterializeDelta(key string, idx uint32, base *uint256.Int) (*uint256.Int, error) {
	rec := s.record(key, false)
	if rec == nil {
		return base, nil
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	acc := new(uint256.Int).Set(base)
	for _, e := range rec.entries {
		if e.ver.TxnIdx > idx {
			break
		}
		switch e.version {
		case entryDeltaKind:
			next, err := e.delta.Apply(acc)
			if err != nil {
				return nil, err
			}
			acc = next
		case entryValueKind:
			acc = mustUint256(e.value)
		}
	}
	return acc, nil
}

func mustUint256(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}
