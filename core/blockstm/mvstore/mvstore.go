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

// Store bundles the per-kind sub-stores that share the version
// discipline: Data covers resources and aggregator-v1 counters, Modules
// covers bytecode, Groups covers resource-group containers. The
// delayed-field log lives in the sibling delayedfield package, not here.
type Store struct {
	Data    *subStore
	Modules *subStore
	Groups  *GroupStore
}

func New() *Store {
	return &Store{
		Data:    newSubStore(),
		Modules: newSubStore(),
		Groups:  newGroupStore(),
	}
}

// Write is a convenience wrapper over the per-kind sub-store's Write.
func (s *Store) Write(key Key, txnIdx, incarnation uint32, value []byte, layout any) {
	s.subStoreFor(key.Kind).Write(key.Path, txnIdx, incarnation, value, layout)
}

func (s *Store) AddDelta(key Key, txnIdx, incarnation uint32, delta Delta) {
	s.Data.AddDelta(key.Path, txnIdx, incarnation, delta)
}

func (s *Store) MarkEstimate(key Key, txnIdx uint32) {
	s.subStoreFor(key.Kind).MarkEstimate(key.Path, txnIdx)
}

func (s *Store) Remove(key Key, txnIdx uint32) {
	s.subStoreFor(key.Kind).Remove(key.Path, txnIdx)
}

func (s *Store) Read(key Key, readerIdx uint32) ReadResult {
	return s.subStoreFor(key.Kind).Read(key.Path, readerIdx)
}

// DropIncarnation discards a superseded incarnation's resource entry
// from the Data sub-store, for the background reclamation worker. Keyed
// by plain path rather than Key since the reclaimer only ever deals in
// resource entries, the only ones that accumulate meaningfully between
// commits.
func (s *Store) DropIncarnation(key string, txnIdx, incarnation uint32) {
	s.Data.DropIncarnation(key, txnIdx, incarnation)
}

// PruneAbove withdraws every entry with TxnIdx >= from across all three
// sub-stores, resetting speculative state so a sequential rerun starts
// from the committed prefix only.
func (s *Store) PruneAbove(from uint32) {
	s.Data.PruneAbove(from)
	s.Modules.PruneAbove(from)
	s.Groups.PruneAbove(from)
}

// ReadGroupMember is a convenience wrapper over Groups.ReadMember.
func (s *Store) ReadGroupMember(groupAddr, tag string, readerIdx uint32) ReadResult {
	return s.Groups.ReadMember(groupAddr, tag, readerIdx)
}

func (s *Store) subStoreFor(k Kind) *subStore {
	if k == KindModule {
		return s.Modules
	}
	return s.Data
}
