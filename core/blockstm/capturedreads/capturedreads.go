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

// Package capturedreads records, per incarnation, every read an
// executing transaction observed, so a later validation pass can replay
// those reads against the current store state.
package capturedreads

import (
	"golang.org/x/crypto/sha3"

	"github.com/pkg/errors"

	"github.com/erigontech/parallel-executor/core/blockstm/delayedfield"
	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
)

// ErrIncorrectUse is returned when a validation pass discovers a record
// whose IncorrectUse flag is set: the VM read a key through the
// captured-read path after this same incarnation had already recorded a
// write to it, which is an engine/VM wiring bug rather than a
// concurrency artifact.
var ErrIncorrectUse = errors.New("capturedreads: read recorded after write to the same key")

// valueDigest identifies what a read observed without holding on to
// the full value bytes.
type valueDigest [32]byte

func digest(b []byte) valueDigest {
	return sha3.Sum256(b)
}

// DataRead is one observed (key, resolution, value-or-delta) triple.
// For a value read the digest covers the resolved bytes; for a delta
// read it covers the accumulated delta itself, so a later delta landing
// under the reader shows up as a mismatch even though neither
// resolution carries a concrete value.
type DataRead struct {
	Key      mvstore.Key
	Resolved mvstore.ReadKind
	Version  mvstore.Version
	Digest   valueDigest
}

// deltaDigest folds a delta's sign and magnitude into the same digest
// space value reads use.
func deltaDigest(d mvstore.Delta) valueDigest {
	sign := byte(0)
	if d.Positive {
		sign = 1
	}
	b := []byte{sign}
	if d.Magnitude != nil {
		b = append(b, d.Magnitude.Bytes()...)
	}
	return digest(b)
}

// GroupReadKind distinguishes why a resource-group member was read, so
// validation and the commit pipeline's group-finalization step can tell
// a plain value read from one that only needed the group for
// delayed-field exchange, instead of collapsing both into a single
// boolean "read happened" flag.
type GroupReadKind uint8

const (
	// GroupReadUnused is the zero value: a plain group-member read with
	// no delayed-field exchange involved.
	GroupReadUnused GroupReadKind = iota
	// GroupReadNeedsExchange marks a read performed only to materialize
	// a delayed field's exchange value against the group's other
	// members, not because the VM needed the member's value itself.
	GroupReadNeedsExchange
	// GroupReadModified marks a read of a tag this same incarnation has
	// already written (or will go on to write), e.g. a read-modify-write
	// sequence on one group member.
	GroupReadModified
)

// GroupRead is one observed group-member (or group-metadata) read.
type GroupRead struct {
	GroupAddr string
	Tag       string
	Kind      GroupReadKind
	HadValue  bool
	Version   mvstore.Version
	Digest    valueDigest
}

// ModuleRead is one observed module-bytecode read, tracked separately so
// module read/write conflicts can be detected.
type ModuleRead struct {
	Key     mvstore.Key
	Version mvstore.Version
}

// Record is the thread-local captured-read structure collected while one
// incarnation's VM execution runs.
type Record struct {
	DataReads         []DataRead
	GroupReads        []GroupRead
	DelayedFieldReads []delayedfield.RecordedRead
	ModuleReads       []ModuleRead

	writtenKeys map[mvstore.Key]struct{}
	moduleWrite map[mvstore.Key]struct{}

	// IncorrectUse is raised when the VM misuses the capture API, e.g.
	// reading a key through the captured-read path after already
	// recording a write to it.
	IncorrectUse bool

	// DelayedFieldFailure is raised when applying one of this
	// incarnation's delayed-field changes failed softly (the change
	// could not fold against the history it speculated on). The flag
	// makes the next validation of this incarnation fail
	// deterministically, so it is re-executed instead of committed with
	// the change silently dropped.
	DelayedFieldFailure bool
}

func New() *Record {
	return &Record{
		writtenKeys: make(map[mvstore.Key]struct{}),
		moduleWrite: make(map[mvstore.Key]struct{}),
	}
}

func (r *Record) RecordWrite(key mvstore.Key) {
	r.writtenKeys[key] = struct{}{}
	if key.Kind == mvstore.KindModule {
		r.moduleWrite[key] = struct{}{}
	}
}

func (r *Record) RecordDataRead(key mvstore.Key, res mvstore.ReadResult) {
	if _, written := r.writtenKeys[key]; written {
		r.IncorrectUse = true
	}
	dr := DataRead{Key: key, Resolved: res.Kind}
	switch res.Kind {
	case mvstore.ReadValue:
		dr.Version = res.Version
		dr.Digest = digest(res.Value)
	case mvstore.ReadDelta:
		dr.Digest = deltaDigest(res.Accumulated)
	}
	r.DataReads = append(r.DataReads, dr)

	if key.Kind == mvstore.KindModule {
		r.ModuleReads = append(r.ModuleReads, ModuleRead{Key: key, Version: res.Version})
	}
}

func (r *Record) RecordGroupRead(groupAddr, tag string, kind GroupReadKind, res mvstore.ReadResult) {
	gr := GroupRead{GroupAddr: groupAddr, Tag: tag, Kind: kind, HadValue: res.Kind == mvstore.ReadValue}
	if gr.HadValue {
		gr.Version = res.Version
		gr.Digest = digest(res.Value)
	}
	r.GroupReads = append(r.GroupReads, gr)
}

func (r *Record) RecordDelayedFieldRead(read delayedfield.RecordedRead) {
	r.DelayedFieldReads = append(r.DelayedFieldReads, read)
}

// FlagDelayedFieldFailure marks this incarnation as carrying a
// delayed-field change that failed to apply.
func (r *Record) FlagDelayedFieldFailure() {
	r.DelayedFieldFailure = true
}

// ConflictingModulePath returns the path of a module key this
// incarnation both read and wrote, if any. RecordWrite must have been
// called for the write side for this to see it; a VM task that only
// returns its writes in Output.Writes relies on its caller to record
// them before checking this.
func (r *Record) ConflictingModulePath() (string, bool) {
	for _, mr := range r.ModuleReads {
		if _, ok := r.moduleWrite[mr.Key]; ok {
			return mr.Key.Path, true
		}
	}
	return "", false
}

// HasModuleReadWriteConflict reports whether this incarnation both read
// and wrote the same module key, which triggers
// ModulePathReadWriteError and a sequential-fallback decision upstream.
func (r *Record) HasModuleReadWriteConflict() bool {
	_, ok := r.ConflictingModulePath()
	return ok
}

// ValidateDataReads replays every recorded data read against store as of
// readerIdx and reports whether they all still match.
func (r *Record) ValidateDataReads(store *mvstore.Store, readerIdx uint32) bool {
	for _, dr := range r.DataReads {
		res := store.Read(dr.Key, readerIdx)
		if res.Kind == mvstore.ReadDependency {
			return false
		}
		if res.Kind != dr.Resolved {
			return false
		}
		switch res.Kind {
		case mvstore.ReadValue:
			if !res.Version.Equal(dr.Version) || digest(res.Value) != dr.Digest {
				return false
			}
		case mvstore.ReadDelta:
			if deltaDigest(res.Accumulated) != dr.Digest {
				return false
			}
		}
	}
	return true
}

// ValidateGroupReads replays every recorded group-member read.
func (r *Record) ValidateGroupReads(groups *mvstore.GroupStore, readerIdx uint32) bool {
	for _, gr := range r.GroupReads {
		res := groups.ReadMember(gr.GroupAddr, gr.Tag, readerIdx)
		hadValue := res.Kind == mvstore.ReadValue
		if hadValue != gr.HadValue {
			return false
		}
		if hadValue {
			if !res.Version.Equal(gr.Version) || digest(res.Value) != gr.Digest {
				return false
			}
		}
	}
	return true
}

// ValidateDelayedFieldReads replays every recorded delayed-field read.
// An incarnation flagged with a delayed-field application failure never
// validates: it must re-execute.
func (r *Record) ValidateDelayedFieldReads(store *delayedfield.Store) bool {
	if r.DelayedFieldFailure {
		return false
	}
	return store.ValidateDelayedFieldReads(r.DelayedFieldReads)
}
