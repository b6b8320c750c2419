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

// Package mvstore implements the multi-version data store that backs
// speculative execution: a versioned map of writes per key, keyed by
// (transaction index, incarnation), with estimate marks and delta
// application for aggregator-v1-style counters.
package mvstore

// Kind partitions the key space into the three disjoint kinds the block
// executor distinguishes: ordinary resources (and aggregator-v1 counters),
// module bytecode, and resource-group containers.
type Kind uint8

const (
	KindResource Kind = iota
	KindModule
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindModule:
		return "module"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Key addresses a single versioned slot in the store. Path is an opaque,
// caller-determined encoding of the address (e.g. account||struct-tag);
// callers are responsible for making it a stable, comparable string.
type Key struct {
	Kind Kind
	Path string
}

// Version stamps a write with its (txn_idx, incarnation) pair.
// Incarnation increases on every re-execution of the same index; higher
// TxnIdx is a later transaction.
type Version struct {
	TxnIdx      uint32
	Incarnation uint32
}

// Less orders versions: by TxnIdx first, then by Incarnation, so at the
// same index the higher incarnation wins.
func (v Version) Less(o Version) bool {
	if v.TxnIdx != o.TxnIdx {
		return v.TxnIdx < o.TxnIdx
	}
	return v.Incarnation < o.Incarnation
}

func (v Version) Equal(o Version) bool {
	return v.TxnIdx == o.TxnIdx && v.Incarnation == o.Incarnation
}
