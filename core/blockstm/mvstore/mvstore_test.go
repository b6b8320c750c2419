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
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestReadSeesGreatestEntryBelowReader(t *testing.T) {
	s := New()
	k := Key{Kind: KindResource, Path: "k"}

	s.Write(k, 0, 0, []byte("A"), nil)
	s.Write(k, 2, 0, []byte("C"), nil)

	res := s.Read(k, 3)
	require.Equal(t, ReadValue, res.Kind)
	require.Equal(t, []byte("C"), res.Value)

	res = s.Read(k, 2)
	require.Equal(t, ReadValue, res.Kind)
	require.Equal(t, []byte("A"), res.Value)

	res = s.Read(k, 0)
	require.Equal(t, ReadUninitialized, res.Kind)
}

func TestMarkEstimateYieldsDependency(t *testing.T) {
	s := New()
	k := Key{Kind: KindResource, Path: "k"}
	s.Write(k, 1, 0, []byte("B"), nil)
	s.MarkEstimate(k, 1)

	res := s.Read(k, 2)
	require.Equal(t, ReadDependency, res.Kind)
	require.EqualValues(t, 1, res.Dependency)
}

func TestEstimateWithoutFollowupWriteResolvesToNextOlder(t *testing.T) {
	// An estimate is a hint, not a tombstone: if the writer's retry
	// doesn't rewrite the key, readers must fall back to the next-older
	// write once the estimate is removed.
	s := New()
	k := Key{Kind: KindResource, Path: "k"}
	s.Write(k, 0, 0, []byte("A"), nil)
	s.Write(k, 1, 0, []byte("B"), nil)
	s.MarkEstimate(k, 1)
	s.Remove(k, 1)

	res := s.Read(k, 2)
	require.Equal(t, ReadValue, res.Kind)
	require.Equal(t, []byte("A"), res.Value)
}

func TestDeltaAccumulatesAcrossIndicesThenMaterializes(t *testing.T) {
	s := New()
	k := Key{Kind: KindResource, Path: "counter"}
	base := uint256.NewInt(100)

	s.Data.AddDelta(k.Path, 0, 0, PositiveDelta(5))
	s.Data.AddDelta(k.Path, 1, 0, PositiveDelta(3))

	v0, err := s.Data.MaterializeDelta(k.Path, 0, base)
	require.NoError(t, err)
	require.Equal(t, uint64(105), v0.Uint64())

	v1, err := s.Data.MaterializeDelta(k.Path, 1, base)
	require.NoError(t, err)
	require.Equal(t, uint64(108), v1.Uint64())
}

func TestDeltaUnderflowReturnsOverflowError(t *testing.T) {
	s := New()
	k := Key{Kind: KindResource, Path: "counter"}
	s.Data.AddDelta(k.Path, 0, 0, NegativeDelta(5))

	_, err := s.Data.MaterializeDelta(k.Path, 0, uint256.NewInt(2))
	require.ErrorIs(t, err, ErrDeltaOverflow)
}

func TestPruneAboveResetsSpeculativeEntries(t *testing.T) {
	s := New()
	k := Key{Kind: KindResource, Path: "k"}
	s.Write(k, 0, 0, []byte("committed"), nil)
	s.Write(k, 3, 2, []byte("speculative"), nil)
	s.MarkEstimate(k, 3)

	s.PruneAbove(1)

	res := s.Read(k, 5)
	require.Equal(t, ReadValue, res.Kind)
	require.Equal(t, []byte("committed"), res.Value)
}

func TestGroupWriteSupersetTracksUpdatesOutside(t *testing.T) {
	g := newGroupStore()

	superset := g.WriteGroup("grp", 0, 0, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	require.True(t, superset) // incarnation 0 has no previous incarnation to compare against

	superset = g.WriteGroup("grp", 0, 1, map[string][]byte{"a": []byte("1b")})
	require.False(t, superset) // dropped tag "b" relative to incarnation 0

	final := g.FinalizeGroup("grp", 0)
	require.Equal(t, map[string][]byte{"a": []byte("1b")}, final)
}

func TestGroupEstimateYieldsDependencyForLaterReaders(t *testing.T) {
	g := newGroupStore()
	g.WriteGroup("grp", 1, 0, map[string][]byte{"a": []byte("1")})
	g.MarkEstimate("grp", 1)

	res := g.ReadMember("grp", "a", 2)
	require.Equal(t, ReadDependency, res.Kind)
	require.EqualValues(t, 1, res.Dependency)

	// A fresh write at the next incarnation clears the estimate.
	g.WriteGroup("grp", 1, 1, map[string][]byte{"a": []byte("2")})
	res = g.ReadMember("grp", "a", 2)
	require.Equal(t, ReadValue, res.Kind)
	require.Equal(t, []byte("2"), res.Value)
}

func TestSnapshotSeesOnlyIndicesBelow(t *testing.T) {
	g := newGroupStore()
	g.WriteGroup("grp", 0, 0, map[string][]byte{"a": []byte("1")})
	g.WriteGroup("grp", 2, 0, map[string][]byte{"a": []byte("2")})

	require.Empty(t, g.Snapshot("grp", 0))
	require.Equal(t, map[string][]byte{"a": []byte("1")}, g.Snapshot("grp", 2))
	require.Equal(t, map[string][]byte{"a": []byte("2")}, g.Snapshot("grp", 3))
}

func TestFinalizeGroupOnlySeesWritesUpToIdx(t *testing.T) {
	g := newGroupStore()
	g.WriteGroup("grp", 0, 0, map[string][]byte{"a": []byte("1")})
	g.WriteGroup("grp", 2, 0, map[string][]byte{"a": []byte("2")})

	require.Equal(t, map[string][]byte{"a": []byte("1")}, g.FinalizeGroup("grp", 1))
	require.Equal(t, map[string][]byte{"a": []byte("2")}, g.FinalizeGroup("grp", 2))
}
