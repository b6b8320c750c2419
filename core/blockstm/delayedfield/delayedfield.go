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

// Package delayedfield implements the delayed-field store:
// aggregator-like numeric fields whose concrete value is determined
// only at commit time, folded from a log of speculative changes. The
// append-only log is kept separate from a monotone per-id
// commit-frontier; TryCommit is a transactional advance of that
// frontier.
package delayedfield

import (
	"sort"

	async "github.com/anacrolix/sync"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/erigontech/parallel-executor/core/blockstm/mvstore"
)

// ChangeKind distinguishes the two shapes a speculative change can take.
type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota
	ChangeApply
)

// BaseRef names which value an Apply change folds onto: the last
// committed value (Previous), or the value already produced by an
// earlier change at the same transaction index (Current).
type BaseRef uint8

const (
	BasePrevious BaseRef = iota
	BaseCurrent
)

// Op is the numeric operation an Apply change performs, reusing mvstore's
// overflow-checked delta arithmetic since both are aggregator-v1-style
// accumulators.
type Op = mvstore.Delta

// Change is one entry in a delayed field's speculative log.
type Change struct {
	Kind    ChangeKind
	Value   *uint256.Int // valid when Kind == ChangeCreate
	Op      Op           // valid when Kind == ChangeApply
	BaseRef BaseRef
}

// CodeInvariantError signals a structural inconsistency in the recorded
// change log (e.g. a Create appearing after history already exists): a
// hard internal-invariant violation, never a concurrency outcome.
type CodeInvariantError struct {
	Reason string
}

func (e CodeInvariantError) Error() string { return "delayedfield: code invariant: " + e.Reason }

// DeltaApplicationFailure is a soft failure: the change cannot be applied
// against current history. The caller flags the read set so the
// incarnation will invalidate on validation.
type DeltaApplicationFailure struct {
	ID     string
	Reason string
}

func (e DeltaApplicationFailure) Error() string {
	return errors.Wrapf(mvstore.ErrDeltaOverflow, "delayedfield: id=%s: %s", e.ID, e.Reason).Error()
}

// ErrReExecutionNeeded is returned by TryCommit when the commit-phase
// observed a change that cannot fold, forcing one more re-execution of
// the owning transaction.
var ErrReExecutionNeeded = errors.New("delayedfield: re-execution needed")

type loggedChange struct {
	ver mvstore.Version
	seq int
	ch  Change
}

type fieldRecord struct {
	mu             async.RWMutex
	log            []loggedChange
	frontier       int // number of leading log entries already folded into committedValue
	committedValue *uint256.Int
	hasCommitted   bool
}

// Store holds every delayed field's log and commit frontier.
type Store struct {
	mu     async.Mutex
	fields map[string]*fieldRecord
}

func New() *Store {
	return &Store{fields: make(map[string]*fieldRecord)}
}

func (s *Store) field(id string, create bool) *fieldRecord {
	s.mu.Lock()
	rec, ok := s.fields[id]
	if !ok && create {
		rec = &fieldRecord{}
		s.fields[id] = rec
	}
	s.mu.Unlock()
	return rec
}

// RecordChange appends a speculative change to id's log at (txnIdx,
// incarnation, seq). A later incarnation's changes replace an earlier
// incarnation's at the same txnIdx.
func (s *Store) RecordChange(id string, txnIdx, incarnation uint32, seq int, ch Change) error {
	rec := s.field(id, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	ver := mvstore.Version{TxnIdx: txnIdx, Incarnation: incarnation}

	filtered := rec.log[:0:0]
	for _, e := range rec.log {
		if e.ver.TxnIdx == txnIdx && e.ver.Incarnation != incarnation {
			continue // stale attempt from a superseded incarnation
		}
		filtered = append(filtered, e)
	}
	rec.log = filtered

	if ch.Kind == ChangeCreate {
		for _, e := range rec.log {
			if e.ver.TxnIdx < txnIdx {
				return CodeInvariantError{Reason: "Create recorded after field already has earlier history"}
			}
		}
	}

	if ch.Kind == ChangeApply && ch.BaseRef == BaseCurrent {
		hasSameIndexPrior := rec.hasCommitted && rec.frontier > 0
		for _, e := range rec.log {
			if e.ver.TxnIdx == txnIdx && e.seq < seq {
				hasSameIndexPrior = true
			}
		}
		if !hasSameIndexPrior {
			return DeltaApplicationFailure{ID: id, Reason: "Current base-ref with no same-index prior value"}
		}
	}

	rec.log = append(rec.log, loggedChange{ver: ver, seq: seq, ch: ch})
	sort.SliceStable(rec.log, func(i, j int) bool {
		if rec.log[i].ver.TxnIdx != rec.log[j].ver.TxnIdx {
			return rec.log[i].ver.TxnIdx < rec.log[j].ver.TxnIdx
		}
		return rec.log[i].seq < rec.log[j].seq
	})
	return nil
}

// MarkEstimate is the delayed-field counterpart of
// mvstore.Store.MarkEstimate: it drops txnIdx's changes from the log.
// No Estimate marker is left behind and readers fold past the gap
// without reporting a dependency; reads are checked again at commit
// time via TryCommit/validate, and removing the entries is sufficient
// to force a re-fold on the next commit.
func (s *Store) MarkEstimate(id string, txnIdx uint32) {
	s.Remove(id, txnIdx)
}

// Remove withdraws txnIdx's changes to id entirely.
func (s *Store) Remove(id string, txnIdx uint32) {
	rec := s.field(id, false)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	filtered := rec.log[:0:0]
	for _, e := range rec.log {
		if e.ver.TxnIdx != txnIdx {
			filtered = append(filtered, e)
		}
	}
	rec.log = filtered
}

// TryCommit atomically commits all listed fields' pending changes at
// txnIdx (folding history [0..txnIdx], per invariant 5): every id is
// dry-run folded first, and only if every single one resolves does any
// of them actually advance its commit frontier. A transaction that
// touches several delayed fields in one incarnation must not have some
// of them commit while others are sent back for re-execution, since the
// re-executed incarnation would then be folding its changes onto a
// partially-committed view of its own prior attempt.
func (s *Store) TryCommit(txnIdx uint32, ids []string) (needsReExecution []string, err error) {
	type plannedCommit struct {
		rec      *fieldRecord
		frontier int
		value    *uint256.Int
	}
	plans := make([]plannedCommit, 0, len(ids))
	for _, id := range ids {
		rec := s.field(id, false)
		if rec == nil {
			continue
		}
		frontier, value, ok := foldRecord(rec, txnIdx)
		if !ok {
			needsReExecution = append(needsReExecution, id)
			continue
		}
		plans = append(plans, plannedCommit{rec: rec, frontier: frontier, value: value})
	}
	if len(needsReExecution) > 0 {
		return needsReExecution, ErrReExecutionNeeded
	}

	for _, p := range plans {
		p.rec.mu.Lock()
		if p.frontier > p.rec.frontier {
			p.rec.frontier = p.frontier
			p.rec.committedValue = p.value
			p.rec.hasCommitted = true
		}
		p.rec.mu.Unlock()
	}
	return nil, nil
}

// foldRecord computes what rec's commit frontier and value would become
// if folded through txnIdx, without mutating rec, so TryCommit can
// dry-run every field in a batch before committing any of them.
func foldRecord(rec *fieldRecord, txnIdx uint32) (frontier int, value *uint256.Int, ok bool) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	groupBase := rec.committedValue
	var groupTxn uint32
	haveGroupTxn := false
	running := rec.committedValue

	foldedThrough := rec.frontier
	for i := rec.frontier; i < len(rec.log); i++ {
		e := rec.log[i]
		if e.ver.TxnIdx > txnIdx {
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
				return 0, nil, false
			}
			applied, applyErr := e.ch.Op.Apply(base)
			if applyErr != nil {
				return 0, nil, false
			}
			running = applied
		}
		foldedThrough = i + 1
	}

	return foldedThrough, running, true
}

// CommittedValue returns the field's value as of the last successful
// TryCommit, if any.
func (s *Store) CommittedValue(id string) (*uint256.Int, bool) {
	rec := s.field(id, false)
	if rec == nil {
		return nil, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if !rec.hasCommitted {
		return nil, false
	}
	return rec.committedValue, true
}

// PruneAbove withdraws every logged change with TxnIdx >= from across
// all fields, resetting speculative state so a sequential rerun folds
// only the committed history. Entries below a field's commit frontier
// always belong to committed indices and are untouched.
func (s *Store) PruneAbove(from uint32) {
	s.mu.Lock()
	recs := make([]*fieldRecord, 0, len(s.fields))
	for _, rec := range s.fields {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		kept := rec.log[:0]
		for _, e := range rec.log {
			if e.ver.TxnIdx < from {
				kept = append(kept, e)
			}
		}
		rec.log = kept
		if rec.frontier > len(kept) {
			rec.frontier = len(kept)
		}
		rec.mu.Unlock()
	}
}
