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

// Package reclaim drops superseded multi-version-store entries in the
// background once no in-flight transaction can still read them, so a
// long-running block executor doesn't hold every discarded incarnation's
// writes in memory for the whole block.
package reclaim

import (
	"context"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"
)

// Dropped is one superseded incarnation's set of writes, handed off by
// the executor once a later incarnation at the same index has made
// them unreachable.
type Dropped struct {
	TxnIdx      uint32
	Incarnation uint32
	Keys        []string
}

// Store is the narrow slice of the multi-version store the worker needs
// to actually free an incarnation's entries.
type Store interface {
	DropIncarnation(key string, txnIdx, incarnation uint32)
}

// Worker drains a channel of Dropped batches and applies them to Store
// on its own goroutine, off the hot commit/validate path. It logs slow
// progress on a ticker and exits cleanly on cancellation.
type Worker struct {
	Store       Store
	Queue       chan Dropped
	LogInterval time.Duration
}

func NewWorker(store Store, queueDepth int) *Worker {
	return &Worker{
		Store:       store,
		Queue:       make(chan Dropped, queueDepth),
		LogInterval: 20 * time.Second,
	}
}

// Enqueue schedules one incarnation's keys for reclamation. It never
// blocks the caller past the queue's buffer: on a full queue it returns
// false and leaves the drop to the caller.
func (w *Worker) Enqueue(d Dropped) bool {
	select {
	case w.Queue <- d:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is cancelled or Close is called
// (closing Queue). It logs a heartbeat if the queue backs up so an
// operator can tell reclamation is falling behind the executor.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.LogInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var processed uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-w.Queue:
			if !ok {
				return nil
			}
			for _, key := range d.Keys {
				w.Store.DropIncarnation(key, d.TxnIdx, d.Incarnation)
			}
			processed++
		case <-ticker.C:
			if backlog := len(w.Queue); backlog > 0 {
				log.Warn("reclaim worker backlog", "pending", backlog, "processed", processed)
			}
		}
	}
}

// Close signals Run to exit once the queue drains.
func (w *Worker) Close() {
	close(w.Queue)
}
