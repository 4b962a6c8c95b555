// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync/atomic"
)

type itemKey struct {
	table string
	id    string
}

// Queue is the durable, sequenced log of pending operations.
// All reads and writes of its index happen under one exclusive lock; the lock is never held
// across a remote call.
type Queue struct {
	store  OperationStore
	logger *slog.Logger
	lock   queueLock

	initialized  bool
	byID         map[string]*Operation
	byItem       map[itemKey]*Operation
	ordered      []*Operation // ascending Sequence
	nextSequence int64
	pending      atomic.Int64

	// dropErrors deletes the recorded errors of operations removed without being pushed
	dropErrors func(ctx context.Context, ids ...string) error
}

// NewQueue creates an uninitialized queue backed by store
func NewQueue(store OperationStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:        store,
		logger:       logger,
		lock:         newQueueLock(),
		byID:         make(map[string]*Operation),
		byItem:       make(map[itemKey]*Operation),
		nextSequence: 1,
	}
}

// Initialize loads persisted operations. Calls after the first successful one are no-ops.
func (q *Queue) Initialize(ctx context.Context) error {
	release, err := q.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if q.initialized {
		return nil
	}

	recs, err := q.store.LoadOperations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load operations: %w", err)
	}

	ops := make([]*Operation, 0, len(recs))
	for _, rec := range recs {
		op, err := OperationFromRecord(rec)
		if err != nil {
			return err
		}
		if op.State == StateCompleted {
			if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
				return fmt.Errorf("failed to delete completed operation %s: %w", op.ID, err)
			}
			continue
		}
		ops = append(ops, op)
	}
	slices.SortFunc(ops, func(a, b *Operation) int { return cmp.Compare(a.Sequence, b.Sequence) })

	byID := make(map[string]*Operation, len(ops))
	byItem := make(map[itemKey]*Operation, len(ops))
	next := int64(1)
	for i, op := range ops {
		if i > 0 && ops[i-1].Sequence == op.Sequence {
			return fmt.Errorf("operations %s and %s share sequence %d", ops[i-1].ID, op.ID, op.Sequence)
		}
		key := itemKey{op.TableName, op.ItemID}
		if other, ok := byItem[key]; ok {
			return fmt.Errorf("operations %s and %s both target %s/%s", other.ID, op.ID, op.TableName, op.ItemID)
		}
		byID[op.ID] = op
		byItem[key] = op
		next = op.Sequence + 1
	}

	q.byID = byID
	q.byItem = byItem
	q.ordered = ops
	q.nextSequence = next
	q.pending.Store(int64(len(ops)))
	q.initialized = true

	q.logger.Debug("operations queue initialized", "pending", len(ops), "next_sequence", next)
	return nil
}

// IsInitialized reports whether Initialize has completed
func (q *Queue) IsInitialized(ctx context.Context) (bool, error) {
	release, err := q.lock.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return q.initialized, nil
}

// PendingCount returns the number of operations in the queue
func (q *Queue) PendingCount() int64 {
	return q.pending.Load()
}

// withLock runs fn holding the queue lock on an initialized queue
func (q *Queue) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := q.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if !q.initialized {
		return ErrQueueNotInitialized
	}
	return fn(ctx)
}

// Enqueue adds op to the queue, collapsing it with the pending operation of the same item.
//
// apply, when not nil, runs under the lock after the collapse is validated and before anything is
// persisted; an apply failure leaves the queue unchanged. Enqueue returns the operation now pending
// for the item, or nil when collapsing left nothing to send.
func (q *Queue) Enqueue(ctx context.Context, op *Operation, apply func(ctx context.Context) error) (*Operation, error) {
	var active *Operation
	err := q.withLock(ctx, func(ctx context.Context) error {
		existing := q.byItem[itemKey{op.TableName, op.ItemID}]
		if existing != nil {
			if err := existing.ValidateCollapse(op); err != nil {
				return err
			}
		}
		if apply != nil {
			if err := apply(ctx); err != nil {
				return err
			}
		}

		if existing == nil {
			if err := q.appendLocked(ctx, op); err != nil {
				return err
			}
			active = op.clone()
			return nil
		}

		merged := existing.clone()
		merged.updated = false
		if err := merged.CollapseWith(op); err != nil {
			return err
		}
		switch {
		case merged.IsCancelled():
			if err := q.discardErrorsLocked(ctx, existing.ID); err != nil {
				return err
			}
			if err := q.deleteLocked(ctx, existing); err != nil {
				return err
			}
		case merged.IsUpdated():
			if err := q.persistLocked(ctx, merged); err != nil {
				return err
			}
			*existing = *merged
			active = existing.clone()
		}
		if !op.cancelled {
			if err := q.appendLocked(ctx, op); err != nil {
				return err
			}
			active = op.clone()
		}
		q.logger.Debug("operation collapsed",
			"table", op.TableName, "item_id", op.ItemID,
			"existing", existing.Kind, "incoming", op.Kind,
			"existing_cancelled", merged.cancelled, "incoming_cancelled", op.cancelled)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// LookupByItem returns a copy of the pending operation for the item, or nil
func (q *Queue) LookupByItem(ctx context.Context, table, itemID string) (*Operation, error) {
	var found *Operation
	err := q.withLock(ctx, func(ctx context.Context) error {
		if op := q.byItem[itemKey{table, itemID}]; op != nil {
			found = op.clone()
		}
		return nil
	})
	return found, err
}

// LookupByID returns a copy of the operation with the given id, or nil
func (q *Queue) LookupByID(ctx context.Context, id string) (*Operation, error) {
	var found *Operation
	err := q.withLock(ctx, func(ctx context.Context) error {
		if op := q.byID[id]; op != nil {
			found = op.clone()
		}
		return nil
	})
	return found, err
}

// Peek returns a copy of the operation with the lowest sequence greater than after,
// restricted to tables when any are given. It returns nil when there is none.
func (q *Queue) Peek(ctx context.Context, after int64, tables ...string) (*Operation, error) {
	var found *Operation
	err := q.withLock(ctx, func(ctx context.Context) error {
		i, _ := slices.BinarySearchFunc(q.ordered, after+1, func(op *Operation, seq int64) int {
			return cmp.Compare(op.Sequence, seq)
		})
		for ; i < len(q.ordered); i++ {
			op := q.ordered[i]
			if len(tables) == 0 || slices.Contains(tables, op.TableName) {
				found = op.clone()
				return nil
			}
		}
		return nil
	})
	return found, err
}

// InOrder yields copies of the queued operations in ascending sequence order. The lock is taken
// for each step only, so operations enqueued while iterating are yielded too. Iterate again to restart.
func (q *Queue) InOrder(ctx context.Context, tables ...string) iter.Seq2[*Operation, error] {
	return func(yield func(*Operation, error) bool) {
		var last int64
		for {
			op, err := q.Peek(ctx, last, tables...)
			if err != nil {
				yield(nil, err)
				return
			}
			if op == nil {
				return
			}
			last = op.Sequence
			if !yield(op, nil) {
				return
			}
		}
	}
}

// Remove deletes the operation if it still has the given version
func (q *Queue) Remove(ctx context.Context, id string, version int64) (bool, error) {
	var removed bool
	err := q.withLock(ctx, func(ctx context.Context) error {
		var err error
		removed, err = q.removeLocked(ctx, id, version)
		return err
	})
	return removed, err
}

// Update replaces the payload of the operation with the given version, bumps its version and
// resets it to pending. It fails with ErrOperationChanged when the version no longer matches.
func (q *Queue) Update(ctx context.Context, id string, version int64, item Item) (*Operation, error) {
	var updated *Operation
	err := q.withLock(ctx, func(ctx context.Context) error {
		var err error
		updated, err = q.updateLocked(ctx, id, version, item)
		return err
	})
	return updated, err
}

// UpdateState persists a new state for the operation; a missing operation is ignored
func (q *Queue) UpdateState(ctx context.Context, id string, state State) error {
	return q.withLock(ctx, func(ctx context.Context) error {
		return q.setStateLocked(ctx, id, state)
	})
}

// CountByTable returns the number of queued operations for table
func (q *Queue) CountByTable(ctx context.Context, table string) (int, error) {
	var n int
	err := q.withLock(ctx, func(ctx context.Context) error {
		for _, op := range q.ordered {
			if op.TableName == table {
				n++
			}
		}
		return nil
	})
	return n, err
}

// RemoveTable deletes every queued operation for table, with their recorded errors, and returns their ids
func (q *Queue) RemoveTable(ctx context.Context, table string) ([]string, error) {
	var ids []string
	err := q.withLock(ctx, func(ctx context.Context) error {
		var err error
		ids, err = q.removeTableLocked(ctx, table)
		return err
	})
	return ids, err
}

func (q *Queue) removeTableLocked(ctx context.Context, table string) ([]string, error) {
	var victims []*Operation
	for _, op := range q.ordered {
		if op.TableName == table {
			victims = append(victims, op)
		}
	}
	ids := make([]string, 0, len(victims))
	for _, op := range victims {
		ids = append(ids, op.ID)
	}
	if err := q.discardErrorsLocked(ctx, ids...); err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(victims))
	for _, op := range victims {
		if err := q.deleteLocked(ctx, op); err != nil {
			return removed, err
		}
		removed = append(removed, op.ID)
	}
	return removed, nil
}

func (q *Queue) discardErrorsLocked(ctx context.Context, ids ...string) error {
	if q.dropErrors == nil || len(ids) == 0 {
		return nil
	}
	if err := q.dropErrors(ctx, ids...); err != nil {
		return fmt.Errorf("failed to delete errors of removed operations: %w", err)
	}
	return nil
}

// queuedIDs reports which of ids still name a queued operation
func (q *Queue) queuedIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	queued := make(map[string]bool, len(ids))
	err := q.withLock(ctx, func(context.Context) error {
		for _, id := range ids {
			queued[id] = q.byID[id] != nil
		}
		return nil
	})
	return queued, err
}

func (q *Queue) removeLocked(ctx context.Context, id string, version int64) (bool, error) {
	op := q.byID[id]
	if op == nil || op.Version != version {
		return false, nil
	}
	if err := q.deleteLocked(ctx, op); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) updateLocked(ctx context.Context, id string, version int64, item Item) (*Operation, error) {
	op := q.byID[id]
	if op == nil || op.Version != version {
		return nil, fmt.Errorf("%w: operation %s version %d", ErrOperationChanged, id, version)
	}
	next := op.clone()
	next.Item = item.Clone()
	next.Version++
	next.State = StatePending
	if err := q.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	*op = *next
	return op.clone(), nil
}

func (q *Queue) setStateLocked(ctx context.Context, id string, state State) error {
	op := q.byID[id]
	if op == nil || op.State == state {
		return nil
	}
	next := op.clone()
	next.State = state
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	op.State = state
	return nil
}

func (q *Queue) appendLocked(ctx context.Context, op *Operation) error {
	op.Sequence = q.nextSequence
	if err := q.persistLocked(ctx, op); err != nil {
		op.Sequence = 0
		return err
	}
	q.nextSequence++
	stored := op.clone()
	q.byID[stored.ID] = stored
	q.byItem[itemKey{stored.TableName, stored.ItemID}] = stored
	q.ordered = append(q.ordered, stored)
	q.pending.Add(1)
	q.logger.Debug("operation enqueued",
		"op_id", stored.ID, "kind", stored.Kind, "table", stored.TableName,
		"item_id", stored.ItemID, "sequence", stored.Sequence)
	return nil
}

func (q *Queue) deleteLocked(ctx context.Context, op *Operation) error {
	if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", op.ID, err)
	}
	delete(q.byID, op.ID)
	key := itemKey{op.TableName, op.ItemID}
	if q.byItem[key] == op {
		delete(q.byItem, key)
	}
	if i, ok := slices.BinarySearchFunc(q.ordered, op.Sequence, func(o *Operation, seq int64) int {
		return cmp.Compare(o.Sequence, seq)
	}); ok {
		q.ordered = slices.Delete(q.ordered, i, i+1)
	}
	q.pending.Add(-1)
	return nil
}

func (q *Queue) persistLocked(ctx context.Context, op *Operation) error {
	rec, err := op.Record()
	if err != nil {
		return err
	}
	if err := q.store.PersistOperation(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", op.ID, err)
	}
	return nil
}
