// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overqueue is the offline operations queue and push engine.
//
// Local mutations are recorded as operations, collapsed per item at enqueue time and replayed
// in sequence order against a remote table. Conflicts are captured as OperationErrors which the
// caller resolves explicitly.
package overqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Engine ties the queue to the local store, the error store and the remote tables
type Engine struct {
	queue    *Queue
	errors   ErrorStore
	local    LocalStore
	remote   RemoteProvider
	config   Config
	logger   *slog.Logger
	pushLock queueLock
}

// NewEngine creates an engine. Call Initialize before using it.
func NewEngine(ops OperationStore, errs ErrorStore, local LocalStore, remote RemoteProvider, config *Config) (*Engine, error) {
	if ops == nil || errs == nil || local == nil {
		return nil, fmt.Errorf("operation, error and local stores are required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote provider is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := NewQueue(ops, logger)
	queue.dropErrors = errs.DeleteErrors
	return &Engine{
		queue:    queue,
		errors:   errs,
		local:    local,
		remote:   remote,
		config:   *config,
		logger:   logger,
		pushLock: newQueueLock(),
	}, nil
}

// Queue returns the engine's operations queue
func (e *Engine) Queue() *Queue { return e.queue }

// Initialize loads the persisted queue; it is safe to call more than once
func (e *Engine) Initialize(ctx context.Context) error {
	return e.queue.Initialize(ctx)
}

// PendingOperations returns the number of queued operations
func (e *Engine) PendingOperations() int64 {
	return e.queue.PendingCount()
}

// InsertItem stores a new item locally and queues its insert. An id is generated when the item has none.
func (e *Engine) InsertItem(ctx context.Context, table string, item Item) (Item, error) {
	if item == nil {
		return nil, ErrMissingItem
	}
	item = item.Clone()
	if item.ID() == "" {
		item[IDProperty] = uuid.NewString()
	}
	if err := e.enqueue(ctx, KindInsert, table, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ReplaceItem overwrites an existing local item and queues its update
func (e *Engine) ReplaceItem(ctx context.Context, table string, item Item) error {
	if item == nil {
		return ErrMissingItem
	}
	if item.ID() == "" {
		return fmt.Errorf("cannot replace item without %q", IDProperty)
	}
	return e.enqueue(ctx, KindUpdate, table, item.Clone())
}

// DeleteItem removes a local item and queues its delete. The queued payload is the stored copy,
// so the delete carries the version the item was last seen with. It fails with ErrItemNotFound
// when the item is not in the local store.
func (e *Engine) DeleteItem(ctx context.Context, table string, item Item) error {
	if item == nil {
		return ErrMissingItem
	}
	if item.ID() == "" {
		return fmt.Errorf("cannot delete item without %q", IDProperty)
	}
	return e.enqueue(ctx, KindDelete, table, item.Clone())
}

// GetItem reads the local copy of an item; it returns nil when there is none
func (e *Engine) GetItem(ctx context.Context, table, id string) (Item, error) {
	item, err := e.local.GetItem(ctx, table, id)
	if err != nil {
		return nil, localStoreError(err, "failed to read %s/%s", table, id)
	}
	return item, nil
}

func (e *Engine) enqueue(ctx context.Context, kind Kind, table string, item Item) error {
	start := e.stageStart()
	op, err := NewOperation(kind, table, item.ID(), item)
	if err != nil {
		return err
	}
	_, err = e.queue.Enqueue(ctx, op, func(ctx context.Context) error {
		if kind == KindDelete {
			stored, err := e.local.GetItem(ctx, table, op.ItemID)
			if err != nil {
				return localStoreError(err, "failed to read %s/%s", table, op.ItemID)
			}
			if stored == nil {
				return localStoreError(ErrItemNotFound, "cannot delete %s/%s", table, op.ItemID)
			}
			op.Item = stored
			item = stored
		}
		return op.ExecuteOnLocalStore(ctx, e.local, item)
	})
	e.observeStage(ctx, MetricsOpEnqueue, MetricsStageTotal, start, 1, err != nil)
	if err != nil {
		return fmt.Errorf("failed to %s %s/%s: %w", kind, table, op.ItemID, err)
	}
	return nil
}

// IsTableDirty reports whether the table has queued operations
func (e *Engine) IsTableDirty(ctx context.Context, table string) (bool, error) {
	n, err := e.queue.CountByTable(ctx, table)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeTable removes every local item of the table. It fails with ErrTableDirty while operations
// are queued for the table, unless force is set, in which case they and their errors are dropped.
func (e *Engine) PurgeTable(ctx context.Context, table string, force bool) error {
	return e.queue.withLock(ctx, func(ctx context.Context) error {
		if !force {
			for _, op := range e.queue.ordered {
				if op.TableName == table {
					return fmt.Errorf("cannot purge %s: %w", table, ErrTableDirty)
				}
			}
		}
		if _, err := e.queue.removeTableLocked(ctx, table); err != nil {
			return err
		}
		var ids []string
		for oe, err := range e.loadErrors(ctx, table) {
			if err != nil {
				return err
			}
			ids = append(ids, oe.ID)
		}
		if len(ids) > 0 {
			if err := e.errors.DeleteErrors(ctx, ids...); err != nil {
				return fmt.Errorf("failed to delete errors of %s: %w", table, err)
			}
		}
		if err := e.local.PurgeItems(ctx, table); err != nil {
			return localStoreError(err, "failed to purge %s", table)
		}
		e.logger.Info("table purged", "table", table, "force", force)
		return nil
	})
}

// LoadErrors returns the recorded operation errors, restricted to tables when any are given
func (e *Engine) LoadErrors(ctx context.Context, tables ...string) ([]*OperationError, error) {
	var out []*OperationError
	for oe, err := range e.loadErrors(ctx, tables...) {
		if err != nil {
			return nil, err
		}
		out = append(out, oe)
	}
	return out, nil
}

// Push replays the queued operations in sequence order, restricted to tables when any are given.
//
// Conflicts are recorded as OperationErrors and the push continues. Any other failure aborts the
// push and leaves the remaining operations queued. The returned error is only set when the push
// could not start; use PushResult.Err for the outcome.
func (e *Engine) Push(ctx context.Context, tables ...string) (*PushResult, error) {
	release, err := e.pushLock.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ok, err := e.queue.IsInitialized(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQueueNotInitialized
	}

	start := e.stageStart()
	batch := newBatch(e)
	stop := context.AfterFunc(ctx, func() { _ = batch.Abort(PushCancelledByContext) })
	defer stop()

	result := &PushResult{}
	for op, err := range e.queue.InOrder(ctx, tables...) {
		if err != nil {
			if ctx.Err() != nil {
				_ = batch.Abort(PushCancelledByContext)
			} else {
				batch.AddOtherError(err)
				_ = batch.Abort(PushInternalError)
			}
			break
		}
		if batch.IsAborted() {
			break
		}
		result.Attempted++
		if e.pushOperation(ctx, batch, op) {
			result.Succeeded++
		}
		if batch.IsAborted() {
			break
		}
	}

	// the batch outcome is reported even when ctx is done
	bg := context.WithoutCancel(ctx)
	errs, loadErr := e.LoadErrors(bg, tables...)
	if loadErr != nil {
		batch.AddOtherError(loadErr)
		_ = batch.Abort(PushCancelledByLocalStoreError)
	}
	ids := make([]string, 0, len(errs))
	for _, oe := range errs {
		ids = append(ids, oe.ID)
	}
	queued, queuedErr := e.queue.queuedIDs(bg, ids)
	if queuedErr != nil {
		batch.AddOtherError(queuedErr)
	}
	var stale []string
	for _, oe := range errs {
		// an error whose operation left the queue can no longer be resolved
		orphaned := queuedErr == nil && !queued[oe.ID]
		if !oe.Handled && !orphaned {
			result.Errors = append(result.Errors, oe)
		}
		if oe.Handled || orphaned || !retainedStatus(oe.Status) {
			stale = append(stale, oe.ID)
		}
	}
	if len(stale) > 0 {
		if err := e.errors.DeleteErrors(bg, stale...); err != nil {
			batch.AddOtherError(fmt.Errorf("failed to delete stale operation errors: %w", err))
		}
	}

	result.Status = PushComplete
	if reason, aborted := batch.AbortReason(); aborted {
		result.Status = reason
	}
	result.OtherErrors = batch.OtherErrors()
	e.observeStage(ctx, MetricsOpPush, MetricsStageTotal, start, result.Attempted, result.Status != PushComplete)

	if result.Status != PushComplete {
		e.logger.Error("push aborted", "status", result.Status, "succeeded", result.Succeeded,
			"attempted", result.Attempted, "errors", len(result.Errors), "other_errors", len(result.OtherErrors))
	} else {
		e.logger.Info("push finished", "succeeded", result.Succeeded, "attempted", result.Attempted,
			"errors", len(result.Errors), "has_errors", batch.HasErrors(result.Errors))
	}
	return result, nil
}

// retainedStatus reports whether an error with this status survives the end of a push
func retainedStatus(status int) bool {
	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

// pushOperation replays one operation and reports whether it succeeded remotely and left the queue
func (e *Engine) pushOperation(ctx context.Context, batch *Batch, op *Operation) bool {
	log := e.logger.With("op_id", op.ID, "kind", op.Kind, "table", op.TableName, "item_id", op.ItemID, "sequence", op.Sequence)

	if op.IsCancelled() {
		if _, err := e.queue.Remove(ctx, op.ID, op.Version); err != nil {
			e.abortWith(batch, PushCancelledByLocalStoreError, err)
		}
		return false
	}

	table := e.remote.Table(op.TableName)
	if table == nil {
		e.abortWith(batch, PushInternalError, fmt.Errorf("no remote table for %q", op.TableName))
		return false
	}

	item := op.Item
	if item == nil && op.Kind != KindDelete {
		local, err := e.local.GetItem(ctx, op.TableName, op.ItemID)
		if err != nil {
			e.abortWith(batch, PushCancelledByLocalStoreError, localStoreError(err, "failed to read %s/%s", op.TableName, op.ItemID))
			return false
		}
		if local == nil {
			log.Warn("item missing from local store")
			if err := batch.AddError(ctx, op, Item{IDProperty: op.ItemID}, 0, nil); err != nil {
				e.abortWith(batch, PushCancelledByLocalStoreError, err)
			}
			return false
		}
		item = local
	}

	if err := e.queue.UpdateState(ctx, op.ID, StateAttempted); err != nil {
		e.abortWith(batch, PushCancelledByLocalStoreError, localStoreError(err, "failed to mark operation %s attempted", op.ID))
		return false
	}

	log.Debug("pushing operation")
	start := e.stageStart()
	result, err := op.ExecuteOnRemote(ctx, table, item)
	e.observeStage(ctx, MetricsOpPush, MetricsStageRemote, start, 1, err != nil)
	if err != nil {
		e.handleRemoteFailure(ctx, batch, op, item, err, log)
		return false
	}

	removed, err := e.completeOperation(context.WithoutCancel(ctx), op, result)
	if err != nil {
		e.abortWith(batch, PushCancelledByLocalStoreError, err)
		return false
	}
	if !removed {
		log.Info("operation changed while in flight, kept for next push")
	}
	if err := e.errors.DeleteErrors(context.WithoutCancel(ctx), op.ID); err != nil {
		log.Warn("failed to delete stale operation error", "error", err)
	}
	return removed
}

func (e *Engine) handleRemoteFailure(ctx context.Context, batch *Batch, op *Operation, item Item, err error, log *slog.Logger) {
	bg := context.WithoutCancel(ctx)
	if stateErr := e.queue.UpdateState(bg, op.ID, StateFailed); stateErr != nil {
		log.Warn("failed to mark operation failed", "error", stateErr)
	}

	switch {
	case ctx.Err() != nil:
		e.abortWith(batch, PushCancelledByContext, err)
		return
	case errors.Is(err, ErrAbortPush):
		e.abortWith(batch, PushCancelledByOperation, err)
		return
	}

	switch ClassifyRemoteError(err) {
	case OutcomeConflict, OutcomeGone:
		var re *RemoteError
		errors.As(err, &re)
		log.Warn("operation rejected by remote table", "status", re.Status)
		if addErr := batch.AddError(bg, op, item, re.Status, re.Body); addErr != nil {
			e.abortWith(batch, PushCancelledByLocalStoreError, addErr)
		}
	case OutcomeUnauthorized:
		e.abortWith(batch, PushCancelledByAuthenticationError, err)
	default:
		e.abortWith(batch, PushCancelledByNetworkError, err)
	}
}

func (e *Engine) abortWith(batch *Batch, reason PushStatus, err error) {
	batch.AddOtherError(err)
	_ = batch.Abort(reason)
	e.logger.Error("aborting push", "reason", reason, "error", err)
}

// completeOperation writes the server copy locally and removes the operation, in one locked step.
// The operation is kept when it changed while its remote call was in flight.
func (e *Engine) completeOperation(ctx context.Context, op *Operation, result Item) (bool, error) {
	var removed bool
	err := e.queue.withLock(ctx, func(ctx context.Context) error {
		current := e.queue.byID[op.ID]
		if current == nil || current.Version != op.Version {
			return nil
		}
		if op.CanWriteResultToStore() && result.ID() != "" {
			start := e.stageStart()
			err := e.local.UpsertItems(ctx, op.TableName, result)
			e.observeStage(ctx, MetricsOpPush, MetricsStageLocal, start, 1, err != nil)
			if err != nil {
				return localStoreError(err, "failed to write result of %s/%s", op.TableName, op.ItemID)
			}
		}
		var err error
		removed, err = e.queue.removeLocked(ctx, op.ID, op.Version)
		if err != nil {
			return localStoreError(err, "failed to remove operation %s", op.ID)
		}
		return nil
	})
	return removed, err
}

// lockedOperation returns the queued operation an error belongs to, if it is unchanged
func (e *Engine) lockedOperation(oe *OperationError) (*Operation, error) {
	op := e.queue.byID[oe.ID]
	if op == nil || op.Version != oe.OperationVersion {
		return nil, fmt.Errorf("%w: operation %s version %d", ErrOperationChanged, oe.ID, oe.OperationVersion)
	}
	return op, nil
}

func (e *Engine) cancelAndDiscardItem(ctx context.Context, oe *OperationError) error {
	return e.queue.withLock(ctx, func(ctx context.Context) error {
		op, err := e.lockedOperation(oe)
		if err != nil {
			return err
		}
		if err := e.local.DeleteItems(ctx, op.TableName, op.ItemID); err != nil {
			return localStoreError(err, "failed to delete %s/%s", op.TableName, op.ItemID)
		}
		if _, err := e.queue.removeLocked(ctx, op.ID, op.Version); err != nil {
			return err
		}
		return e.markHandled(ctx, oe)
	})
}

func (e *Engine) cancelAndUpdateItem(ctx context.Context, oe *OperationError, item Item) error {
	return e.queue.withLock(ctx, func(ctx context.Context) error {
		op, err := e.lockedOperation(oe)
		if err != nil {
			return err
		}
		item, err := itemFor(op, item)
		if err != nil {
			return err
		}
		if err := e.local.UpsertItems(ctx, op.TableName, item); err != nil {
			return localStoreError(err, "failed to write %s/%s", op.TableName, op.ItemID)
		}
		if _, err := e.queue.removeLocked(ctx, op.ID, op.Version); err != nil {
			return err
		}
		return e.markHandled(ctx, oe)
	})
}

func (e *Engine) updateOperation(ctx context.Context, oe *OperationError, item Item) error {
	return e.queue.withLock(ctx, func(ctx context.Context) error {
		op, err := e.lockedOperation(oe)
		if err != nil {
			return err
		}
		item, err := itemFor(op, item)
		if err != nil {
			return err
		}
		if op.Kind != KindDelete {
			if err := e.local.UpsertItems(ctx, op.TableName, item); err != nil {
				return localStoreError(err, "failed to write %s/%s", op.TableName, op.ItemID)
			}
		}
		if _, err := e.queue.updateLocked(ctx, op.ID, op.Version, item); err != nil {
			return err
		}
		return e.markHandled(ctx, oe)
	})
}

// convertToUpdate replaces a rejected insert with an update carrying item, in one locked step
func (e *Engine) convertToUpdate(ctx context.Context, oe *OperationError, item Item) error {
	return e.queue.withLock(ctx, func(ctx context.Context) error {
		op, err := e.lockedOperation(oe)
		if err != nil {
			return err
		}
		if op.Kind != KindInsert {
			return fmt.Errorf("cannot convert %s %s/%s to an update", op.Kind, op.TableName, op.ItemID)
		}
		item, err := itemFor(op, item)
		if err != nil {
			return err
		}
		update, err := NewOperation(KindUpdate, op.TableName, op.ItemID, item)
		if err != nil {
			return err
		}
		if err := e.local.UpsertItems(ctx, op.TableName, item); err != nil {
			return localStoreError(err, "failed to write %s/%s", op.TableName, op.ItemID)
		}
		if _, err := e.queue.removeLocked(ctx, op.ID, op.Version); err != nil {
			return err
		}
		if err := e.queue.appendLocked(ctx, update); err != nil {
			return err
		}
		return e.markHandled(ctx, oe)
	})
}

func (e *Engine) markHandled(ctx context.Context, oe *OperationError) error {
	if err := e.errors.MarkErrorHandled(ctx, oe.ID); err != nil {
		return fmt.Errorf("failed to mark error %s handled: %w", oe.ID, err)
	}
	oe.Handled = true
	return nil
}

// itemFor checks that item belongs to op, filling in the id when it is missing
func itemFor(op *Operation, item Item) (Item, error) {
	if item == nil {
		return nil, ErrMissingItem
	}
	item = item.Clone()
	switch id := item.ID(); id {
	case "":
		item[IDProperty] = op.ItemID
	case op.ItemID:
	default:
		return nil, fmt.Errorf("%w: %s/%s vs %s", ErrMismatchedItem, op.TableName, op.ItemID, id)
	}
	return item, nil
}
