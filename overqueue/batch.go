// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Batch is one push session. It is created by Engine.Push and never persisted;
// only the errors it records and the queue it drains are durable.
type Batch struct {
	engine *Engine

	mu          sync.Mutex
	aborted     bool
	abortReason PushStatus
	otherErrors []error
}

func newBatch(engine *Engine) *Batch {
	return &Batch{engine: engine}
}

// Abort stops the batch after the operation in flight. The first reason wins.
func (b *Batch) Abort(reason PushStatus) error {
	if reason == PushComplete {
		return ErrInvalidAbortReason
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.aborted {
		b.aborted = true
		b.abortReason = reason
	}
	return nil
}

// AbortReason returns the reason the batch was aborted with, if it was
func (b *Batch) AbortReason() (PushStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortReason, b.aborted
}

// IsAborted reports whether Abort was called
func (b *Batch) IsAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// AddOtherError records a failure that is not tied to one operation
func (b *Batch) AddOtherError(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.otherErrors = append(b.otherErrors, err)
}

// OtherErrors returns the failures recorded with AddOtherError
func (b *Batch) OtherErrors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.otherErrors...)
}

// AddError persists an OperationError for op and marks op failed. The operation stays queued.
func (b *Batch) AddError(ctx context.Context, op *Operation, item Item, status int, rawResult []byte) error {
	rec, err := newErrorRecord(op, item, status, rawResult)
	if err != nil {
		return err
	}
	if err := b.engine.errors.PersistError(ctx, rec); err != nil {
		return localStoreError(err, "failed to persist error for operation %s", op.ID)
	}
	if err := b.engine.queue.UpdateState(ctx, op.ID, StateFailed); err != nil {
		return localStoreError(err, "failed to mark operation %s failed", op.ID)
	}
	return nil
}

// HasErrors reports whether any loaded error is unhandled or any other error was recorded
func (b *Batch) HasErrors(errs []*OperationError) bool {
	for _, e := range errs {
		if !e.Handled {
			return true
		}
	}
	return len(b.OtherErrors()) > 0
}

// LoadErrors reads the recorded operation errors page by page, restricted to tables when any
// are given. Each iteration queries the store again.
func (b *Batch) LoadErrors(ctx context.Context, tables ...string) iter.Seq2[*OperationError, error] {
	return b.engine.loadErrors(ctx, tables...)
}

func (e *Engine) loadErrors(ctx context.Context, tables ...string) iter.Seq2[*OperationError, error] {
	pageSize := e.config.ErrorPageSize
	if pageSize <= 0 {
		pageSize = DefaultConfig().ErrorPageSize
	}
	return func(yield func(*OperationError, error) bool) {
		offset := 0
		for {
			page, err := e.errors.QueryErrors(ctx, ErrorQuery{Tables: tables, Offset: offset, Limit: pageSize})
			if err != nil {
				yield(nil, fmt.Errorf("failed to query operation errors: %w", err))
				return
			}
			for _, rec := range page.Records {
				oe, err := operationErrorFromRecord(rec, e)
				if !yield(oe, err) || err != nil {
					return
				}
			}
			if !page.HasMore || len(page.Records) == 0 {
				return
			}
			offset += len(page.Records)
		}
	}
}
