// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
)

// ErrorRecord is the persisted shape of an OperationError
type ErrorRecord struct {
	ID        string          `json:"id"`
	Status    int             `json:"status,omitempty"` // 0 when the failure was local
	Version   int64           `json:"version"`
	Kind      Kind            `json:"kind"`
	TableName string          `json:"tableName"`
	Item      json.RawMessage `json:"item,omitempty"`
	RawResult string          `json:"rawResult,omitempty"`
	Handled   bool            `json:"handled"`
}

// OperationError is a recorded remote rejection of one queued operation.
// It is resolved by exactly one of CancelAndDiscardItem, CancelAndUpdateItem, UpdateOperation or,
// for an insert, ConvertToUpdate.
type OperationError struct {
	ID               string // id of the originating operation
	OperationVersion int64
	OperationKind    Kind
	TableName        string
	Item             Item   // payload sent when the failure happened
	Status           int    // remote status; 0 when the failure was local
	RawResult        string // remote response body
	Result           Item   // RawResult parsed, nil when it was not an item
	Handled          bool

	engine *Engine
}

// IsConflict reports whether the server rejected the operation because its copy diverged
func (e *OperationError) IsConflict() bool {
	return e.Status == http.StatusConflict || e.Status == http.StatusPreconditionFailed
}

func (e *OperationError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s/%s failed locally", e.OperationKind, e.TableName, e.Item.ID())
	}
	return fmt.Sprintf("%s %s/%s rejected with status %d", e.OperationKind, e.TableName, e.Item.ID(), e.Status)
}

// CancelAndDiscardItem drops the operation and the local copy of the item
func (e *OperationError) CancelAndDiscardItem(ctx context.Context) error {
	if e.engine == nil {
		return fmt.Errorf("operation error %s is not bound to an engine", e.ID)
	}
	return e.engine.cancelAndDiscardItem(ctx, e)
}

// CancelAndUpdateItem drops the operation and overwrites the local copy with item.
// Nothing is queued for the overwrite.
func (e *OperationError) CancelAndUpdateItem(ctx context.Context, item Item) error {
	if e.engine == nil {
		return fmt.Errorf("operation error %s is not bound to an engine", e.ID)
	}
	return e.engine.cancelAndUpdateItem(ctx, e, item)
}

// UpdateOperation replaces the operation payload with item so the next push retries it
func (e *OperationError) UpdateOperation(ctx context.Context, item Item) error {
	if e.engine == nil {
		return fmt.Errorf("operation error %s is not bound to an engine", e.ID)
	}
	return e.engine.updateOperation(ctx, e, item)
}

// ConvertToUpdate drops a rejected insert, overwrites the local copy with item and queues an
// update for it instead. It is meant for an insert whose item already exists remotely.
func (e *OperationError) ConvertToUpdate(ctx context.Context, item Item) error {
	if e.engine == nil {
		return fmt.Errorf("operation error %s is not bound to an engine", e.ID)
	}
	return e.engine.convertToUpdate(ctx, e, item)
}

func newErrorRecord(op *Operation, item Item, status int, rawResult []byte) (ErrorRecord, error) {
	rec := ErrorRecord{
		ID:        op.ID,
		Status:    status,
		Version:   op.Version,
		Kind:      op.Kind,
		TableName: op.TableName,
		RawResult: string(rawResult),
	}
	if item != nil {
		data, err := json.Marshal(item)
		if err != nil {
			return ErrorRecord{}, fmt.Errorf("failed to marshal item of operation %s: %w", op.ID, err)
		}
		rec.Item = data
	}
	return rec, nil
}

func operationErrorFromRecord(rec ErrorRecord, engine *Engine) (*OperationError, error) {
	item, err := ParseItem(rec.Item)
	if err != nil {
		return nil, fmt.Errorf("failed to restore operation error %s: %w", rec.ID, err)
	}
	return &OperationError{
		ID:               rec.ID,
		OperationVersion: rec.Version,
		OperationKind:    rec.Kind,
		TableName:        rec.TableName,
		Item:             item,
		Status:           rec.Status,
		RawResult:        rec.RawResult,
		Result:           parseItemOrNil([]byte(rec.RawResult)),
		Handled:          rec.Handled,
		engine:           engine,
	}, nil
}
