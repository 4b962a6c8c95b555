// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Operation is one pending mutation of one item
type Operation struct {
	ID        string
	Kind      Kind
	TableName string
	ItemID    string
	Item      Item // payload as of the last local mutation; may be nil for Delete
	Sequence  int64
	Version   int64 // local revision, bumped on every in-place collapse
	State     State

	cancelled bool
	updated   bool
}

// NewOperation creates a pending operation with a fresh id
func NewOperation(kind Kind, tableName, itemID string, item Item) (*Operation, error) {
	switch kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return nil, fmt.Errorf("invalid operation kind %d", uint8(kind))
	}
	if tableName == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if itemID == "" {
		return nil, fmt.Errorf("item id is required")
	}
	return &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		TableName: tableName,
		ItemID:    itemID,
		Item:      item.Clone(),
		Version:   1,
		State:     StatePending,
	}, nil
}

// IsCancelled reports whether collapsing cancelled this operation
func (op *Operation) IsCancelled() bool { return op.cancelled }

// IsUpdated reports whether collapsing changed this operation in place
func (op *Operation) IsUpdated() bool { return op.updated }

// CanWriteResultToStore reports whether the remote response is written back to the local store
func (op *Operation) CanWriteResultToStore() bool {
	return op.Kind != KindDelete
}

func (op *Operation) cancel() { op.cancelled = true }

func (op *Operation) bump() {
	op.Version++
	op.updated = true
}

func (op *Operation) clone() *Operation {
	c := *op
	c.Item = op.Item.Clone()
	return &c
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s/%s (seq=%d v=%d %s)", op.Kind, op.TableName, op.ItemID, op.Sequence, op.Version, op.State)
}

func (op *Operation) collapseError(newOp *Operation, reason string) error {
	return &CollapseError{
		TableName: op.TableName,
		ItemID:    op.ItemID,
		Existing:  op.Kind,
		Incoming:  newOp.Kind,
		Reason:    reason,
	}
}

// ValidateCollapse checks that newOp may follow this pending operation on the same item
func (op *Operation) ValidateCollapse(newOp *Operation) error {
	if newOp.TableName != op.TableName || newOp.ItemID != op.ItemID {
		return fmt.Errorf("%w: %s/%s vs %s/%s", ErrMismatchedItem, op.TableName, op.ItemID, newOp.TableName, newOp.ItemID)
	}
	switch op.Kind {
	case KindInsert:
		switch newOp.Kind {
		case KindInsert:
			return op.collapseError(newOp, "an insert operation on the item already exists in queue")
		case KindUpdate:
			return nil
		case KindDelete:
			if op.State != StatePending {
				return op.collapseError(newOp, "the insert operation is already in progress")
			}
			return nil
		}
	case KindUpdate:
		switch newOp.Kind {
		case KindInsert:
			return op.collapseError(newOp, "an update operation on the item is already in queue")
		case KindUpdate, KindDelete:
			return nil
		}
	case KindDelete:
		return op.collapseError(newOp, "a delete operation on the item is already in queue")
	}
	return fmt.Errorf("cannot collapse %s with %s", op.Kind, newOp.Kind)
}

// CollapseWith merges newOp into this operation. Either side may end up cancelled.
func (op *Operation) CollapseWith(newOp *Operation) error {
	if err := op.ValidateCollapse(newOp); err != nil {
		return err
	}
	switch op.Kind {
	case KindInsert:
		switch newOp.Kind {
		case KindUpdate:
			op.Item = newOp.Item.Clone()
			op.bump()
			newOp.cancel()
		case KindDelete:
			op.cancel()
			newOp.cancel()
		}
	case KindUpdate:
		switch newOp.Kind {
		case KindUpdate:
			op.Item = newOp.Item.Clone()
			op.bump()
			newOp.cancel()
		case KindDelete:
			op.cancel()
			newOp.bump()
		}
	}
	return nil
}

// ExecuteOnLocalStore applies the mutation to the local copy of the item
func (op *Operation) ExecuteOnLocalStore(ctx context.Context, store LocalStore, item Item) error {
	switch op.Kind {
	case KindInsert, KindUpdate:
		if item == nil {
			return ErrMissingItem
		}
		existing, err := store.GetItem(ctx, op.TableName, op.ItemID)
		if err != nil {
			return localStoreError(err, "failed to read %s/%s", op.TableName, op.ItemID)
		}
		if op.Kind == KindInsert && existing != nil {
			return localStoreError(ErrItemAlreadyExists, "cannot insert %s/%s", op.TableName, op.ItemID)
		}
		if op.Kind == KindUpdate && existing == nil {
			return localStoreError(ErrItemNotFound, "cannot update %s/%s", op.TableName, op.ItemID)
		}
		if err := store.UpsertItems(ctx, op.TableName, item); err != nil {
			return localStoreError(err, "failed to write %s/%s", op.TableName, op.ItemID)
		}
	case KindDelete:
		if err := store.DeleteItems(ctx, op.TableName, op.ItemID); err != nil {
			return localStoreError(err, "failed to delete %s/%s", op.TableName, op.ItemID)
		}
	default:
		return fmt.Errorf("invalid operation kind %d", uint8(op.Kind))
	}
	return nil
}

// ExecuteOnRemote sends the mutation to the remote table and returns the server copy.
// A cancelled operation makes no call. A Delete of an item that is already gone succeeds.
func (op *Operation) ExecuteOnRemote(ctx context.Context, table RemoteTable, item Item) (Item, error) {
	if op.cancelled {
		return nil, nil
	}
	switch op.Kind {
	case KindInsert, KindUpdate:
		if item == nil {
			return nil, ErrMissingItem
		}
		var (
			result Item
			err    error
		)
		if op.Kind == KindInsert {
			result, err = table.Insert(ctx, item)
		} else {
			result, err = table.Replace(ctx, item)
		}
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, ErrUnexpectedResponse
		}
		return result, nil
	case KindDelete:
		if item == nil {
			item = Item{IDProperty: op.ItemID}
		}
		if err := table.Delete(ctx, item); err != nil {
			if ClassifyRemoteError(err) == OutcomeGone {
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid operation kind %d", uint8(op.Kind))
	}
}

// OperationRecord is the persisted shape of an Operation
type OperationRecord struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	State     State           `json:"state"`
	TableName string          `json:"tableName"`
	ItemID    string          `json:"itemId"`
	Item      json.RawMessage `json:"item,omitempty"`
	Sequence  int64           `json:"sequence"`
	Version   int64           `json:"version"`
}

// Record converts the operation to its persisted shape
func (op *Operation) Record() (OperationRecord, error) {
	rec := OperationRecord{
		ID:        op.ID,
		Kind:      op.Kind,
		State:     op.State,
		TableName: op.TableName,
		ItemID:    op.ItemID,
		Sequence:  op.Sequence,
		Version:   op.Version,
	}
	if op.Item != nil {
		data, err := json.Marshal(op.Item)
		if err != nil {
			return OperationRecord{}, fmt.Errorf("failed to marshal item of operation %s: %w", op.ID, err)
		}
		rec.Item = data
	}
	return rec, nil
}

// OperationFromRecord restores an operation from its persisted shape
func OperationFromRecord(rec OperationRecord) (*Operation, error) {
	switch rec.Kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return nil, fmt.Errorf("operation %s has invalid kind %d", rec.ID, uint8(rec.Kind))
	}
	if rec.State > StateFailed {
		return nil, fmt.Errorf("operation %s has invalid state %d", rec.ID, uint8(rec.State))
	}
	item, err := ParseItem(rec.Item)
	if err != nil {
		return nil, fmt.Errorf("failed to restore operation %s: %w", rec.ID, err)
	}
	return &Operation{
		ID:        rec.ID,
		Kind:      rec.Kind,
		TableName: rec.TableName,
		ItemID:    rec.ItemID,
		Item:      item,
		Sequence:  rec.Sequence,
		Version:   rec.Version,
		State:     rec.State,
	}, nil
}
