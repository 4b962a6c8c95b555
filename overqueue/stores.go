// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import "context"

// OperationStore durably persists queued operations. Every call is one durable write.
type OperationStore interface {
	// LoadOperations returns every persisted operation, in any order
	LoadOperations(ctx context.Context) ([]OperationRecord, error)
	// PersistOperation inserts or replaces the operation with the record's id
	PersistOperation(ctx context.Context, rec OperationRecord) error
	// DeleteOperation removes the operation; deleting a missing id is not an error
	DeleteOperation(ctx context.Context, id string) error
}

// ErrorQuery selects one page of persisted operation errors
type ErrorQuery struct {
	Tables []string // empty means all tables
	Offset int
	Limit  int
}

// ErrorPage is one page of persisted operation errors
type ErrorPage struct {
	Records []ErrorRecord
	HasMore bool
}

// ErrorStore durably persists operation errors
type ErrorStore interface {
	PersistError(ctx context.Context, rec ErrorRecord) error
	QueryErrors(ctx context.Context, q ErrorQuery) (ErrorPage, error)
	MarkErrorHandled(ctx context.Context, id string) error
	DeleteErrors(ctx context.Context, ids ...string) error
}

// LocalStore holds the application's local copy of every synced table
type LocalStore interface {
	// GetItem returns (nil, nil) when the item does not exist
	GetItem(ctx context.Context, table, id string) (Item, error)
	UpsertItems(ctx context.Context, table string, items ...Item) error
	DeleteItems(ctx context.Context, table string, ids ...string) error
	// PurgeItems removes every local item of the table
	PurgeItems(ctx context.Context, table string) error
}

// RemoteTable is the server side of one table. Failures with a status are *RemoteError.
type RemoteTable interface {
	Insert(ctx context.Context, item Item) (Item, error)
	Replace(ctx context.Context, item Item) (Item, error)
	Delete(ctx context.Context, item Item) error
}

// RemoteProvider returns the remote table for a table name
type RemoteProvider interface {
	Table(name string) RemoteTable
}

// RemoteProviderFunc adapts a function to RemoteProvider
type RemoteProviderFunc func(name string) RemoteTable

func (f RemoteProviderFunc) Table(name string) RemoteTable {
	return f(name)
}
