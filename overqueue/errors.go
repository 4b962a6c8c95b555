// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMismatchedItem is returned when two operations for different items are collapsed
	ErrMismatchedItem = errors.New("operations target different items")

	// ErrInvalidOperationSequence is returned when a new mutation cannot follow the pending one
	ErrInvalidOperationSequence = errors.New("invalid operation sequence")

	// ErrItemAlreadyExists is returned when an insert finds the item in the local store
	ErrItemAlreadyExists = errors.New("item already exists in local store")

	// ErrItemNotFound is returned when an update or delete finds no item in the local store
	ErrItemNotFound = errors.New("item not found in local store")

	// ErrInvalidAbortReason is returned when a batch is aborted with PushComplete
	ErrInvalidAbortReason = errors.New("invalid abort reason (complete is not aborted)")

	// ErrQueueNotInitialized is returned by queue calls made before Initialize
	ErrQueueNotInitialized = errors.New("operations queue is not initialized")

	// ErrOperationChanged is returned when a conflict is resolved against a stale operation version
	ErrOperationChanged = errors.New("operation has been updated and cannot be resolved")

	// ErrMissingItem is returned when an operation has no item to send
	ErrMissingItem = errors.New("operation must have an item associated with it")

	// ErrUnexpectedResponse is returned when the remote table answers without an item
	ErrUnexpectedResponse = errors.New("remote table returned an unexpected response")

	// ErrAbortPush may be returned by a RemoteTable to stop the current push
	ErrAbortPush = errors.New("push aborted by operation")

	// ErrTableDirty is returned when purging a table that still has pending operations
	ErrTableDirty = errors.New("table has pending operations")
)

// CollapseError describes a mutation that is not allowed after the pending operation
type CollapseError struct {
	TableName string
	ItemID    string
	Existing  Kind
	Incoming  Kind
	Reason    string
}

func (e *CollapseError) Error() string {
	return fmt.Sprintf("cannot %s %s/%s: %s (pending %s)",
		strings.ToLower(e.Incoming.String()), e.TableName, e.ItemID, e.Reason, e.Existing)
}

func (e *CollapseError) Unwrap() error {
	return ErrInvalidOperationSequence
}

// LocalStoreError wraps a failure of the local store
type LocalStoreError struct {
	Message string
	Err     error
}

func (e *LocalStoreError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *LocalStoreError) Unwrap() error {
	return e.Err
}

func localStoreError(err error, format string, args ...any) error {
	var lse *LocalStoreError
	if errors.As(err, &lse) {
		return err
	}
	return &LocalStoreError{Message: fmt.Sprintf(format, args...), Err: err}
}

// RemoteError is a non-success response of the remote table
type RemoteError struct {
	Status int
	Body   []byte
	// Item is the server copy carried by the response, when the body parsed as an item
	Item Item
}

func (e *RemoteError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("remote table returned status %d", e.Status)
	}
	return fmt.Sprintf("remote table returned status %d: %s", e.Status, body)
}

// Outcome is the push-relevant class of a remote failure
type Outcome uint8

const (
	OutcomeTransport Outcome = iota
	OutcomeConflict
	OutcomeGone
	OutcomeUnauthorized
)

// ClassifyRemoteError maps a remote call failure to its Outcome
func ClassifyRemoteError(err error) Outcome {
	var re *RemoteError
	if !errors.As(err, &re) {
		return OutcomeTransport
	}
	switch re.Status {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return OutcomeConflict
	case http.StatusNotFound, http.StatusGone:
		return OutcomeGone
	case http.StatusUnauthorized:
		return OutcomeUnauthorized
	default:
		return OutcomeTransport
	}
}

// PushFailedError is returned by PushResult.Err when a push did not fully succeed
type PushFailedError struct {
	Result *PushResult
}

func (e *PushFailedError) Error() string {
	return "push failed: " + e.Result.String()
}

func (e *PushFailedError) Unwrap() []error {
	return e.Result.OtherErrors
}
