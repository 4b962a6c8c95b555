// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mobiletoly/go-overqueue/overqueue"
)

// Service error sentinels for response mapping
var (
	ErrTableNotRegistered = errors.New("table not registered")
	ErrItemNotFound       = errors.New("item not found")
	ErrItemGone           = errors.New("item has been deleted")
	ErrBadPayload         = errors.New("bad payload")
	ErrPayloadTooLarge    = errors.New("payload too large")
)

// ConflictError is returned when a write loses against the current server item
type ConflictError struct {
	Status  int            // http.StatusConflict or http.StatusPreconditionFailed
	Current overqueue.Item // the server copy, returned as the response body
}

func (e *ConflictError) Error() string {
	if e.Status == http.StatusConflict {
		return fmt.Sprintf("item %s already exists", e.Current.ID())
	}
	version, _ := e.Current.Version()
	return fmt.Sprintf("item %s version mismatch (current %s)", e.Current.ID(), version)
}

// errorStatus maps a service error to the response status and error code
func errorStatus(err error) (int, string) {
	var ce *ConflictError
	switch {
	case errors.As(err, &ce):
		if ce.Status == http.StatusConflict {
			return http.StatusConflict, CodeItemExists
		}
		return http.StatusPreconditionFailed, CodePreconditionFailed
	case errors.Is(err, ErrTableNotRegistered):
		return http.StatusNotFound, CodeTableNotFound
	case errors.Is(err, ErrItemNotFound):
		return http.StatusNotFound, CodeItemNotFound
	case errors.Is(err, ErrItemGone):
		return http.StatusGone, CodeItemGone
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge
	case errors.Is(err, ErrBadPayload):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
