// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import "github.com/mobiletoly/go-overqueue/overqueue"

// System properties added to every item returned by the service
const (
	PropID        = overqueue.IDProperty
	PropVersion   = overqueue.VersionProperty
	PropUpdatedAt = overqueue.UpdatedAtProperty
	PropDeleted   = overqueue.DeletedProperty
)

// Error codes used in ErrorResponse.Error
const (
	CodeMethodNotAllowed   = "method_not_allowed"
	CodeAuthentication     = "authentication_failed"
	CodeInvalidRequest     = "invalid_request"
	CodeTableNotFound      = "table_not_found"
	CodeItemNotFound       = "item_not_found"
	CodeItemGone           = "item_gone"
	CodeItemExists         = "item_exists"
	CodePreconditionFailed = "precondition_failed"
	CodePayloadTooLarge    = "payload_too_large"
	CodeInternal           = "internal_error"
)

func isSystemProperty(name string) bool {
	switch name {
	case PropID, PropVersion, PropUpdatedAt, PropDeleted:
		return true
	default:
		return false
	}
}
