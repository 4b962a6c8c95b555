// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import "fmt"

// System properties every synced item may carry
const (
	IDProperty        = "id"
	VersionProperty   = "version"
	UpdatedAtProperty = "updatedAt"
	DeletedProperty   = "deleted"
)

// Kind is the kind of mutation an Operation carries
type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
)

// Operation kind names as persisted by stores
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return OpInsert
	case KindUpdate:
		return OpUpdate
	case KindDelete:
		return OpDelete
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind converts a persisted kind name back to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case OpInsert:
		return KindInsert, nil
	case OpUpdate:
		return KindUpdate, nil
	case OpDelete:
		return KindDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("cannot marshal operation kind %d", uint8(k))
	}
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// State is the lifecycle state of a queued Operation
type State uint8

const (
	StatePending State = iota
	StateAttempted
	StateCompleted
	StateFailed
)

// State names as persisted by stores
const (
	StPending   = "pending"
	StAttempted = "attempted"
	StCompleted = "completed"
	StFailed    = "failed"
)

func (s State) String() string {
	switch s {
	case StatePending:
		return StPending
	case StateAttempted:
		return StAttempted
	case StateCompleted:
		return StCompleted
	case StateFailed:
		return StFailed
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState converts a persisted state name back to a State
func ParseState(s string) (State, error) {
	switch s {
	case StPending:
		return StatePending, nil
	case StAttempted:
		return StateAttempted, nil
	case StCompleted:
		return StateCompleted, nil
	case StFailed:
		return StateFailed, nil
	default:
		return 0, fmt.Errorf("unknown operation state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	if s > StateFailed {
		return nil, fmt.Errorf("cannot marshal operation state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PushStatus is the final status of a push batch
type PushStatus uint8

const (
	PushInternalError PushStatus = iota
	PushComplete
	PushCancelledByContext
	PushCancelledByNetworkError
	PushCancelledByAuthenticationError
	PushCancelledByLocalStoreError
	PushCancelledByOperation
)

func (s PushStatus) String() string {
	switch s {
	case PushInternalError:
		return "internal_error"
	case PushComplete:
		return "complete"
	case PushCancelledByContext:
		return "cancelled_by_context"
	case PushCancelledByNetworkError:
		return "cancelled_by_network_error"
	case PushCancelledByAuthenticationError:
		return "cancelled_by_authentication_error"
	case PushCancelledByLocalStoreError:
		return "cancelled_by_local_store_error"
	case PushCancelledByOperation:
		return "cancelled_by_operation"
	default:
		return fmt.Sprintf("PushStatus(%d)", uint8(s))
	}
}
