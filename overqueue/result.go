// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"fmt"
	"strings"
)

// PushOutcome is the user-facing summary class of a push
type PushOutcome uint8

const (
	AllSucceeded PushOutcome = iota
	SucceededWithConflicts
	Aborted
)

func (o PushOutcome) String() string {
	switch o {
	case AllSucceeded:
		return "all_succeeded"
	case SucceededWithConflicts:
		return "succeeded_with_conflicts"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("PushOutcome(%d)", uint8(o))
	}
}

// PushResult is the structured result of one push
type PushResult struct {
	Status      PushStatus
	Attempted   int               // operations sent or examined
	Succeeded   int               // operations removed from the queue after replay
	Errors      []*OperationError // unhandled errors after the push
	OtherErrors []error           // failures not tied to one operation
}

// Outcome classifies the result
func (r *PushResult) Outcome() PushOutcome {
	switch {
	case r.Status != PushComplete:
		return Aborted
	case len(r.Errors) > 0 || len(r.OtherErrors) > 0:
		return SucceededWithConflicts
	default:
		return AllSucceeded
	}
}

// IsSuccessful reports whether every operation was replayed without errors
func (r *PushResult) IsSuccessful() bool {
	return r.Outcome() == AllSucceeded
}

func (r *PushResult) String() string {
	switch r.Outcome() {
	case AllSucceeded:
		return fmt.Sprintf("all %d operations succeeded", r.Succeeded)
	case SucceededWithConflicts:
		return fmt.Sprintf("%d operations succeeded with %d errors", r.Succeeded, len(r.Errors)+len(r.OtherErrors))
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "aborted after %d successes due to %s", r.Succeeded, r.Status)
		if len(r.OtherErrors) > 0 {
			fmt.Fprintf(&b, ": %v", r.OtherErrors[0])
		}
		return b.String()
	}
}

// Err returns a *PushFailedError unless every operation succeeded
func (r *PushResult) Err() error {
	if r.IsSuccessful() {
		return nil
	}
	return &PushFailedError{Result: r}
}
