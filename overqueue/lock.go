// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// queueLock is an exclusive lock whose acquisition can be abandoned with the context
type queueLock struct {
	sem *semaphore.Weighted
}

func newQueueLock() queueLock {
	return queueLock{sem: semaphore.NewWeighted(1)}
}

// acquire blocks until the lock is held or ctx is done. The returned release is safe to call twice.
func (l queueLock) acquire(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire queue lock: %w", err)
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}
