package overqueue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngine_InsertThenUpdatePushesOneInsert(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1", "title": "A"})
	require.NoError(t, err)
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "B"}))
	ops := te.queued(t)
	require.Len(t, ops, 1)
	require.Equal(t, KindInsert, ops[0].Kind)
	require.Equal(t, int64(2), ops[0].Version)

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushComplete, res.Status)
	require.Equal(t, AllSucceeded, res.Outcome())
	require.NoError(t, res.Err())
	require.Equal(t, 1, res.Succeeded)

	calls := te.remote.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, KindInsert, calls[0].Kind)
	require.Equal(t, "B", calls[0].Item["title"])
	require.Equal(t, int64(0), te.PendingOperations())

	local, err := te.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.Equal(t, "v1", local[VersionProperty], "server copy is written back")
}

func TestEngine_InsertThenDeleteNeverReachesRemote(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	item, err := te.InsertItem(ctx, "movies", Item{"title": "A"})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID())
	require.NoError(t, te.DeleteItem(ctx, "movies", item))
	require.Equal(t, int64(0), te.PendingOperations())

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, AllSucceeded, res.Outcome())
	require.Empty(t, te.remote.recorded())
	local, err := te.GetItem(ctx, "movies", item.ID())
	require.NoError(t, err)
	require.Nil(t, local)
}

func TestEngine_UpdateThenUpdateOneRemoteCall(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1", "title": "A"}))

	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "B"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "C"}))

	_, err := te.Push(ctx)
	require.NoError(t, err)
	calls := te.remote.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, KindUpdate, calls[0].Kind)
	require.Equal(t, "C", calls[0].Item["title"])
}

func TestEngine_LocalStoreInconsistencies(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1"}))

	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.ErrorIs(t, err, ErrItemAlreadyExists)
	err = te.ReplaceItem(ctx, "movies", Item{"id": "nope"})
	require.ErrorIs(t, err, ErrItemNotFound)
	require.Equal(t, int64(0), te.PendingOperations())
}

func TestEngine_CollapseViolationLeavesLocalStoreUntouched(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1", "title": "A"}))
	require.NoError(t, te.DeleteItem(ctx, "movies", Item{"id": "m1"}))

	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1", "title": "again"})
	var ce *CollapseError
	require.ErrorAs(t, err, &ce)
	local, err := te.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.Nil(t, local)
}

func TestEngine_PushReplaysInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := te.InsertItem(ctx, "movies", Item{"id": id})
		require.NoError(t, err)
	}
	_, err := te.Push(ctx)
	require.NoError(t, err)

	var order []string
	for _, c := range te.remote.recorded() {
		order = append(order, c.Item.ID())
	}
	require.Equal(t, []string{"c", "a", "b"}, order)
}

func TestEngine_ConflictDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := te.InsertItem(ctx, "movies", Item{"id": id})
		require.NoError(t, err)
	}
	te.remote.on("m2", func(Kind, Item) (Item, error) {
		return nil, conflict(http.StatusConflict, Item{"id": "m2", "version": "v9"})
	})

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushComplete, res.Status)
	require.Equal(t, SucceededWithConflicts, res.Outcome())
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 2, res.Succeeded)
	require.Len(t, res.Errors, 1)
	require.Equal(t, http.StatusConflict, res.Errors[0].Status)
	require.True(t, res.Errors[0].IsConflict())
	require.Equal(t, "v9", res.Errors[0].Result[VersionProperty])

	var pfe *PushFailedError
	require.ErrorAs(t, res.Err(), &pfe)

	ops := te.queued(t)
	require.Len(t, ops, 1)
	require.Equal(t, "m2", ops[0].ItemID)
	require.Equal(t, StateFailed, ops[0].State)
}

func TestEngine_TransportFailureAborts(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		_, err := te.InsertItem(ctx, "movies", Item{"id": id})
		require.NoError(t, err)
	}
	te.remote.on("m2", func(Kind, Item) (Item, error) { return nil, errNetwork })

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushCancelledByNetworkError, res.Status)
	require.Equal(t, Aborted, res.Outcome())
	require.Equal(t, 1, res.Succeeded)
	require.Len(t, res.OtherErrors, 1)
	require.ErrorIs(t, res.Err(), errNetwork)
	require.Empty(t, res.Errors)

	ops := te.queued(t)
	require.Equal(t, []string{"m2", "m3", "m4"}, []string{ops[0].ItemID, ops[1].ItemID, ops[2].ItemID})
	require.Equal(t, StateFailed, ops[0].State)
	require.Equal(t, StatePending, ops[1].State)
	require.Equal(t, StatePending, ops[2].State)
	require.Len(t, te.remote.recorded(), 2)

	// resuming starts again from the lowest remaining sequence
	te.remote.on("m2", nil)
	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, AllSucceeded, res.Outcome())
	require.Equal(t, 3, res.Succeeded)
}

func TestEngine_UnexpectedStatusAborts(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	for _, id := range []string{"m1", "m2"} {
		_, err := te.InsertItem(ctx, "movies", Item{"id": id})
		require.NoError(t, err)
	}

	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, &RemoteError{Status: http.StatusInternalServerError} })
	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushCancelledByNetworkError, res.Status)
	require.Equal(t, 0, te.errs.count())

	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, &RemoteError{Status: http.StatusUnauthorized} })
	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushCancelledByAuthenticationError, res.Status)

	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, ErrAbortPush })
	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushCancelledByOperation, res.Status)
	require.Len(t, te.remote.recorded(), 3)
}

func TestEngine_DeleteOfMissingRemoteItemSucceeds(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1"}))
	require.NoError(t, te.DeleteItem(ctx, "movies", Item{"id": "m1"}))
	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, &RemoteError{Status: http.StatusNotFound} })

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, AllSucceeded, res.Outcome())
	require.Equal(t, int64(0), te.PendingOperations())
	require.Equal(t, 0, te.errs.count())
}

func TestEngine_DeleteAfterCompletedInsertIsAllowed(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	_, err = te.Push(ctx)
	require.NoError(t, err)

	require.NoError(t, te.DeleteItem(ctx, "movies", Item{"id": "m1"}))
	ops := te.queued(t)
	require.Len(t, ops, 1)
	require.Equal(t, KindDelete, ops[0].Kind)
}

func TestEngine_ConflictResolvedWithServerCopy(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m2", "title": "mine", "version": "v1"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m2", "title": "mine2", "version": "v1"}))
	server := Item{"id": "m2", "title": "theirs", "version": "v5"}
	te.remote.on("m2", func(Kind, Item) (Item, error) {
		return nil, conflict(http.StatusPreconditionFailed, server)
	})

	_, err := te.Push(ctx)
	require.NoError(t, err)
	ops := te.queued(t)
	require.Len(t, ops, 1)
	require.Equal(t, KindUpdate, ops[0].Kind)

	errs, err := te.LoadErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	oe := errs[0]
	require.Equal(t, http.StatusPreconditionFailed, oe.Status)
	require.Equal(t, "theirs", oe.Result["title"])
	require.Equal(t, "mine2", oe.Item["title"])
	require.Equal(t, ops[0].ID, oe.ID)

	require.NoError(t, oe.CancelAndUpdateItem(ctx, oe.Result))
	require.True(t, oe.Handled)
	require.Equal(t, int64(0), te.PendingOperations())
	local, err := te.GetItem(ctx, "movies", "m2")
	require.NoError(t, err)
	require.Equal(t, "theirs", local["title"])

	errs, err = te.LoadErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.True(t, errs[0].Handled)

	// handled errors are pruned by the next push
	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 0, te.errs.count())
}

func TestEngine_ConflictResolvedByUpdatingOperation(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1", "title": "A", "version": "v1"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "B", "version": "v1"}))
	calls := 0
	te.remote.on("m1", func(_ Kind, item Item) (Item, error) {
		calls++
		if calls == 1 {
			return nil, conflict(http.StatusPreconditionFailed, Item{"id": "m1", "title": "S", "version": "v2"})
		}
		out := item.Clone()
		out["version"] = "v3"
		return out, nil
	})

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	merged := Item{"id": "m1", "title": "B+S", "version": "v2"}
	require.NoError(t, res.Errors[0].UpdateOperation(ctx, merged))

	ops := te.queued(t)
	require.Len(t, ops, 1)
	require.Equal(t, StatePending, ops[0].State)
	require.Equal(t, "B+S", ops[0].Item["title"])

	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, AllSucceeded, res.Outcome())
	local, err := te.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.Equal(t, "v3", local["version"])
	require.Equal(t, 0, te.errs.count())
}

func TestEngine_ConflictResolvedByDiscarding(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, conflict(http.StatusConflict, Item{"id": "m1"}) })

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	oe := res.Errors[0]

	require.NoError(t, oe.CancelAndDiscardItem(ctx))
	require.Equal(t, int64(0), te.PendingOperations())
	local, err := te.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.Nil(t, local)

	// a second resolution finds the operation gone
	require.ErrorIs(t, oe.CancelAndDiscardItem(ctx), ErrOperationChanged)
}

func TestEngine_ResolutionRejectsStaleOperation(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "A"}))
	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, conflict(http.StatusPreconditionFailed, nil) })
	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)

	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "B"}))
	err = res.Errors[0].UpdateOperation(ctx, Item{"id": "m1", "title": "merged"})
	require.ErrorIs(t, err, ErrOperationChanged)
	err = res.Errors[0].CancelAndUpdateItem(ctx, Item{"id": "other"})
	require.Error(t, err)
}

func TestEngine_DeleteSendsStoredCopy(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1", "title": "A", "version": "7"}))

	require.NoError(t, te.DeleteItem(ctx, "movies", Item{"id": "m1"}))
	err := te.DeleteItem(ctx, "movies", Item{"id": "ghost"})
	require.ErrorIs(t, err, ErrItemNotFound)
	require.Equal(t, int64(1), te.PendingOperations())

	_, err = te.Push(ctx)
	require.NoError(t, err)
	calls := te.remote.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, KindDelete, calls[0].Kind)
	require.Equal(t, "m1", calls[0].Item.ID())
	require.Equal(t, "7", calls[0].Item[VersionProperty])
}

func TestEngine_DeleteAfterConflictDropsItsError(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m2", "title": "A", "version": "v1"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m2", "title": "B", "version": "v1"}))
	te.remote.on("m2", func(kind Kind, _ Item) (Item, error) {
		if kind == KindDelete {
			return nil, nil
		}
		return nil, conflict(http.StatusPreconditionFailed, Item{"id": "m2", "version": "v2"})
	})

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 1, te.errs.count())

	// the delete replaces the rejected update, and its error goes with it
	require.NoError(t, te.DeleteItem(ctx, "movies", Item{"id": "m2"}))
	require.Equal(t, 0, te.errs.count())

	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, AllSucceeded, res.Outcome())
	require.Equal(t, int64(0), te.PendingOperations())

	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Attempted)
	require.Equal(t, AllSucceeded, res.Outcome())
}

func TestEngine_PushPrunesErrorsOfRemovedOperations(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.errs.PersistError(ctx, ErrorRecord{
		ID:        "gone-op",
		Status:    http.StatusConflict,
		Version:   1,
		Kind:      KindUpdate,
		TableName: "movies",
		Item:      mustJSON(Item{"id": "m9"}),
	}))

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, AllSucceeded, res.Outcome())
	require.Equal(t, 0, te.errs.count())
}

func TestEngine_RemoveTableDropsErrors(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, conflict(http.StatusConflict, nil) })
	_, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, te.errs.count())

	ids, err := te.Queue().RemoveTable(ctx, "movies")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, 0, te.errs.count())
}

func TestEngine_OperationChangedInFlightIsNotCounted(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1", "title": "A"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "B"}))
	calls := 0
	te.remote.on("m1", func(_ Kind, item Item) (Item, error) {
		calls++
		if calls == 1 {
			require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "C"}))
		}
		out := item.Clone()
		out[VersionProperty] = "v1"
		return out, nil
	})

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushComplete, res.Status)
	require.Equal(t, 1, res.Attempted)
	require.Equal(t, 0, res.Succeeded)
	require.Equal(t, int64(1), te.PendingOperations())

	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	calls2 := te.remote.recorded()
	require.Len(t, calls2, 2)
	require.Equal(t, "C", calls2[1].Item["title"])
}

func TestEngine_InsertConflictConvertedToUpdate(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1", "title": "mine"})
	require.NoError(t, err)
	calls := 0
	te.remote.on("m1", func(_ Kind, item Item) (Item, error) {
		calls++
		if calls == 1 {
			return nil, conflict(http.StatusConflict, Item{"id": "m1", "title": "theirs", "version": "v4"})
		}
		out := item.Clone()
		out[VersionProperty] = "v5"
		return out, nil
	})

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	oe := res.Errors[0]

	require.NoError(t, oe.ConvertToUpdate(ctx, Item{"id": "m1", "title": "mine", "version": "v4"}))
	require.True(t, oe.Handled)
	ops := te.queued(t)
	require.Len(t, ops, 1)
	require.Equal(t, KindUpdate, ops[0].Kind)
	require.NotEqual(t, oe.ID, ops[0].ID)
	local, err := te.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.Equal(t, "v4", local[VersionProperty])

	// a second resolution finds the insert gone
	require.ErrorIs(t, oe.ConvertToUpdate(ctx, Item{"id": "m1"}), ErrOperationChanged)

	res, err = te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, AllSucceeded, res.Outcome())
	recorded := te.remote.recorded()
	require.Equal(t, KindUpdate, recorded[len(recorded)-1].Kind)
	require.Equal(t, "v4", recorded[len(recorded)-1].Item[VersionProperty])
}

func TestEngine_ConvertToUpdateRequiresInsert(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.local.UpsertItems(ctx, "movies", Item{"id": "m1"}))
	require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": "m1", "title": "A"}))
	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, conflict(http.StatusPreconditionFailed, nil) })

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Error(t, res.Errors[0].ConvertToUpdate(ctx, Item{"id": "m1"}))
	require.Equal(t, KindUpdate, te.queued(t)[0].Kind)
}

func TestEngine_MissingLocalItemIsRecorded(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	op := mustOp(t, KindUpdate, "ghost", nil)
	_, err := te.Queue().Enqueue(ctx, op, nil)
	require.NoError(t, err)

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushComplete, res.Status)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 0, res.Errors[0].Status)
	require.Equal(t, Item{"id": "ghost"}, res.Errors[0].Item)
	require.Empty(t, te.remote.recorded())
	require.Equal(t, int64(1), te.PendingOperations())
	require.Equal(t, 0, te.errs.count(), "errors without a conflict status are reported once")
}

func TestEngine_LocalStoreFailureAbortsPush(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	te.local.upsertErr = errors.New("read-only database")

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushCancelledByLocalStoreError, res.Status)
	var lse *LocalStoreError
	require.ErrorAs(t, res.Err(), &lse)
	require.Equal(t, int64(1), te.PendingOperations())
}

func TestEngine_PushCancelledByContext(t *testing.T) {
	te := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := te.InsertItem(ctx, "movies", Item{"id": id})
		require.NoError(t, err)
	}
	te.remote.on("m1", func(_ Kind, item Item) (Item, error) {
		cancel()
		return item, nil
	})

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushCancelledByContext, res.Status)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, int64(2), te.PendingOperations())
}

func TestEngine_PushFiltersTables(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	_, err = te.InsertItem(ctx, "books", Item{"id": "b1"})
	require.NoError(t, err)

	res, err := te.Push(ctx, "books")
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	dirty, err := te.IsTableDirty(ctx, "movies")
	require.NoError(t, err)
	require.True(t, dirty)
	dirty, err = te.IsTableDirty(ctx, "books")
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestEngine_PurgeTable(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	te.remote.on("m1", func(Kind, Item) (Item, error) { return nil, conflict(http.StatusConflict, nil) })
	_, err = te.Push(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, te.PurgeTable(ctx, "movies", false), ErrTableDirty)
	require.NoError(t, te.PurgeTable(ctx, "movies", true))
	require.Equal(t, int64(0), te.PendingOperations())
	require.Equal(t, 0, te.errs.count())
	local, err := te.GetItem(ctx, "movies", "m1")
	require.NoError(t, err)
	require.Nil(t, local)
}

func TestEngine_ConcurrentMutationsAndPushes(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				item, err := te.InsertItem(ctx, "movies", Item{"title": "t"})
				require.NoError(t, err)
				if (w+i)%3 == 0 {
					require.NoError(t, te.ReplaceItem(ctx, "movies", Item{"id": item.ID(), "title": "u"}))
				}
			}
		}()
	}
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.Push(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := te.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushComplete, res.Status)
	require.Equal(t, int64(0), te.PendingOperations())

	inserts := map[string]int{}
	for _, c := range te.remote.recorded() {
		if c.Kind == KindInsert {
			inserts[c.Item.ID()]++
		}
	}
	require.Len(t, inserts, 80)
}

func TestEngine_StageMetrics(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	stages := map[string]int{}
	cfg := DefaultConfig()
	cfg.StageMetrics = StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		mu.Lock()
		defer mu.Unlock()
		stages[timing.Operation+"/"+timing.Stage]++
	})
	engine, err := NewEngine(newMemOperationStore(), newMemErrorStore(), newMemLocalStore(), newFakeRemote(), cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(ctx))

	_, err = engine.InsertItem(ctx, "movies", Item{"id": "m1"})
	require.NoError(t, err)
	_, err = engine.Push(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, stages["enqueue/total"])
	require.Equal(t, 1, stages["push/remote"])
	require.Equal(t, 1, stages["push/local"])
	require.Equal(t, 1, stages["push/total"])
}

func TestEngine_PushRequiresInitialize(t *testing.T) {
	engine, err := NewEngine(newMemOperationStore(), newMemErrorStore(), newMemLocalStore(), newFakeRemote(), nil)
	require.NoError(t, err)
	_, err = engine.Push(context.Background())
	require.ErrorIs(t, err, ErrQueueNotInitialized)
}
