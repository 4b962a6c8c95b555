package overqueue

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// memOperationStore is an in-memory OperationStore
type memOperationStore struct {
	mu         sync.Mutex
	recs       map[string]OperationRecord
	persistErr error
	writes     int
}

func newMemOperationStore() *memOperationStore {
	return &memOperationStore{recs: make(map[string]OperationRecord)}
}

func (s *memOperationStore) LoadOperations(ctx context.Context) ([]OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OperationRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memOperationStore) PersistOperation(ctx context.Context, rec OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	s.writes++
	s.recs[rec.ID] = rec
	return nil
}

func (s *memOperationStore) DeleteOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	delete(s.recs, id)
	return nil
}

func (s *memOperationStore) get(id string) (OperationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	return r, ok
}

func (s *memOperationStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// memErrorStore is an in-memory ErrorStore ordered by first insertion
type memErrorStore struct {
	mu    sync.Mutex
	recs  map[string]ErrorRecord
	order []string
}

func newMemErrorStore() *memErrorStore {
	return &memErrorStore{recs: make(map[string]ErrorRecord)}
}

func (s *memErrorStore) PersistError(ctx context.Context, rec ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *memErrorStore) QueryErrors(ctx context.Context, q ErrorQuery) (ErrorPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []ErrorRecord
	for _, id := range s.order {
		rec := s.recs[id]
		if len(q.Tables) > 0 && !slices.Contains(q.Tables, rec.TableName) {
			continue
		}
		matched = append(matched, rec)
	}
	if q.Offset >= len(matched) {
		return ErrorPage{}, nil
	}
	end := min(q.Offset+q.Limit, len(matched))
	return ErrorPage{Records: matched[q.Offset:end], HasMore: end < len(matched)}, nil
}

func (s *memErrorStore) MarkErrorHandled(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	rec.Handled = true
	s.recs[id] = rec
	return nil
}

func (s *memErrorStore) DeleteErrors(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.recs, id)
		s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	}
	return nil
}

func (s *memErrorStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// memLocalStore is an in-memory LocalStore
type memLocalStore struct {
	mu        sync.Mutex
	tables    map[string]map[string]Item
	upsertErr error
}

func newMemLocalStore() *memLocalStore {
	return &memLocalStore{tables: make(map[string]map[string]Item)}
}

func (s *memLocalStore) GetItem(ctx context.Context, table, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[table][id].Clone(), nil
}

func (s *memLocalStore) UpsertItems(ctx context.Context, table string, items ...Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]Item)
	}
	for _, it := range items {
		s.tables[table][it.ID()] = it.Clone()
	}
	return nil
}

func (s *memLocalStore) DeleteItems(ctx context.Context, table string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.tables[table], id)
	}
	return nil
}

func (s *memLocalStore) PurgeItems(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	return nil
}

// remoteCall records one call made against fakeRemote
type remoteCall struct {
	Kind  Kind
	Table string
	Item  Item
}

// fakeRemote is a scripted remote. Unscripted calls echo the item with version "v1".
type fakeRemote struct {
	mu     sync.Mutex
	calls  []remoteCall
	script map[string]func(kind Kind, item Item) (Item, error) // keyed by item id
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{script: make(map[string]func(Kind, Item) (Item, error))}
}

func (r *fakeRemote) on(itemID string, fn func(kind Kind, item Item) (Item, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script[itemID] = fn
}

func (r *fakeRemote) Table(name string) RemoteTable {
	return &fakeRemoteTable{remote: r, name: name}
}

func (r *fakeRemote) call(kind Kind, table string, item Item) (Item, error) {
	r.mu.Lock()
	r.calls = append(r.calls, remoteCall{Kind: kind, Table: table, Item: item.Clone()})
	fn := r.script[item.ID()]
	r.mu.Unlock()
	if fn != nil {
		return fn(kind, item)
	}
	out := item.Clone()
	out[VersionProperty] = "v1"
	return out, nil
}

func (r *fakeRemote) recorded() []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remoteCall(nil), r.calls...)
}

type fakeRemoteTable struct {
	remote *fakeRemote
	name   string
}

func (t *fakeRemoteTable) Insert(ctx context.Context, item Item) (Item, error) {
	return t.remote.call(KindInsert, t.name, item)
}

func (t *fakeRemoteTable) Replace(ctx context.Context, item Item) (Item, error) {
	return t.remote.call(KindUpdate, t.name, item)
}

func (t *fakeRemoteTable) Delete(ctx context.Context, item Item) error {
	_, err := t.remote.call(KindDelete, t.name, item)
	return err
}

type testEngine struct {
	*Engine
	ops    *memOperationStore
	errs   *memErrorStore
	local  *memLocalStore
	remote *fakeRemote
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{
		ops:    newMemOperationStore(),
		errs:   newMemErrorStore(),
		local:  newMemLocalStore(),
		remote: newFakeRemote(),
	}
	cfg := DefaultConfig()
	cfg.ErrorPageSize = 2
	engine, err := NewEngine(te.ops, te.errs, te.local, te.remote, cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(context.Background()))
	te.Engine = engine
	return te
}

func (te *testEngine) queued(t *testing.T) []*Operation {
	t.Helper()
	var out []*Operation
	for op, err := range te.Queue().InOrder(context.Background()) {
		require.NoError(t, err)
		out = append(out, op)
	}
	return out
}

func conflict(status int, server Item) error {
	body := []byte(`{}`)
	if server != nil {
		body = mustJSON(server)
	}
	return &RemoteError{Status: status, Body: body, Item: server}
}

var errNetwork = errors.New("connection reset by peer")

func sortedIDs(ops []*Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ItemID)
	}
	sort.Strings(ids)
	return ids
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
