// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mobiletoly/go-overqueue/overqueue"
)

// SyncTable represents a local table whose items are synchronized
type SyncTable struct {
	TableName         string // Table name (e.g., "users", "posts")
	SyncKeyColumnName string // Primary key column holding the item id (empty string defaults to "id")
}

// Store keeps the operations queue, the operation errors and the synced tables in one SQLite database.
// It implements overqueue.OperationStore, overqueue.ErrorStore and overqueue.LocalStore.
type Store struct {
	db      *sqlx.DB
	info    *TableInfoProvider
	keys    map[string]string // lower-case table name -> key column
	writeMu sync.Mutex        // Serialize write operations to prevent SQLite locking issues
}

var (
	_ overqueue.OperationStore = (*Store)(nil)
	_ overqueue.ErrorStore     = (*Store)(nil)
	_ overqueue.LocalStore     = (*Store)(nil)
)

// NewStore creates the sync tables if needed and validates the registered business tables
func NewStore(ctx context.Context, db *sqlx.DB, tables []SyncTable) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Store{
		db:   db,
		info: NewTableInfoProvider(),
		keys: make(map[string]string, len(tables)),
	}
	for _, t := range tables {
		key := t.SyncKeyColumnName
		if key == "" {
			key = overqueue.IDProperty
		}
		info, err := s.info.Get(ctx, db, t.TableName)
		if err != nil {
			return nil, err
		}
		col, ok := info.Column(key)
		if !ok || !col.IsPrimaryKey {
			return nil, fmt.Errorf("table %s: key column %s must be the primary key", t.TableName, key)
		}
		s.keys[strings.ToLower(t.TableName)] = col.Name
	}
	return s, nil
}

// DB returns the underlying database
func (s *Store) DB() *sqlx.DB { return s.db }

type operationRow struct {
	ID        string         `db:"id"`
	Kind      string         `db:"kind"`
	State     string         `db:"state"`
	TableName string         `db:"table_name"`
	ItemID    string         `db:"item_id"`
	Item      sql.NullString `db:"item"`
	Sequence  int64          `db:"sequence"`
	Version   int64          `db:"version"`
}

func (s *Store) LoadOperations(ctx context.Context) ([]overqueue.OperationRecord, error) {
	var rows []operationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, state, table_name, item_id, item, sequence, version
		FROM _sync_operations
		ORDER BY sequence
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}

	recs := make([]overqueue.OperationRecord, 0, len(rows))
	for _, r := range rows {
		kind, err := overqueue.ParseKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", r.ID, err)
		}
		state, err := overqueue.ParseState(r.State)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", r.ID, err)
		}
		rec := overqueue.OperationRecord{
			ID:        r.ID,
			Kind:      kind,
			State:     state,
			TableName: r.TableName,
			ItemID:    r.ItemID,
			Sequence:  r.Sequence,
			Version:   r.Version,
		}
		if r.Item.Valid {
			rec.Item = []byte(r.Item.String)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) PersistOperation(ctx context.Context, rec overqueue.OperationRecord) error {
	row := operationRow{
		ID:        rec.ID,
		Kind:      rec.Kind.String(),
		State:     rec.State.String(),
		TableName: rec.TableName,
		ItemID:    rec.ItemID,
		Item:      sql.NullString{String: string(rec.Item), Valid: rec.Item != nil},
		Sequence:  rec.Sequence,
		Version:   rec.Version,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO _sync_operations (id, kind, state, table_name, item_id, item, sequence, version)
		VALUES (:id, :kind, :state, :table_name, :item_id, :item, :sequence, :version)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			item = excluded.item,
			sequence = excluded.sequence,
			version = excluded.version
	`, row)
	if err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _sync_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

type errorRow struct {
	ID        string         `db:"id"`
	Status    sql.NullInt64  `db:"status"`
	Version   int64          `db:"version"`
	Kind      string         `db:"kind"`
	TableName string         `db:"table_name"`
	Item      sql.NullString `db:"item"`
	RawResult sql.NullString `db:"raw_result"`
	Handled   bool           `db:"handled"`
}

func (s *Store) PersistError(ctx context.Context, rec overqueue.ErrorRecord) error {
	row := errorRow{
		ID:        rec.ID,
		Status:    sql.NullInt64{Int64: int64(rec.Status), Valid: rec.Status != 0},
		Version:   rec.Version,
		Kind:      rec.Kind.String(),
		TableName: rec.TableName,
		Item:      sql.NullString{String: string(rec.Item), Valid: rec.Item != nil},
		RawResult: sql.NullString{String: rec.RawResult, Valid: rec.RawResult != ""},
		Handled:   rec.Handled,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO _sync_errors (id, status, version, kind, table_name, item, raw_result, handled)
		VALUES (:id, :status, :version, :kind, :table_name, :item, :raw_result, :handled)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			kind = excluded.kind,
			item = excluded.item,
			raw_result = excluded.raw_result,
			handled = excluded.handled
	`, row)
	if err != nil {
		return fmt.Errorf("failed to persist error %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) QueryErrors(ctx context.Context, q overqueue.ErrorQuery) (overqueue.ErrorPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, status, version, kind, table_name, item, raw_result, handled FROM _sync_errors`
	var args []any
	if len(q.Tables) > 0 {
		query += ` WHERE table_name IN (?)`
		args = append(args, q.Tables)
	}
	query += ` ORDER BY rowid LIMIT ? OFFSET ?`
	args = append(args, limit+1, q.Offset)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return overqueue.ErrorPage{}, fmt.Errorf("failed to build error query: %w", err)
	}
	var rows []errorRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return overqueue.ErrorPage{}, fmt.Errorf("failed to query errors: %w", err)
	}

	page := overqueue.ErrorPage{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	for _, r := range rows {
		kind, err := overqueue.ParseKind(r.Kind)
		if err != nil {
			return overqueue.ErrorPage{}, fmt.Errorf("error %s: %w", r.ID, err)
		}
		rec := overqueue.ErrorRecord{
			ID:        r.ID,
			Status:    int(r.Status.Int64),
			Version:   r.Version,
			Kind:      kind,
			TableName: r.TableName,
			RawResult: r.RawResult.String,
			Handled:   r.Handled,
		}
		if r.Item.Valid {
			rec.Item = []byte(r.Item.String)
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (s *Store) MarkErrorHandled(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `UPDATE _sync_errors SET handled = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark error %s handled: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteErrors(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM _sync_errors WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete errors: %w", err)
	}
	return nil
}
