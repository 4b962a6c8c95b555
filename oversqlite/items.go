// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/mobiletoly/go-overqueue/overqueue"
)

// syncedTable resolves a registered table and its key column
func (s *Store) syncedTable(ctx context.Context, q sqlx.QueryerContext, table string) (*TableInfo, *ColumnInfo, error) {
	keyName, ok := s.keys[strings.ToLower(table)]
	if !ok {
		return nil, nil, fmt.Errorf("table %s is not registered for sync", table)
	}
	info, err := s.info.Get(ctx, q, table)
	if err != nil {
		return nil, nil, err
	}
	key, _ := info.Column(keyName)
	return info, key, nil
}

// keyValue converts an item id to the value stored in the key column
func keyValue(key *ColumnInfo, id string) (any, error) {
	if !key.IsBlob() {
		return id, nil
	}
	b, err := decodeBlob(id, true)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key %s: %w", id, err)
	}
	return b, nil
}

// GetItem loads one row as an item; it returns (nil, nil) when the row does not exist
func (s *Store) GetItem(ctx context.Context, table, id string) (overqueue.Item, error) {
	info, key, err := s.syncedTable(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	kv, err := keyValue(key, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quoteIdent(info.Table), quoteIdent(key.Name)), kv)
	if err != nil {
		return nil, fmt.Errorf("failed to query row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query row: %w", err)
		}
		return nil, nil
	}
	row := make(map[string]any)
	if err := rows.MapScan(row); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return rowToItem(info, key, row), nil
}

// GetItems returns every row of a synced table (for debugging/inspection)
func (s *Store) GetItems(ctx context.Context, table string) ([]overqueue.Item, error) {
	info, key, err := s.syncedTable(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY rowid", quoteIdent(info.Table)))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var items []overqueue.Item
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		items = append(items, rowToItem(info, key, row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return items, nil
}

func rowToItem(info *TableInfo, key *ColumnInfo, row map[string]any) overqueue.Item {
	item := make(overqueue.Item, len(row))
	for name, val := range row {
		col, ok := info.Column(name)
		isKey := ok && strings.EqualFold(col.Name, key.Name)
		switch v := val.(type) {
		case []byte:
			if ok && col.IsBlob() {
				val = encodeBlob(v, isKey)
			} else {
				val = string(v)
			}
		case int64:
			if ok && col.IsBoolean() {
				val = v != 0
			}
		case time.Time:
			val = v.UTC().Format(time.RFC3339Nano)
		}
		if isKey {
			item[overqueue.IDProperty] = fmt.Sprint(val)
			continue
		}
		item[name] = val
	}
	return item
}

// UpsertItems inserts or updates rows in one transaction. Item fields without a column are ignored.
func (s *Store) UpsertItems(ctx context.Context, table string, items ...overqueue.Item) error {
	if len(items) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	info, key, err := s.syncedTable(ctx, tx, table)
	if err != nil {
		return err
	}
	for _, item := range items {
		query, args, err := upsertStatement(info, key, item)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to execute upsert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func upsertStatement(info *TableInfo, key *ColumnInfo, item overqueue.Item) (string, []any, error) {
	id := item.ID()
	if id == "" {
		return "", nil, fmt.Errorf("item for %s has no %q", info.Table, overqueue.IDProperty)
	}
	kv, err := keyValue(key, id)
	if err != nil {
		return "", nil, err
	}

	columns := []string{quoteIdent(key.Name)}
	placeholders := []string{"?"}
	args := []any{kv}
	var updates []string
	for name, val := range item {
		if name == overqueue.IDProperty {
			continue
		}
		col, ok := info.Column(name)
		if !ok || strings.EqualFold(col.Name, key.Name) {
			continue
		}
		v, err := columnValue(col, val)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode %s.%s: %w", info.Table, col.Name, err)
		}
		columns = append(columns, quoteIdent(col.Name))
		placeholders = append(placeholders, "?")
		args = append(args, v)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(col.Name), quoteIdent(col.Name)))
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
		quoteIdent(info.Table), strings.Join(columns, ", "), strings.Join(placeholders, ", "),
		quoteIdent(key.Name), conflict)
	return query, args, nil
}

// columnValue converts a JSON value to what SQLite stores for the column
func columnValue(col *ColumnInfo, val any) (any, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		if col.IsBlob() {
			return decodeBlob(v, col.IsPrimaryKey)
		}
		return v, nil
	case float64:
		if col.IsInteger() && v == math.Trunc(v) {
			return int64(v), nil
		}
		return v, nil
	case json.Number:
		if col.IsInteger() {
			if n, err := v.Int64(); err == nil {
				return n, nil
			}
		}
		return v.String(), nil
	case bool, int, int64:
		return v, nil
	case map[string]any, []any, overqueue.Item:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}

func (s *Store) DeleteItems(ctx context.Context, table string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	info, key, err := s.syncedTable(ctx, s.db, table)
	if err != nil {
		return err
	}
	keys := make([]any, 0, len(ids))
	for _, id := range ids {
		kv, err := keyValue(key, id)
		if err != nil {
			return err
		}
		keys = append(keys, kv)
	}
	query, args, err := sqlx.In(
		fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", quoteIdent(info.Table), quoteIdent(key.Name)), keys)
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

func (s *Store) PurgeItems(ctx context.Context, table string) error {
	info, _, err := s.syncedTable(ctx, s.db, table)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(info.Table))); err != nil {
		return fmt.Errorf("failed to purge %s: %w", table, err)
	}
	return nil
}
