// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-overqueue/overqueue"
)

const selectItemForUpdateSQL = /*language=postgresql*/ `
	SELECT user_id, table_name, id, version, deleted, payload, updated_by, updated_at
	FROM sync.table_items
	WHERE user_id = $1 AND table_name = $2 AND id = $3
	FOR UPDATE`

const selectItemSQL = /*language=postgresql*/ `
	SELECT user_id, table_name, id, version, deleted, payload, updated_by, updated_at
	FROM sync.table_items
	WHERE user_id = $1 AND table_name = $2 AND id = $3`

const insertItemSQL = /*language=postgresql*/ `
	INSERT INTO sync.table_items (user_id, table_name, id, version, deleted, payload, updated_by, updated_at)
	VALUES ($1, $2, $3, 1, FALSE, $4, $5, now())
	RETURNING user_id, table_name, id, version, deleted, payload, updated_by, updated_at`

const writeItemSQL = /*language=postgresql*/ `
	UPDATE sync.table_items
	SET version = version + 1, deleted = $4, payload = $5, updated_by = $6, updated_at = now()
	WHERE user_id = $1 AND table_name = $2 AND id = $3
	RETURNING user_id, table_name, id, version, deleted, payload, updated_by, updated_at`

// Get returns the current item. Deleted items fail with ErrItemGone.
func (s *TableService) Get(ctx context.Context, userID, table, id string) (overqueue.Item, error) {
	start := s.stageStart()
	item, err := s.get(ctx, userID, table, id)
	s.observeStage(ctx, MetricsOpGet, MetricsStageTotal, start, 1, 1, err != nil)
	return item, err
}

func (s *TableService) get(ctx context.Context, userID, table, id string) (overqueue.Item, error) {
	table, err := s.checkTable(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectItemSQL, userID, table, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	entity, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[TableItemEntity])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item: %w", err)
	}
	if entity.Deleted {
		return nil, ErrItemGone
	}
	return entity.ToItem()
}

// Insert stores a new item. A missing id is generated. Inserting over a live item fails with a
// 409 ConflictError; inserting over a tombstone revives it with the next version.
func (s *TableService) Insert(
	ctx context.Context, userID, deviceID, table string, item overqueue.Item,
) (overqueue.Item, error) {
	start := s.stageStart()
	stored, err := s.insert(ctx, userID, deviceID, table, item)
	s.observeStage(ctx, MetricsOpInsert, MetricsStageTotal, start, 1, 1, err != nil)
	return stored, err
}

func (s *TableService) insert(
	ctx context.Context, userID, deviceID, table string, item overqueue.Item,
) (overqueue.Item, error) {
	table, err := s.checkTable(table)
	if err != nil {
		return nil, err
	}
	id := item.ID()
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := s.payloadOf(item)
	if err != nil {
		return nil, err
	}

	var stored *TableItemEntity
	err = s.runTx(ctx, MetricsOpInsert, func(tx pgx.Tx) error {
		current, err := lockItem(ctx, tx, userID, table, id)
		if err != nil {
			return err
		}
		switch {
		case current == nil:
			stored, err = scanItem(tx.Query(ctx, insertItemSQL, userID, table, id, payload, deviceID))
		case current.Deleted:
			stored, err = scanItem(tx.Query(ctx, writeItemSQL, userID, table, id, false, payload, deviceID))
		default:
			return conflictWith(http.StatusConflict, current)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Item inserted", "user", userID, "table", table, "id", id, "version", stored.Version)
	return stored.ToItem()
}

// Replace overwrites an existing item. ifMatch is the version the client last saw; empty or "*"
// skips the check. The returned item carries the new version.
func (s *TableService) Replace(
	ctx context.Context, userID, deviceID, table, id, ifMatch string, item overqueue.Item,
) (overqueue.Item, error) {
	start := s.stageStart()
	stored, err := s.replace(ctx, userID, deviceID, table, id, ifMatch, item)
	s.observeStage(ctx, MetricsOpReplace, MetricsStageTotal, start, 1, 1, err != nil)
	return stored, err
}

func (s *TableService) replace(
	ctx context.Context, userID, deviceID, table, id, ifMatch string, item overqueue.Item,
) (overqueue.Item, error) {
	table, err := s.checkTable(table)
	if err != nil {
		return nil, err
	}
	if bodyID := item.ID(); bodyID != "" && bodyID != id {
		return nil, fmt.Errorf("%w: body id %q does not match path id %q", ErrBadPayload, bodyID, id)
	}
	payload, err := s.payloadOf(item)
	if err != nil {
		return nil, err
	}

	var stored *TableItemEntity
	err = s.runTx(ctx, MetricsOpReplace, func(tx pgx.Tx) error {
		current, err := lockWritable(ctx, tx, userID, table, id, ifMatch)
		if err != nil {
			return err
		}
		stored, err = scanItem(tx.Query(ctx, writeItemSQL, userID, table, current.ID, false, payload, deviceID))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Item replaced", "user", userID, "table", table, "id", id, "version", stored.Version)
	return stored.ToItem()
}

// Delete turns the item into a tombstone. The payload is cleared and the version bumped.
func (s *TableService) Delete(ctx context.Context, userID, deviceID, table, id, ifMatch string) error {
	start := s.stageStart()
	err := s.delete(ctx, userID, deviceID, table, id, ifMatch)
	s.observeStage(ctx, MetricsOpDelete, MetricsStageTotal, start, 1, 1, err != nil)
	return err
}

func (s *TableService) delete(ctx context.Context, userID, deviceID, table, id, ifMatch string) error {
	table, err := s.checkTable(table)
	if err != nil {
		return err
	}
	err = s.runTx(ctx, MetricsOpDelete, func(tx pgx.Tx) error {
		if _, err := lockWritable(ctx, tx, userID, table, id, ifMatch); err != nil {
			return err
		}
		_, err := scanItem(tx.Query(ctx, writeItemSQL, userID, table, id, true, []byte("{}"), deviceID))
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Item deleted", "user", userID, "table", table, "id", id)
	return nil
}

// lockItem reads the item row under FOR UPDATE. A missing row yields nil.
func lockItem(ctx context.Context, tx pgx.Tx, userID, table, id string) (*TableItemEntity, error) {
	entity, err := scanItem(tx.Query(ctx, selectItemForUpdateSQL, userID, table, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entity, err
}

// lockWritable locks a live item and checks the client's precondition
func lockWritable(ctx context.Context, tx pgx.Tx, userID, table, id, ifMatch string) (*TableItemEntity, error) {
	current, err := lockItem(ctx, tx, userID, table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrItemNotFound
	}
	if current.Deleted {
		return nil, ErrItemGone
	}
	if !versionMatches(ifMatch, current.Version) {
		return nil, conflictWith(http.StatusPreconditionFailed, current)
	}
	return current, nil
}

func scanItem(rows pgx.Rows, err error) (*TableItemEntity, error) {
	if err != nil {
		return nil, err
	}
	entity, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[TableItemEntity])
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func conflictWith(status int, current *TableItemEntity) error {
	item, err := current.ToItem()
	if err != nil {
		return fmt.Errorf("failed to decode current item: %w", err)
	}
	return &ConflictError{Status: status, Current: item}
}

// versionMatches compares an If-Match value against the stored version
func versionMatches(ifMatch string, version int64) bool {
	ifMatch = strings.TrimSpace(ifMatch)
	if ifMatch == "" || ifMatch == "*" {
		return true
	}
	v, err := strconv.ParseInt(ifMatch, 10, 64)
	return err == nil && v == version
}

// payloadOf strips system properties and serializes the rest as the stored JSONB payload
func (s *TableService) payloadOf(item overqueue.Item) ([]byte, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: item must be a JSON object", ErrBadPayload)
	}
	payload := make(map[string]any, len(item))
	for k, v := range item {
		if !isSystemProperty(k) {
			payload[k] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if s.config.MaxPayloadBytes > 0 && len(data) > s.config.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(data), s.config.MaxPayloadBytes)
	}
	return data, nil
}
