// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mobiletoly/go-overqueue/overqueue"
)

// TableItemEntity represents a row of sync.table_items
type TableItemEntity struct {
	UserID    string    `db:"user_id"`
	TableName string    `db:"table_name"`
	ID        string    `db:"id"`
	Version   int64     `db:"version"`
	Deleted   bool      `db:"deleted"`
	Payload   []byte    `db:"payload"`
	UpdatedBy string    `db:"updated_by"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ToItem converts the row to the item returned to clients: the stored payload plus system properties
func (e *TableItemEntity) ToItem() (overqueue.Item, error) {
	item := overqueue.Item{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &item); err != nil {
			return nil, err
		}
	}
	item[PropID] = e.ID
	item[PropVersion] = strconv.FormatInt(e.Version, 10)
	item[PropUpdatedAt] = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	item[PropDeleted] = e.Deleted
	return item, nil
}
