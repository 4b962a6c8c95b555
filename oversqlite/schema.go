// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// initializeDatabase creates the queue and error tables
func initializeDatabase(ctx context.Context, db *sqlx.DB) error {
	tables := []string{
		// Operations queue: at most one row per (table_name, item_id), replayed by sequence
		`CREATE TABLE IF NOT EXISTS _sync_operations (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL CHECK (kind IN ('INSERT','UPDATE','DELETE')),
			state       TEXT NOT NULL DEFAULT 'pending',
			table_name  TEXT NOT NULL,
			item_id     TEXT NOT NULL,
			item        TEXT,             -- JSON payload (NULL for DELETE without payload)
			sequence    INTEGER NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			queued_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS _sync_operations_sequence ON _sync_operations (sequence)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS _sync_operations_item ON _sync_operations (table_name, item_id)`,

		// Operation errors, keyed by the originating operation id
		`CREATE TABLE IF NOT EXISTS _sync_errors (
			id          TEXT PRIMARY KEY,
			status      INTEGER,          -- remote status, NULL when the failure was local
			version     INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			item        TEXT,
			raw_result  TEXT,
			handled     INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_errors_table ON _sync_errors (table_name)`,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}
