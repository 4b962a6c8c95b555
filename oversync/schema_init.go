// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *TableService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Current image of every item, user-scoped; deleted rows stay as tombstones
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.table_items (
			user_id     TEXT        NOT NULL,
			table_name  TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			version     BIGINT      NOT NULL DEFAULT 1,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			payload     JSONB       NOT NULL DEFAULT '{}'::jsonb,
			updated_by  TEXT        NOT NULL DEFAULT '',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, table_name, id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS table_items_updated_idx
			ON sync.table_items (user_id, table_name, updated_at)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
