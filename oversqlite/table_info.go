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
)

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// IsBlob returns true if this column should be treated as BLOB data
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

// IsInteger returns true for columns with INTEGER affinity
func (c *ColumnInfo) IsInteger() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "int")
}

// IsBoolean returns true for columns declared BOOLEAN
func (c *ColumnInfo) IsBoolean() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "bool")
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Table      string
	Columns    []ColumnInfo
	byLower    map[string]int
	PrimaryKey *ColumnInfo
}

// Column finds a column by name, ignoring case
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	i, ok := t.byLower[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &t.Columns[i], true
}

// TableInfoProvider manages cached table information
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*TableInfo),
	}
}

// Get retrieves table information, using cache when available
func (p *TableInfoProvider) Get(ctx context.Context, queryer sqlx.QueryerContext, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)

	p.mutex.RLock()
	if info, exists := p.cache[key]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check in case another goroutine populated it
	if info, exists := p.cache[key]; exists {
		return info, nil
	}

	rows, err := queryer.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", tableName, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: key, byLower: make(map[string]int)}
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		var defaultVal *string
		if defaultValue.Valid {
			defaultVal = &defaultValue.String
		}
		info.byLower[strings.ToLower(name)] = len(info.Columns)
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk == 1,
			NotNull:      notNull == 1,
			DefaultValue: defaultVal,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", tableName)
	}
	for i := range info.Columns {
		if info.Columns[i].IsPrimaryKey {
			info.PrimaryKey = &info.Columns[i]
			break
		}
	}

	p.cache[key] = info
	return info, nil
}

// ClearCache clears the table info cache
func (p *TableInfoProvider) ClearCache() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*TableInfo)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
