// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"

	json "github.com/goccy/go-json"
)

// Item is a JSON object record as stored locally and exchanged with the remote table
type Item map[string]any

// ID returns the item id or an empty string
func (it Item) ID() string {
	if it == nil {
		return ""
	}
	switch v := it[IDProperty].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Version returns the server version carried by the item, if any
func (it Item) Version() (string, bool) {
	if it == nil {
		return "", false
	}
	switch v := it[VersionProperty].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Clone returns a shallow copy of the item
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	return maps.Clone(it)
}

// ParseItem decodes a JSON object; a JSON null decodes to a nil Item
func ParseItem(data []byte) (Item, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("failed to parse item: %w", err)
	}
	return it, nil
}

// parseItemOrNil decodes a body best effort, used for error responses which may not be JSON
func parseItemOrNil(data []byte) Item {
	it, err := ParseItem(data)
	if err != nil || it.ID() == "" {
		return nil
	}
	return it
}
