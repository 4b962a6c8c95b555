// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

//go:build sqlite_purego

package oversqlite

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverID = "ncruces/go-sqlite3"
const driverName = "sqlite3"
