// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

//go:build !sqlite_purego

package oversqlite

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverID = "mattn/go-sqlite3"
const driverName = "sqlite3"
