// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-overqueue - Offline Operations Queue")
	fmt.Println("=======================================")
	fmt.Println()
	fmt.Println("go-overqueue records local writes as queued operations, collapses them while offline")
	fmt.Println("and pushes them to a remote table service, reporting per-item conflicts for resolution.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println("  overqueue/    queue, collapsing, push engine and operation errors")
	fmt.Println("  oversqlite/   SQLite stores and the offline client with background push")
	fmt.Println("  remotetable/  REST remote table provider with a circuit breaker")
	fmt.Println("  oversync/     Postgres reference table service and HTTP handlers")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println("1. HTTP Server (examples/nethttp_server/)")
	fmt.Println("   Postgres-backed table server with JWT auth and If-Match concurrency")
	fmt.Println("   Run: go run ./examples/nethttp_server")
	fmt.Println()
	fmt.Println("2. Offline Client (examples/offline_client/)")
	fmt.Println("   Concurrent offline writers, push and conflict inspection")
	fmt.Println("   Run: go run ./examples/offline_client -server http://localhost:8080")
	fmt.Println()
}
