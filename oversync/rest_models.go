// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

// REST/JSON models for HTTP API responses. Items themselves travel as plain JSON objects.

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status           string   `json:"status"`            // healthy, unhealthy
	AppName          string   `json:"app_name"`          // Application name
	RegisteredTables []string `json:"registered_tables"` // Tables registered for sync
}
