// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overqueue

import "log/slog"

// Config holds configuration for the Engine
type Config struct {
	ErrorPageSize   int                  // operation errors read per store query, e.g. 50
	StageMetrics    StageMetricsRecorder // optional
	LogStageTimings bool                 // log every stage timing at debug level
	Logger          *slog.Logger         // slog.Default() when nil
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		ErrorPageSize: 50,
	}
}
