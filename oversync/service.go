// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package oversync is the server side of go-overqueue: a user-scoped table service on Postgres
// with optimistic concurrency. Every item carries a server version that clients send back as
// If-Match; a stale version is rejected with the current server copy so the client can resolve
// the conflict.
package oversync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds configuration for the table service
type ServiceConfig struct {
	AppName          string   // Application name for connection tracking
	RegisteredTables []string // Tables clients may write (required)
	MaxPayloadBytes  int      // Maximum JSON payload size per item in bytes (0 = unlimited)
	MaxTxAttempts    int      // Attempts for transactions failing with serialization errors (0 = 5)

	StageMetrics    StageMetricsRecorder // optional
	LogStageTimings bool
}

// TableService provides the item storage behind the REST table API
type TableService struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	config           *ServiceConfig
	registeredTables map[string]bool

	mu     sync.RWMutex
	closed bool
}

// NewTableService creates a new table service from an existing pool and initializes its schema
func NewTableService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*TableService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-overqueue-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := newTableService(pool, config, logger)

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize table service: %w", err)
	}
	logger.Debug("Database schema initialized successfully", "tables", service.RegisteredTables())
	return service, nil
}

func newTableService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) *TableService {
	service := &TableService{
		pool:             pool,
		logger:           logger,
		config:           config,
		registeredTables: make(map[string]bool, len(config.RegisteredTables)),
	}
	for _, table := range config.RegisteredTables {
		service.registeredTables[normalizeTable(table)] = true
	}
	return service
}

// Close marks the service closed. It does NOT close the database pool.
func (s *TableService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
func (s *TableService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsTableRegistered checks if a table is registered for sync operations
func (s *TableService) IsTableRegistered(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registeredTables[normalizeTable(table)]
}

// RegisteredTables returns the registered table names, sorted
func (s *TableService) RegisteredTables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tables := make([]string, 0, len(s.registeredTables))
	for t := range s.registeredTables {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	return tables
}

// Health pings the database
func (s *TableService) Health(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func (s *TableService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("table service has been closed")
	}
	return nil
}

func (s *TableService) checkTable(table string) (string, error) {
	if err := s.checkClosed(); err != nil {
		return "", err
	}
	name := normalizeTable(table)
	if !s.IsTableRegistered(name) {
		return "", fmt.Errorf("%w: %s", ErrTableNotRegistered, table)
	}
	return name, nil
}

func normalizeTable(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}
