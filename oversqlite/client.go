// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package oversqlite provides a SQLite-based offline client for go-overqueue.
//
// Business tables are created by the application. The client records every mutation made
// through it as a queued operation in the same database and pushes the queue to the remote
// table service, either on demand (PushOnce) or from a background loop (Start).
package oversqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mobiletoly/go-overqueue/overqueue"
	"github.com/mobiletoly/go-overqueue/remotetable"
)

// ErrPushPaused is returned by PushOnce while pushes are paused
var ErrPushPaused = errors.New("push is paused")

// Config holds configuration for the SQLite offline client
type Config struct {
	Tables        []SyncTable   // Table configurations with optional custom primary key columns
	PushInterval  time.Duration // 5s, pause between background pushes
	BackoffMin    time.Duration // 1s
	BackoffMax    time.Duration // 60s
	ErrorPageSize int           // e.g. 50 operation errors per store query
	Resolver      Resolver      // optional; nil leaves conflicts for the application
	HTTP          *http.Client  // optional HTTP client for the remote tables
	Logger        *slog.Logger  // slog.Default() when nil
}

// DefaultConfig returns a default configuration for the specified tables.
// If SyncKeyColumnName is empty string, it defaults to "id".
func DefaultConfig(tables []SyncTable) *Config {
	return &Config{
		Tables:        tables,
		PushInterval:  5 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		ErrorPageSize: 50,
	}
}

// Resolver interface for conflict resolution
type Resolver interface {
	// Merge returns the item to keep after a conflict. keepLocal=true pushes merged again over
	// the server version; keepLocal=false accepts merged (normally the server copy) locally.
	Merge(table string, id string, server overqueue.Item, local overqueue.Item) (merged overqueue.Item, keepLocal bool, err error)
}

// ServerWinsResolver provides a simple conflict resolution strategy
type ServerWinsResolver struct{}

func (r *ServerWinsResolver) Merge(table string, id string, server overqueue.Item, local overqueue.Item) (overqueue.Item, bool, error) {
	return server, false, nil
}

// Client manages the SQLite database and pushes local operations to the server
type Client struct {
	store  *Store
	engine *overqueue.Engine
	remote *remotetable.Provider
	config *Config
	logger *slog.Logger

	// Pause switch (atomic): allows callers to suspend pushes deterministically
	pushPaused int32

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewClient creates the sync tables, loads the persisted queue and connects to the server at baseURL
func NewClient(ctx context.Context, db *sqlx.DB, baseURL string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewStore(ctx, db, config.Tables)
	if err != nil {
		return nil, err
	}

	rcfg := remotetable.DefaultConfig(baseURL, tok)
	if config.HTTP != nil {
		rcfg.HTTP = config.HTTP
	}
	rcfg.Logger = logger
	remote, err := remotetable.NewProvider(rcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote provider: %w", err)
	}

	ecfg := overqueue.DefaultConfig()
	if config.ErrorPageSize > 0 {
		ecfg.ErrorPageSize = config.ErrorPageSize
	}
	ecfg.Logger = logger
	engine, err := overqueue.NewEngine(store, store, store, remote, ecfg)
	if err != nil {
		return nil, err
	}
	if err := engine.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to load operations queue: %w", err)
	}

	return &Client{
		store:  store,
		engine: engine,
		remote: remote,
		config: config,
		logger: logger,
	}, nil
}

// Engine returns the underlying push engine
func (c *Client) Engine() *overqueue.Engine { return c.engine }

// Store returns the SQLite store
func (c *Client) Store() *Store { return c.store }

// RemoteState reports the circuit breaker state of the remote tables
func (c *Client) RemoteState() string { return c.remote.BreakerState() }

// PausePush suspends push operations (PushOnce and the background loop respect this flag)
func (c *Client) PausePush() { atomic.StoreInt32(&c.pushPaused, 1) }

// ResumePush resumes push operations
func (c *Client) ResumePush() { atomic.StoreInt32(&c.pushPaused, 0) }

// InsertItem stores the item locally and queues its insert; a missing id is generated
func (c *Client) InsertItem(ctx context.Context, table string, item overqueue.Item) (overqueue.Item, error) {
	return c.engine.InsertItem(ctx, table, item)
}

// ReplaceItem stores the item locally and queues its update
func (c *Client) ReplaceItem(ctx context.Context, table string, item overqueue.Item) error {
	return c.engine.ReplaceItem(ctx, table, item)
}

// DeleteItem deletes the item locally and queues its delete
func (c *Client) DeleteItem(ctx context.Context, table string, item overqueue.Item) error {
	return c.engine.DeleteItem(ctx, table, item)
}

func (c *Client) GetItem(ctx context.Context, table, id string) (overqueue.Item, error) {
	return c.engine.GetItem(ctx, table, id)
}

func (c *Client) LoadErrors(ctx context.Context, tables ...string) ([]*overqueue.OperationError, error) {
	return c.engine.LoadErrors(ctx, tables...)
}

func (c *Client) PurgeTable(ctx context.Context, table string, force bool) error {
	return c.engine.PurgeTable(ctx, table, force)
}

func (c *Client) PendingOperations() int64 {
	return c.engine.PendingOperations()
}

// PushOnce pushes every queued operation once and, when a Resolver is configured, resolves the
// conflicts the push reported. Resolved operations are pushed on the next call.
func (c *Client) PushOnce(ctx context.Context, tables ...string) (*overqueue.PushResult, error) {
	// Allow callers to pause pushes deterministically
	if atomic.LoadInt32(&c.pushPaused) == 1 {
		return nil, ErrPushPaused
	}
	result, err := c.engine.Push(ctx, tables...)
	if err != nil {
		return nil, err
	}
	if c.config.Resolver != nil {
		for _, oe := range result.Errors {
			if err := c.resolve(ctx, oe); err != nil {
				c.logger.Warn("Failed to resolve conflict", "op_id", oe.ID, "table", oe.TableName, "error", err)
			}
		}
	}
	return result, nil
}

func (c *Client) resolve(ctx context.Context, oe *overqueue.OperationError) error {
	if oe.Status == 0 {
		// local item vanished before it could be pushed
		return oe.CancelAndDiscardItem(ctx)
	}
	if oe.Result == nil {
		if oe.Status == http.StatusNotFound || oe.Status == http.StatusGone {
			return oe.CancelAndDiscardItem(ctx)
		}
		// nothing to merge with; left for the application
		return nil
	}

	merged, keepLocal, err := c.config.Resolver.Merge(oe.TableName, oe.Item.ID(), oe.Result, oe.Item)
	if err != nil {
		return fmt.Errorf("failed to merge %s/%s: %w", oe.TableName, oe.Item.ID(), err)
	}
	if !keepLocal {
		if oe.OperationKind == overqueue.KindDelete && merged == nil {
			return oe.CancelAndDiscardItem(ctx)
		}
		return oe.CancelAndUpdateItem(ctx, merged)
	}

	if merged == nil {
		return fmt.Errorf("resolver kept no item for %s/%s", oe.TableName, oe.Item.ID())
	}
	merged = merged.Clone()
	if version, ok := oe.Result.Version(); ok {
		merged[overqueue.VersionProperty] = version
	}
	if oe.OperationKind != overqueue.KindInsert {
		return oe.UpdateOperation(ctx, merged)
	}
	// the item exists remotely, so the kept insert becomes an update
	return oe.ConvertToUpdate(ctx, merged)
}

// Start starts the background push loop; it runs until ctx is cancelled or Stop is called
func (c *Client) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stopLoop != nil {
		return fmt.Errorf("push loop already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.stopLoop = cancel
	c.loopDone = make(chan struct{})
	go func() {
		defer close(c.loopDone)
		c.pushLoop(loopCtx)
	}()
	return nil
}

// Stop stops the push loop and waits for an in-flight push to finish
func (c *Client) Stop(ctx context.Context) error {
	c.loopMu.Lock()
	cancel, done := c.stopLoop, c.loopDone
	c.stopLoop, c.loopDone = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushLoop runs the pusher in a loop with backoff
func (c *Client) pushLoop(ctx context.Context) {
	backoff := c.config.BackoffMin
	for {
		wait := c.config.PushInterval

		// Respect pause switch for pushes in background loop
		if atomic.LoadInt32(&c.pushPaused) == 0 && c.engine.PendingOperations() > 0 {
			result, err := c.PushOnce(ctx)
			switch {
			case err != nil, result != nil && result.Outcome() == overqueue.Aborted:
				if ctx.Err() != nil {
					return
				}
				// Exponential backoff on error
				wait = backoff
				backoff = min(backoff*2, c.config.BackoffMax)
				c.logger.Debug("Push failed, backing off", "wait", wait, "error", errors.Join(err, resultErr(result)))
			default:
				// Reset backoff on success
				backoff = c.config.BackoffMin
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func resultErr(result *overqueue.PushResult) error {
	if result == nil {
		return nil
	}
	return result.Err()
}
