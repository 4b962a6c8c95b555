// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remotetable implements overqueue.RemoteTable over the REST table API served by
// oversync:
//
//	POST   {base}/tables/{table}        insert
//	PUT    {base}/tables/{table}/{id}   replace (If-Match: "<version>")
//	DELETE {base}/tables/{table}/{id}   delete  (If-Match: "<version>")
//
// Calls share one circuit breaker. Client errors (4xx) never trip it; an open breaker fails
// fast with a transport error so the push aborts as a network failure.
package remotetable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mobiletoly/go-overqueue/overqueue"
	"github.com/sony/gobreaker"
)

// Config holds configuration for the remote table provider
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	// Token returns the JWT sent as bearer token; nil sends no Authorization header
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client        // default: 30s timeout
	Breaker *gobreaker.Settings // nil uses DefaultBreakerSettings
	Logger  *slog.Logger        // slog.Default() when nil
}

// DefaultConfig returns a configuration for the server at baseURL
func DefaultConfig(baseURL string, token func(ctx context.Context) (string, error)) *Config {
	return &Config{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// DefaultBreakerSettings opens after 5 consecutive failures, or 60% failures over at least 10 requests
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
	}
}

// Provider hands out RemoteTable clients that share one HTTP client and circuit breaker
type Provider struct {
	baseURL string
	token   func(ctx context.Context) (string, error)
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ overqueue.RemoteProvider = (*Provider)(nil)

// NewProvider creates a provider for the configured server
func NewProvider(config *Config) (*Provider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", config.BaseURL)
	}

	p := &Provider{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    config.HTTP,
		logger:  config.Logger,
	}
	if p.http == nil {
		p.http = &http.Client{Timeout: 30 * time.Second}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	settings := DefaultBreakerSettings("remotetable")
	if config.Breaker != nil {
		settings = *config.Breaker
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		}
	}
	if settings.OnStateChange == nil {
		logger := p.logger
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		}
	}
	p.cb = gobreaker.NewCircuitBreaker(settings)
	return p, nil
}

// Table returns the remote table client for name
func (p *Provider) Table(name string) overqueue.RemoteTable {
	return &table{provider: p, name: name}
}

// BreakerState reports the circuit breaker state ("closed", "half-open" or "open")
func (p *Provider) BreakerState() string {
	return p.cb.State().String()
}

type table struct {
	provider *Provider
	name     string
}

func (t *table) collectionURL() string {
	return t.provider.baseURL + "/tables/" + url.PathEscape(t.name)
}

func (t *table) itemURL(item overqueue.Item) (string, error) {
	id := item.ID()
	if id == "" {
		return "", fmt.Errorf("item has no %q", overqueue.IDProperty)
	}
	return t.collectionURL() + "/" + url.PathEscape(id), nil
}

func (t *table) Insert(ctx context.Context, item overqueue.Item) (overqueue.Item, error) {
	return t.provider.send(ctx, http.MethodPost, t.collectionURL(), item, false)
}

func (t *table) Replace(ctx context.Context, item overqueue.Item) (overqueue.Item, error) {
	u, err := t.itemURL(item)
	if err != nil {
		return nil, err
	}
	return t.provider.send(ctx, http.MethodPut, u, item, true)
}

func (t *table) Delete(ctx context.Context, item overqueue.Item) error {
	u, err := t.itemURL(item)
	if err != nil {
		return err
	}
	_, err = t.provider.send(ctx, http.MethodDelete, u, item, true)
	return err
}

// clientError carries a 4xx failure through the breaker without counting it
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }

func (p *Provider) send(ctx context.Context, method, u string, item overqueue.Item, precondition bool) (overqueue.Item, error) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		result, err := p.do(ctx, method, u, item, precondition)
		var re *overqueue.RemoteError
		if errors.As(err, &re) && re.Status >= 400 && re.Status < 500 {
			return nil, &clientError{err: err}
		}
		return result, err
	})

	var ce *clientError
	if errors.As(err, &ce) {
		return nil, ce.err
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("remote table unavailable: %w", err)
		}
		return nil, err
	}
	result, _ := res.(overqueue.Item)
	return result, nil
}

func (p *Provider) do(ctx context.Context, method, u string, item overqueue.Item, precondition bool) (overqueue.Item, error) {
	var body io.Reader
	if method != http.MethodDelete {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if precondition {
		if version, ok := item.Version(); ok && version != "" {
			req.Header.Set("If-Match", `"`+version+`"`)
		}
	}
	if p.token != nil {
		token, err := p.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWT token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	p.logger.Debug("Remote table call", "method", method, "url", u, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &overqueue.RemoteError{Status: resp.StatusCode, Body: data}
		if server, err := overqueue.ParseItem(data); err == nil && server.ID() != "" {
			re.Item = server
		}
		return nil, re
	}

	result, err := overqueue.ParseItem(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
