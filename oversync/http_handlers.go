// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/mobiletoly/go-overqueue/overqueue"
)

const defaultMaxBodyBytes = 4 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// ItemService is the storage behind the table handlers; *TableService implements it
type ItemService interface {
	Get(ctx context.Context, userID, table, id string) (overqueue.Item, error)
	Insert(ctx context.Context, userID, deviceID, table string, item overqueue.Item) (overqueue.Item, error)
	Replace(ctx context.Context, userID, deviceID, table, id, ifMatch string, item overqueue.Item) (overqueue.Item, error)
	Delete(ctx context.Context, userID, deviceID, table, id, ifMatch string) error
	RegisteredTables() []string
	Health(ctx context.Context) error
}

// HTTPTableHandlers provides HTTP handlers for the REST table API
type HTTPTableHandlers struct {
	service       ItemService
	authenticator ClientAuthenticator
	logger        *slog.Logger
	appName       string
	maxBodyBytes  int64
}

// NewHTTPTableHandlers creates a new instance of table handlers
func NewHTTPTableHandlers(service ItemService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPTableHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPTableHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
		maxBodyBytes:  defaultMaxBodyBytes,
	}
	if ts, ok := service.(*TableService); ok && ts.config != nil {
		h.appName = ts.config.AppName
	}
	return h
}

// RegisterRoutes mounts the table API on mux. wrap is applied to every authenticated route.
func (h *HTTPTableHandlers) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /tables/{table}", wrap(http.HandlerFunc(h.HandleInsert)))
	mux.Handle("GET /tables/{table}/{id}", wrap(http.HandlerFunc(h.HandleGet)))
	mux.Handle("PUT /tables/{table}/{id}", wrap(http.HandlerFunc(h.HandleReplace)))
	mux.Handle("DELETE /tables/{table}/{id}", wrap(http.HandlerFunc(h.HandleDelete)))
	mux.HandleFunc("GET /status", h.HandleStatus)
}

// HandleInsert creates an item: POST /tables/{table}
func (h *HTTPTableHandlers) HandleInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}
	userID, deviceID, ok := h.identify(w, r)
	if !ok {
		return
	}
	item, ok := h.readItem(w, r)
	if !ok {
		return
	}

	stored, err := h.service.Insert(r.Context(), userID, deviceID, r.PathValue("table"), item)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeItem(w, http.StatusCreated, stored)
}

// HandleGet returns an item: GET /tables/{table}/{id}
func (h *HTTPTableHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r)
	if !ok {
		return
	}

	item, err := h.service.Get(r.Context(), userID, r.PathValue("table"), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeItem(w, http.StatusOK, item)
}

// HandleReplace overwrites an item: PUT /tables/{table}/{id}
func (h *HTTPTableHandlers) HandleReplace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only PUT method is allowed")
		return
	}
	userID, deviceID, ok := h.identify(w, r)
	if !ok {
		return
	}
	item, ok := h.readItem(w, r)
	if !ok {
		return
	}

	stored, err := h.service.Replace(r.Context(), userID, deviceID,
		r.PathValue("table"), r.PathValue("id"), parseIfMatch(r.Header.Get("If-Match")), item)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeItem(w, http.StatusOK, stored)
}

// HandleDelete removes an item: DELETE /tables/{table}/{id}
func (h *HTTPTableHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only DELETE method is allowed")
		return
	}
	userID, deviceID, ok := h.identify(w, r)
	if !ok {
		return
	}

	err := h.service.Delete(r.Context(), userID, deviceID,
		r.PathValue("table"), r.PathValue("id"), parseIfMatch(r.Header.Get("If-Match")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports service health and the registered tables
func (h *HTTPTableHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:           "healthy",
		AppName:          h.appName,
		RegisteredTables: h.service.RegisteredTables(),
	}
	status := http.StatusOK
	if err := h.service.Health(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *HTTPTableHandlers) identify(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthentication, err.Error())
		return "", "", false
	}
	deviceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthentication, err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPTableHandlers) readItem(w http.ResponseWriter, r *http.Request) (overqueue.Item, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request body too large")
			return nil, false
		}
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to read request body")
		return nil, false
	}
	item, err := overqueue.ParseItem(body)
	if err != nil || item == nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Request body must be a JSON object")
		return nil, false
	}
	return item, true
}

func (h *HTTPTableHandlers) writeServiceError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	var ce *ConflictError
	if errors.As(err, &ce) {
		h.logger.Debug("Write rejected", "status", status, "id", ce.Current.ID())
		h.writeItem(w, status, ce.Current)
		return
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Table request failed", "error", err)
		h.writeError(w, status, code, "Internal server error")
		return
	}
	h.writeError(w, status, code, err.Error())
}

func (h *HTTPTableHandlers) writeItem(w http.ResponseWriter, status int, item overqueue.Item) {
	if version, ok := item.Version(); ok {
		w.Header().Set("ETag", `"`+version+`"`)
	}
	h.writeJSON(w, status, item)
}

func (h *HTTPTableHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPTableHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

// parseIfMatch extracts the version from an If-Match header: `"3"`, `W/"3"` or a bare 3
func parseIfMatch(header string) string {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}
