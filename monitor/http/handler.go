// Package http provides an HTTP handler for the monitor API using JSON.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/monitor"
	"github.com/rbaliyan/capbus/storage"
)

// Handler implements http.Handler for the monitor API.
//
// Routes:
//
//	GET  /v1/capbus/stats                      - status counts for both tables
//	GET  /v1/capbus/{table}                    - list messages (query params:
//	                                             name, group, status, content,
//	                                             page, page_size)
//	GET  /v1/capbus/{table}/{id}               - fetch one message
//	POST /v1/capbus/{table}/{id}/requeue       - reset a message to Scheduled
//
// where {table} is "published" or "received".
type Handler struct {
	api *monitor.API
	mux *http.ServeMux
}

// New creates the HTTP handler.
func New(api *monitor.API) *Handler {
	h := &Handler{
		api: api,
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("/v1/capbus/stats", h.handleStats)
	h.mux.HandleFunc("/v1/capbus/", h.handleTable)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.api.Stats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, stats)
}

// handleTable routes /v1/capbus/{table}[/{id}[/requeue]].
func (h *Handler) handleTable(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/capbus/")
	parts := strings.SplitN(path, "/", 3)

	table := parts[0]
	if !storage.ValidTable(table) {
		h.writeError(w, http.StatusNotFound, "unknown table")
		return
	}

	switch {
	case len(parts) == 1 || parts[1] == "":
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleList(w, r, table)
	case len(parts) == 3 && parts[2] == "requeue":
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleRequeue(w, r, table, parts[1])
	case len(parts) == 2:
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleGet(w, r, table, parts[1])
	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, table string) {
	page, err := h.api.Messages(r.Context(), table, parseQuery(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, table, id string) {
	item, err := h.api.Message(r.Context(), table, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, item)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request, table, id string) {
	if err := h.api.Requeue(r.Context(), table, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseQuery(r *http.Request) storage.MessageQuery {
	q := storage.MessageQuery{
		Name:    r.URL.Query().Get("name"),
		Group:   r.URL.Query().Get("group"),
		Content: r.URL.Query().Get("content"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := message.Status(s)
		if status.Valid() {
			q.Status = status
		}
	}
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		q.Page = p
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil {
		q.PageSize = n
	}
	return q
}

func (h *Handler) writeResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
