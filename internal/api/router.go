// Package api exposes a running tab over HTTP: status, notification
// actions, user gestures and the MCP endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/tabcast/internal/audio"
	authmw "github.com/btouchard/tabcast/internal/mcp/middleware"
	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/store"
	"github.com/btouchard/tabcast/internal/tab"
)

// Tab is what the control API drives.
type Tab interface {
	Status() tab.Status
	Active() []presenter.View
	History(f store.NotificationFilter) ([]store.NotificationRecord, error)
	Click(key string) error
	Dismiss(key string) error
	CloseModal(key string) error
	Acknowledge(key string) error
	ClearUnread()
	Gesture(ctx context.Context, g audio.Gesture) bool
}

// Options configures the router. Secret is required; MCP is mounted at
// /mcp when set.
type Options struct {
	Tab    Tab
	Secret string
	MCP    http.Handler
}

type handler struct {
	tab Tab
}

// NewRouter builds the control API.
func NewRouter(opts Options) http.Handler {
	h := &handler{tab: opts.Tab}

	r := chi.NewRouter()
	r.Use(authmw.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerAuth(opts.Secret))

		r.Get("/status", h.status)
		r.Post("/gesture", h.gesture)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.list)
			r.Post("/read", h.clearUnread)
			r.Post("/{key}/click", h.action(opts.Tab.Click))
			r.Post("/{key}/dismiss", h.action(opts.Tab.Dismiss))
			r.Post("/{key}/close", h.action(opts.Tab.CloseModal))
			r.Post("/{key}/ack", h.action(opts.Tab.Acknowledge))
		})

		if opts.MCP != nil {
			r.Handle("/mcp", opts.MCP)
		}
	})

	return r
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tab.Status())
}

type listResponse struct {
	Unread  int                        `json:"unread"`
	Active  []presenter.View           `json:"active"`
	History []store.NotificationRecord `json:"history,omitempty"`
}

// list returns the notifications waiting for an action. With ?history=1 it
// also returns recorded notifications, filtered by ?unread=1 and ?limit=N.
func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp := listResponse{
		Unread: h.tab.Status().Unread,
		Active: h.tab.Active(),
	}
	if resp.Active == nil {
		resp.Active = []presenter.View{}
	}

	if flag(q.Get("history")) {
		filter := store.NotificationFilter{Unread: flag(q.Get("unread")), Limit: 50}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = n
		}
		records, err := h.tab.History(filter)
		if err != nil {
			slog.Error("listing history failed", "error", err)
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		resp.History = records
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) clearUnread(w http.ResponseWriter, _ *http.Request) {
	h.tab.ClearUnread()
	writeJSON(w, http.StatusOK, map[string]int{"unread": h.tab.Status().Unread})
}

// action adapts a keyed presenter action to a handler. Keys contain
// slashes, so clients send them path-escaped.
func (h *handler) action(fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(chi.URLParam(r, "key"))
		if err != nil || key == "" {
			writeError(w, http.StatusBadRequest, "invalid key")
			return
		}

		if err := fn(key); err != nil {
			switch {
			case errors.Is(err, presenter.ErrUnknown):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, presenter.ErrInvalidAction):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"unread": h.tab.Status().Unread})
	}
}

type gestureRequest struct {
	Gesture audio.Gesture `json:"gesture"`
}

func (h *handler) gesture(w http.ResponseWriter, r *http.Request) {
	var req gestureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !req.Gesture.Qualifies() {
		writeError(w, http.StatusBadRequest, "gesture does not unlock audio: "+string(req.Gesture))
		return
	}

	unlocked := h.tab.Gesture(r.Context(), req.Gesture)
	writeJSON(w, http.StatusOK, map[string]any{
		"unlocked": unlocked,
		"audio":    h.tab.Status().Audio,
	})
}

func flag(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
