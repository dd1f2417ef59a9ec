// Package httpapi exposes the daemon's control surface. Clients talk to
// it over the per-account unix socket; the daemon owns all sync state and
// the API is a thin translation layer over the core components.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/directory"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/send"
	"github.com/Phuociter/medichat/internal/status"
	"github.com/Phuociter/medichat/internal/store"
	"github.com/Phuociter/medichat/internal/stream"
	"github.com/Phuociter/medichat/internal/typing"
)

// API wires the sync components to HTTP handlers.
type API struct {
	account  string
	dir      *directory.Directory
	stream   *stream.Synchronizer
	pipeline *send.Pipeline
	notifier *typing.Notifier
	tracker  *typing.Tracker
	machine  *status.Machine
	db       *store.DB
	logger   *zap.Logger
}

// Params collects API construction arguments.
type Params struct {
	Account  string
	Dir      *directory.Directory
	Stream   *stream.Synchronizer
	Pipeline *send.Pipeline
	Notifier *typing.Notifier
	Tracker  *typing.Tracker
	Machine  *status.Machine
	DB       *store.DB
	Logger   *zap.Logger
}

// New creates the API.
func New(p Params) *API {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		account:  p.Account,
		dir:      p.Dir,
		stream:   p.Stream,
		pipeline: p.Pipeline,
		notifier: p.Notifier,
		tracker:  p.Tracker,
		machine:  p.Machine,
		db:       p.DB,
		logger:   logger,
	}
}

// Router builds the HTTP route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/conversations", a.handleListConversations)
		r.Post("/conversations/{id}/open", a.handleOpenConversation)
		r.Get("/conversations/{id}/messages", a.handleListMessages)
		r.Post("/conversations/{id}/read", a.handleMarkRead)
		r.Post("/conversations/{id}/typing", a.handleTyping)
		r.Get("/conversations/{id}/typists", a.handleTypists)
		r.Post("/messages", a.handleSend)
		r.Post("/messages/{id}/retry", a.handleRetry)
		r.Delete("/messages/{id}", a.handleDiscard)
		r.Get("/search", a.handleSearch)
	})
	return r
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"account":             a.account,
		"state":               a.machine.Current(),
		"directory_loaded":    a.dir.Loaded(),
		"active_conversation": a.stream.Active(),
	})
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": a.dir.List(page, size),
		"loaded":        a.dir.Loaded(),
	})
}

// handleOpenConversation activates a conversation: the stream switches to
// it, the first history page loads, and the unread count clears. Opening
// is the only way to make a conversation active.
func (a *API) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.stream.SetActive(id)

	if _, err := a.stream.LoadPage(r.Context(), id, 0); err != nil {
		a.writeUpstreamError(w, "load_failed", err)
		return
	}
	if err := a.dir.MarkRead(r.Context(), id); err != nil {
		// The conversation still opens; the unread badge catches up later.
		a.logger.Warn("mark read on open failed", zap.String("conversation_id", id), zap.Error(err))
	}
	a.writeStream(w)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != a.stream.Active() {
		writeError(w, http.StatusConflict, "not_active", "open the conversation first")
		return
	}

	page := 0
	if v := r.URL.Query().Get("page"); v != "" {
		page, _ = strconv.Atoi(v)
	}
	if page > 0 {
		if _, err := a.stream.LoadPage(r.Context(), id, page); err != nil {
			a.writeUpstreamError(w, "load_failed", err)
			return
		}
	}
	a.writeStream(w)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := a.dir.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeUpstreamError(w, "mark_read_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string             `json:"conversation_id"`
		RecipientID    string             `json:"recipient_id"`
		Body           string             `json:"body"`
		Attachments    []store.Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	provID, err := a.pipeline.Send(send.Request{
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		Body:           req.Body,
		Attachments:    req.Attachments,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_send", err.Error())
		return
	}
	// Sending ends the typing burst immediately.
	if req.ConversationID != "" {
		a.notifier.Stop(req.ConversationID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"provisional_id": provID})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	a.writePipelineResult(w, a.pipeline.Retry(chi.URLParam(r, "id")))
}

func (a *API) handleDiscard(w http.ResponseWriter, r *http.Request) {
	a.writePipelineResult(w, a.pipeline.Discard(chi.URLParam(r, "id")))
}

func (a *API) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if req.Typing {
		a.notifier.Typing(id)
	} else {
		a.notifier.Stop(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTypists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"typists": a.tracker.Typists(chi.URLParam(r, "id")),
	})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing q parameter")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := a.db.SearchMessages(q, r.URL.Query().Get("conversation_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	type hit struct {
		ConversationID string `json:"conversation_id"`
		MsgID          string `json:"msg_id"`
		Body           string `json:"body"`
		Snippet        string `json:"snippet"`
		Timestamp      int64  `json:"timestamp"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{
			ConversationID: res.Message.ConversationID,
			MsgID:          res.Message.MsgID,
			Body:           res.Message.Body,
			Snippet:        res.Snippet,
			Timestamp:      res.Message.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (a *API) writeStream(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": a.stream.Active(),
		"messages":        a.stream.Snapshot(),
		"total_count":     a.stream.TotalCount(),
		"has_more":        a.stream.HasMore(),
	})
}

func (a *API) writePipelineResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, send.ErrUnknownProvisional):
		writeError(w, http.StatusNotFound, "unknown_provisional", err.Error())
	case errors.Is(err, send.ErrNotFailed):
		writeError(w, http.StatusConflict, "not_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// writeUpstreamError maps a portal-server failure onto the local API. A
// server rejection keeps its status; anything else is a bad gateway.
func (a *API) writeUpstreamError(w http.ResponseWriter, code string, err error) {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message)
		return
	}
	if errors.Is(err, stream.ErrNotActive) {
		writeError(w, http.StatusConflict, "not_active", err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, code, err.Error())
}

// pageParams parses page/page_size, falling back to the directory's
// defaults on absent or unusable values.
func pageParams(r *http.Request) (page, size int) {
	size = 50
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	return page, size
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}
