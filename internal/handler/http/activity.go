package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/martinbuergi/summit-portal-claude/internal/activity"
	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/pkg/httputil"
)

// ActivityHandler serves tracking, queue and connectivity endpoints.
type ActivityHandler struct {
	tracker *activity.Tracker
	queue   *activity.Queue
	monitor *activity.Monitor
	hub     *activity.InteractionHub
	logger  *slog.Logger
}

func NewActivityHandler(t *activity.Tracker, q *activity.Queue, m *activity.Monitor, hub *activity.InteractionHub, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{tracker: t, queue: q, monitor: m, hub: hub, logger: logger}
}

// --- Request / response DTOs ---

// PageRequest is the JSON body of POST /v1/pages.
type PageRequest struct {
	URL      string `json:"url" validate:"required,max=2048"`
	Path     string `json:"path" validate:"required,max=2048"`
	Title    string `json:"title" validate:"max=512"`
	Referrer string `json:"referrer" validate:"max=2048"`
}

// TrackRequest is the JSON body of POST /v1/activities.
type TrackRequest struct {
	Type     string         `json:"type" validate:"required,max=64"`
	Metadata map[string]any `json:"metadata"`
}

// DownloadRequest is the JSON body of POST /v1/documents/{documentId}/download.
type DownloadRequest struct {
	Title string `json:"title" validate:"max=512"`
}

// ConnectivityRequest is the JSON body of PUT /v1/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

type trackResponse struct {
	Outcome activity.Outcome `json:"outcome"`
}

type pageResponse struct {
	Initialized bool `json:"initialized"`
}

type interactionResponse struct {
	Delivered int `json:"delivered"`
}

type queueResponse struct {
	Length int                  `json:"length"`
	Events []domain.QueuedEvent `json:"events"`
}

type connectivityResponse struct {
	Online bool `json:"online"`
}

// --- Handlers ---

// PageView handles POST /v1/pages. The first page of a session starts the
// tracker; later pages record a page view.
func (h *ActivityHandler) PageView(w http.ResponseWriter, r *http.Request) {
	var req PageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	ctx := r.Context()
	page := activity.Page{URL: req.URL, Path: req.Path, Title: req.Title, Referrer: req.Referrer}
	if h.tracker.Initialized() {
		h.tracker.TrackPageView(ctx, page)
		httputil.WriteData(w, http.StatusAccepted, pageResponse{Initialized: true})
		return
	}

	httputil.WriteData(w, http.StatusAccepted, pageResponse{Initialized: h.tracker.Init(ctx, page)})
}

// Track handles POST /v1/activities
func (h *ActivityHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	out := h.tracker.Track(r.Context(), req.Type, req.Metadata)
	httputil.WriteData(w, http.StatusAccepted, trackResponse{Outcome: out})
}

// Interaction handles POST /v1/interactions
func (h *ActivityHandler) Interaction(w http.ResponseWriter, r *http.Request) {
	var req activity.Interaction
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	n := h.hub.Publish(r.Context(), req)
	httputil.WriteData(w, http.StatusAccepted, interactionResponse{Delivered: n})
}

// DocumentDownload handles POST /v1/documents/{documentId}/download
func (h *ActivityHandler) DocumentDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	out := h.tracker.TrackDocumentDownload(r.Context(), chi.URLParam(r, "documentId"), req.Title)
	httputil.WriteData(w, http.StatusAccepted, trackResponse{Outcome: out})
}

// GetQueue handles GET /v1/queue
func (h *ActivityHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	events, err := h.queue.PeekAll(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, queueResponse{Length: len(events), Events: events})
}

// FlushQueue handles POST /v1/queue/flush
func (h *ActivityHandler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	httputil.WriteData(w, http.StatusOK, h.tracker.Flush(r.Context()))
}

// SetConnectivity handles PUT /v1/connectivity
func (h *ActivityHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	h.monitor.SetOnline(*req.Online)
	httputil.WriteData(w, http.StatusOK, connectivityResponse{Online: h.monitor.Online()})
}
