package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
)

// DownloadService is the set of operations exposed over HTTP.
type DownloadService interface {
	List(ctx context.Context) ([]download.Record, error)
	Get(ctx context.Context, path string) (download.Record, error)
	Create(ctx context.Context, path, url string) (download.ActionResponse, error)
	Start(ctx context.Context, path string) (download.ActionResponse, error)
	Resume(ctx context.Context, path string) (download.ActionResponse, error)
	Pause(ctx context.Context, path string) (download.ActionResponse, error)
	Cancel(ctx context.Context, path string) (download.ActionResponse, error)
}

// EventSource streams download changes to subscribers.
type EventSource interface {
	Subscribe() (<-chan download.Record, func())
}

type CreateRequest struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type ActionRequest struct {
	Path string `json:"path"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DownloadHandler struct {
	svc      DownloadService
	events   EventSource
	username string
	password string
}

// NewDownloadHandler creates the downloads API. events may be nil, in which
// case the event stream is not served. Basic auth is enforced when username
// is set.
func NewDownloadHandler(svc DownloadService, events EventSource, username, password string) *DownloadHandler {
	return &DownloadHandler{
		svc:      svc,
		events:   events,
		username: username,
		password: password,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleCreate)
	r.Get("/downloads/item", h.HandleGet)
	r.Post("/downloads/{action}", h.HandleAction)

	if h.events != nil {
		r.Get("/downloads/events", h.HandleEvents)
	}

	return r
}

func (h *DownloadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	if records == nil {
		records = []download.Record{}
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *DownloadHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.Get(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, record)
}

func (h *DownloadHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logctx.LoggerFromContext(r.Context()).Debug("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	resp, err := h.svc.Create(r.Context(), req.Path, req.URL)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleAction dispatches start, resume, pause and cancel.
func (h *DownloadHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var op func(context.Context, string) (download.ActionResponse, error)

	switch action := chi.URLParam(r, "action"); action {
	case "start":
		op = h.svc.Start
	case "resume":
		op = h.svc.Resume
	case "pause":
		op = h.svc.Pause
	case "cancel":
		op = h.svc.Cancel
	default:
		writeJSON(w, r, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown action %s", action)})

		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	resp, err := op(r.Context(), req.Path)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleEvents streams every download change as a server-sent event until the
// client goes away.
func (h *DownloadHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})

		return
	}

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := logctx.LoggerFromContext(r.Context())

	for {
		select {
		case <-r.Context().Done():
			return
		case record, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(record)
			if err != nil {
				logger.Error("failed to marshal event", "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: download\ndata: %s\n\n", data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func (h *DownloadHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		pathErr  *download.PathError
		urlErr   *download.URLError
		notFound *download.NotFoundError
	)

	switch {
	case errors.As(err, &pathErr), errors.As(err, &urlErr):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "err", err)
	}

	writeJSON(w, r, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
