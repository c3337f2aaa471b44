package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/hookwatch/internal/ingest"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/registry"
	"github.com/gyaneshwarpardhi/hookwatch/internal/session"
)

// Deps are the collaborators the HTTP surface is wired to.
type Deps struct {
	Registry  *registry.Registry
	Pipeline  *ingest.Pipeline
	Validator session.Validator
	// Realtime serves the subscriber websocket endpoint.
	Realtime http.Handler
	// Ready reports whether storage is reachable.
	Ready        func(ctx context.Context) error
	Origins      func() []string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	reg      *registry.Registry
	pipeline *ingest.Pipeline
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Origins == nil {
		d.Origins = func() []string { return nil }
	}
	h := &Handler{
		reg:      d.Registry,
		pipeline: d.Pipeline,
		ready:    d.Ready,
		logger:   d.Logger,
		mux:      http.NewServeMux(),
	}
	auth := func(fn http.HandlerFunc) http.Handler { return requireBearer(d.Validator, fn) }
	limit := func(next http.Handler) http.Handler { return bodyLimit(d.MaxBodyBytes, next) }

	// Public, unauthenticated ingestion. The bare form is kept for senders
	// configured against the short URL.
	h.mux.Handle("POST /api/webhook/{token}/{path...}", limit(http.HandlerFunc(h.receiveWebhook)))
	h.mux.Handle("POST /{token}/{path...}", limit(http.HandlerFunc(h.receiveWebhook)))

	h.mux.Handle("GET /api/paths", auth(h.listPaths))
	h.mux.Handle("POST /api/paths", limit(auth(h.createPath)))
	h.mux.Handle("DELETE /api/paths/{id}", auth(h.deletePath))
	h.mux.Handle("GET /api/paths/{id}/data", auth(h.pathData))
	h.mux.Handle("GET /api/paths/{id}/chart", auth(h.pathChart))

	if d.Realtime != nil {
		h.mux.Handle("GET /ws", d.Realtime)
	}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(d.Logger, corsMiddleware(d.Origins, h.mux))
}

// POST /api/webhook/{token}/{path...}: record one inbound webhook.
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	ev, err := h.pipeline.Ingest(r.Context(), ingest.Request{
		Token:       r.PathValue("token"),
		PathKey:     r.PathValue("path"),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		Headers:     flattenHeaders(r.Header),
		SourceIP:    clientIP(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, ev)
}

// GET /api/paths: the caller's paths.
func (h *Handler) listPaths(w http.ResponseWriter, r *http.Request) {
	id, _ := session.FromContext(r.Context())
	paths, err := h.reg.ListPaths(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("list paths", "user_id", id.UserID, "err", err)
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, paths)
}

type createPathRequest struct {
	Path        *string `json:"path"`
	Description *string `json:"description"`
}

// POST /api/paths: register a new path for the caller.
func (h *Handler) createPath(w http.ResponseWriter, r *http.Request) {
	var req createPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Path == nil {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	id, _ := session.FromContext(r.Context())
	p, err := h.reg.CreatePath(r.Context(), id.UserID, *req.Path, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, registry.PathView{Path: p, Base: registry.PublicToken(id.UserID)})
}

// DELETE /api/paths/{id}: remove a path and its recorded events.
func (h *Handler) deletePath(w http.ResponseWriter, r *http.Request) {
	pathID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	id, _ := session.FromContext(r.Context())
	if err := h.reg.DeletePath(r.Context(), id.UserID, pathID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

// GET /api/paths/{id}/data?limit=&skip=: recorded events, newest first.
func (h *Handler) pathData(w http.ResponseWriter, r *http.Request) {
	pathID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	skip, err := queryInt(r, "skip")
	if err != nil {
		writeError(w, http.StatusBadRequest, "skip must be an integer")
		return
	}
	id, _ := session.FromContext(r.Context())
	page, err := h.reg.Events(r.Context(), id.UserID, pathID, limit, skip)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, page)
}

// GET /api/paths/{id}/chart: per-minute delivery counts.
func (h *Handler) pathChart(w http.ResponseWriter, r *http.Request) {
	pathID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	id, _ := session.FromContext(r.Context())
	chart, err := h.reg.Chart(r.Context(), id.UserID, pathID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, chart)
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 when storage cannot be reached.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("readiness check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (objectid.ID, bool) {
	id, err := objectid.FromHex(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path id")
		return objectid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// flattenHeaders keeps the first value of each header under its canonical
// name. Credentials are not recorded.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 || strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Cookie") {
			continue
		}
		out[k] = vs[0]
	}
	return out
}
