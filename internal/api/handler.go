// Package api exposes the playback controller over a small HTTP control
// surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playback"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playerror"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/quality"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/stats"
)

// maxBodySize bounds request bodies.
const maxBodySize = 64 * 1024

// Player is the controller surface the API drives.
type Player interface {
	Load(manifestURL string) (uint64, error)
	Reload() (uint64, error)
	SetQuality(req quality.Request) error
	Snapshot() playback.State
	Summary() stats.SessionSummary
	Dispose()
}

// Resolver maps a catalog video id to a manifest URL.
type Resolver interface {
	ResolveManifest(ctx context.Context, id string) (string, error)
}

// Config holds the handler's collaborators.
type Config struct {
	Player   Player
	Resolver Resolver // nil disables video_id loads
	Gatherer prometheus.Gatherer
	// InstanceID identifies this player process in responses.
	InstanceID string
	Logger     *slog.Logger
}

// Handler serves the control API.
type Handler struct {
	player     Player
	resolver   Resolver
	gatherer   prometheus.Gatherer
	instanceID string
	log        *slog.Logger
}

// NewHandler returns a Handler for cfg.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		player:     cfg.Player,
		resolver:   cfg.Resolver,
		gatherer:   cfg.Gatherer,
		instanceID: cfg.InstanceID,
		log:        cfg.Logger,
	}
}

// Router builds the chi router with the request-id and logging middleware.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(h.log))

	r.Get("/healthz", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/", h.CreateSession)
		r.Delete("/", h.DeleteSession)
		r.Post("/reload", h.ReloadSession)
	})
	r.Get("/stats", h.GetStats)
	r.Get("/qualities", h.GetQualities)
	r.Put("/quality", h.PutQuality)
	return r
}

// sessionResponse is the GET /session body.
type sessionResponse struct {
	InstanceID  string                   `json:"instance_id,omitempty"`
	SessionID   uint64                   `json:"session_id"`
	Status      playback.Status          `json:"status"`
	ManifestURL string                   `json:"manifest_url"`
	Quality     quality.State            `json:"quality"`
	LastError   *playerror.PlaybackError `json:"last_error"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
}

// GetSession handles GET /session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s := h.player.Snapshot()
	resp := sessionResponse{
		InstanceID:  h.instanceID,
		SessionID:   s.SessionID,
		Status:      s.Status,
		ManifestURL: s.ManifestURL,
		Quality:     s.Quality,
		LastError:   s.LastError,
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		resp.StartedAt = &started
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	ManifestURL string `json:"manifest_url"`
	VideoID     string `json:"video_id"`
}

type createSessionResponse struct {
	SessionID   uint64 `json:"session_id"`
	ManifestURL string `json:"manifest_url"`
}

// CreateSession handles POST /session.
// Body: {"manifest_url": "..."} or {"video_id": "..."}.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.log.Debug("session_body_invalid", "error", err)
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	manifestURL := req.ManifestURL
	switch {
	case req.ManifestURL != "" && req.VideoID != "":
		writeError(w, r, http.StatusBadRequest, "manifest_url and video_id are mutually exclusive")
		return
	case req.VideoID != "":
		if h.resolver == nil {
			writeError(w, r, http.StatusBadRequest, "video_id requires a catalog")
			return
		}
		resolved, err := h.resolver.ResolveManifest(r.Context(), req.VideoID)
		if err != nil {
			writeError(w, r, http.StatusBadGateway, err.Error())
			return
		}
		manifestURL = resolved
	case req.ManifestURL == "":
		writeError(w, r, http.StatusBadRequest, "manifest_url or video_id is required")
		return
	}

	id, err := h.player.Load(manifestURL)
	if err != nil {
		h.writeLoadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id, ManifestURL: manifestURL})
}

// ReloadSession handles POST /session/reload.
func (h *Handler) ReloadSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.player.Reload()
	if err != nil {
		h.writeLoadError(w, r, err)
		return
	}
	s := h.player.Snapshot()
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id, ManifestURL: s.ManifestURL})
}

func (h *Handler) writeLoadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, playback.ErrEmptyManifest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, playback.ErrNoActiveSession):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		h.log.Warn("session_load_failed", "error", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
	}
}

// DeleteSession handles DELETE /session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.player.Dispose()
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	SessionID uint64               `json:"session_id"`
	Status    playback.Status      `json:"status"`
	Stats     stats.PlaybackStats  `json:"stats"`
	Summary   stats.SessionSummary `json:"summary"`
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	s := h.player.Snapshot()
	writeJSON(w, http.StatusOK, statsResponse{
		SessionID: s.SessionID,
		Status:    s.Status,
		Stats:     s.Stats,
		Summary:   h.player.Summary(),
	})
}

type qualitiesResponse struct {
	SessionID uint64          `json:"session_id"`
	Levels    []quality.Level `json:"levels"`
	Quality   quality.State   `json:"quality"`
}

// GetQualities handles GET /qualities.
func (h *Handler) GetQualities(w http.ResponseWriter, r *http.Request) {
	s := h.player.Snapshot()
	levels := s.Catalog.Levels
	if levels == nil {
		levels = []quality.Level{}
	}
	writeJSON(w, http.StatusOK, qualitiesResponse{
		SessionID: s.Catalog.SessionID,
		Levels:    levels,
		Quality:   s.Quality,
	})
}

type qualityRequest struct {
	Mode  string `json:"mode"`
	Index *int   `json:"index"`
}

func (q qualityRequest) toRequest() (quality.Request, error) {
	switch q.Mode {
	case "auto":
		return quality.Auto(), nil
	case "manual":
		if q.Index == nil {
			return quality.Request{}, errors.New("manual mode requires index")
		}
		if *q.Index < 0 {
			return quality.Request{}, errors.New("index must not be negative")
		}
		return quality.Manual(*q.Index), nil
	default:
		return quality.Request{}, errors.New(`mode must be "auto" or "manual"`)
	}
}

// PutQuality handles PUT /quality.
// Body: {"mode":"auto"} or {"mode":"manual","index":N}.
func (h *Handler) PutQuality(w http.ResponseWriter, r *http.Request) {
	var body qualityRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.player.SetQuality(req); err != nil {
		switch {
		case errors.Is(err, playback.ErrNoActiveSession):
			writeError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, playback.ErrUnknownIndex):
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		default:
			h.log.Error("quality_set_failed", "request", req.String(), "error", err)
			writeError(w, r, http.StatusBadGateway, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}

// Ready handles GET /ready. It succeeds once a session is Ready or Playing.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	s := h.player.Snapshot()
	w.Header().Set("Content-Type", "text/plain")
	if !s.Status.Active() {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, s.Status.String()+"\n")
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: RequestIDFrom(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
