package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	mp4ContentType      = "video/mp4"
)

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the call endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/calls/{call_id}", func(r chi.Router) {
		r.Get("/stream", h.Stream)
		r.Post("/leave", h.Leave)
		r.Get("/status", h.Status)
		r.Route("/hls", func(r chi.Router) {
			r.Get("/playlist.m3u8", h.GetPlaylist)
			r.Get("/init.mp4", h.GetInit)
			r.Get("/{segment}", h.GetSegment)
		})
	})
}

func callID(r *http.Request) CallID {
	return CallID(chi.URLParam(r, "call_id"))
}

// Stream handles GET /calls/{call_id}/stream: the init segment followed by
// fragments for as long as the client stays connected.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id := callID(r)
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sink, err := h.svc.OpenStream(id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	defer sink.Close()

	h.log.Info("push consumer connected", slog.String("call_id", string(id)), slog.String("sink_id", sink.ID.String()))

	w.Header().Set("Content-Type", mp4ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info("push consumer disconnected", slog.String("call_id", string(id)), slog.String("sink_id", sink.ID.String()))
			return
		case b, ok := <-sink.C():
			if !ok {
				h.log.Info("push stream closed", slog.String("call_id", string(id)), slog.String("sink_id", sink.ID.String()))
				return
			}
			if _, err := w.Write(b); err != nil {
				h.log.Debug("push write failed", slog.String("call_id", string(id)), slog.String("error", err.Error()))
				return
			}
			_ = rc.Flush()
		}
	}
}

// GetPlaylist handles GET /calls/{call_id}/hls/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := callID(r)
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m3u8, err := h.svc.Playlist(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// GetInit handles GET /calls/{call_id}/hls/init.mp4.
func (h *Handler) GetInit(w http.ResponseWriter, r *http.Request) {
	id := callID(r)
	init, err := h.svc.InitSegment(id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", mp4ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(init)
}

// GetSegment handles GET /calls/{call_id}/hls/{seq}.m4s.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := callID(r)
	seq, ok := parseSegmentName(chi.URLParam(r, "segment"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := h.svc.Segment(r.Context(), id, seq)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", mp4ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Leave handles POST /calls/{call_id}/leave?permanent=bool.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	id := callID(r)
	permanent := false
	if raw := r.URL.Query().Get("permanent"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		permanent = b
	}

	if err := h.svc.Leave(r.Context(), id, permanent); err != nil {
		h.log.Error("leave failed", slog.String("call_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("left call", slog.String("call_id", string(id)), slog.Bool("permanent", permanent))
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /calls/{call_id}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := callID(r)
	status, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]Liveness{"status": status})
}

// writeError maps session and upstream errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, id CallID, err error) {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrSegmentNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		// client went away
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusGatewayTimeout)
	case errors.Is(err, ErrSessionDestroyed), errors.Is(err, ErrLeft), errors.Is(err, ErrIdle):
		w.WriteHeader(http.StatusGone)
	case errors.As(err, &apiErr):
		h.log.Warn("upstream error", slog.String("call_id", string(id)), slog.String("type", apiErr.Type))
		http.Error(w, apiErr.Type, http.StatusBadGateway)
	default:
		h.log.Error("request failed", slog.String("call_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}
