package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"episode-cache/internal/domain"
	"episode-cache/internal/orchestrator"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError maps orchestrator errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrResolutionFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusInsufficientStorage
	case errors.Is(err, orchestrator.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleStart starts a download. Without a videoUrl the episode is resolved first.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var (
		meta *domain.DownloadMetadata
		err  error
	)
	if req.VideoURL == "" {
		meta, err = s.orch.DownloadEpisode(r.Context(), req)
	} else {
		meta, err = s.orch.StartDownload(r.Context(), req)
	}

	switch {
	case errors.Is(err, domain.ErrDownloadActive):
		writeJSON(w, http.StatusConflict, meta)
	case err != nil:
		writeError(w, err)
	case meta.Status == domain.StatusFailed && meta.Error == domain.QuotaMessage:
		writeJSON(w, http.StatusInsufficientStorage, meta)
	default:
		writeJSON(w, http.StatusAccepted, meta)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.orch.ListDownloads(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	meta, err := s.orch.GetDownloadStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if meta == nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	meta, err := s.orch.CancelDownload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteDownload(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ClearAllDownloads(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.orch.StorageUsage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
