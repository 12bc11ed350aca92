package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
)

// createRuntimeRequest is the JSON body for POST /v1/runtimes. An empty id
// provisions the implicit default runtime.
type createRuntimeRequest struct {
	ID          string `json:"id"`
	ImageDigest string `json:"image_digest"`
}

func (s *Server) handleCreateRuntime(w http.ResponseWriter, r *http.Request) {
	var req createRuntimeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = model.DefaultRuntimeID
	}
	if req.ID != model.DefaultRuntimeID && req.ImageDigest == "" {
		s.writeError(w, http.StatusBadRequest, "image_digest is required for non-default runtimes")
		return
	}

	now := time.Now().UTC()
	rt := &model.Runtime{
		ID:          req.ID,
		Backend:     s.backendName,
		ImageDigest: req.ImageDigest,
		Status:      model.ProvisioningPending,
		LastUsedAt:  now,
		CreatedAt:   now,
	}

	cfg := runtime.Config{RuntimeID: rt.ID, ImageRef: s.resolve(rt)}
	status, err := s.backend.CreateRuntime(r.Context(), cfg)
	if err != nil {
		s.logger.Error("create runtime", "runtime_id", rt.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to provision runtime")
		return
	}
	rt.Status = status

	if err := s.store.PutRuntime(r.Context(), rt); err != nil {
		s.logger.Error("store runtime", "runtime_id", rt.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record runtime")
		return
	}

	s.writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) handleGetRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rt, err := s.store.GetRuntime(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "runtime not found")
		return
	}
	if err != nil {
		s.logger.Error("get runtime", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get runtime")
		return
	}

	status, err := s.backend.GetRuntimeStatus(r.Context(), id)
	if err != nil {
		s.logger.Error("runtime status", "runtime_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to query runtime status")
		return
	}
	if status != rt.Status {
		if err := s.store.UpdateRuntimeStatus(r.Context(), id, status); err != nil {
			s.logger.Error("update runtime status", "runtime_id", id, "error", err)
		}
		rt.Status = status
	}

	s.writeJSON(w, http.StatusOK, rt)
}

func (s *Server) handleDeleteRuntime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rt, err := s.store.GetRuntime(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "runtime not found")
		return
	}
	if err != nil {
		s.logger.Error("get runtime for delete", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get runtime")
		return
	}

	cfg := runtime.Config{RuntimeID: rt.ID, ImageRef: s.resolve(rt)}
	if err := s.backend.DestroyRuntime(r.Context(), cfg); err != nil {
		s.logger.Error("destroy runtime", "runtime_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to destroy runtime")
		return
	}
	if err := s.store.DeleteRuntime(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("delete runtime record", "runtime_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete runtime record")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
