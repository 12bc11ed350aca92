package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
)

// createDeploymentRequest is the JSON body for
// POST /v1/workflows/{id}/deployments.
type createDeploymentRequest struct {
	Entry           string                     `json:"entry"`
	Files           map[string]string          `json:"files"`
	ProviderConfigs map[string]json.RawMessage `json:"provider_configs,omitempty"`
}

type createDeploymentResponse struct {
	Deployment *model.Deployment           `json:"deployment"`
	Triggers   []runtime.TriggerDefinition `json:"triggers"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req createDeploymentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Entry == "" {
		s.writeError(w, http.StatusBadRequest, "entry is required")
		return
	}
	if _, ok := req.Files[req.Entry]; !ok {
		s.writeError(w, http.StatusBadRequest, "entry file missing from files")
		return
	}

	code := runtime.CodeBundle{Entry: req.Entry, Files: req.Files}
	dep, defs, err := s.dispatcher.Deploy(r.Context(), id, code, req.ProviderConfigs)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("create deployment", "workflow_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "deployment failed")
		return
	}

	if defs == nil {
		defs = []runtime.TriggerDefinition{}
	}
	s.writeJSON(w, http.StatusCreated, createDeploymentResponse{Deployment: dep, Triggers: defs})
}
