package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tannerhall/conduit/internal/auth"
	"github.com/tannerhall/conduit/internal/dispatch"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
)

// runWorkflowRequest is the JSON body for POST /v1/workflows/{id}/run. The
// input is handed to user code as the trigger payload body.
type runWorkflowRequest struct {
	Input json.RawMessage `json:"input"`
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runWorkflowRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	// An empty body is a valid manual run with no input.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	payload := runtime.TriggerPayload{Method: r.Method, Path: r.URL.Path, Body: req.Input}
	e, err := s.dispatcher.RunManual(r.Context(), id, payload)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if errors.Is(err, dispatch.ErrLimitReached) {
		s.writeError(w, http.StatusPaymentRequired, "execution limit reached")
		return
	}
	if err != nil {
		s.logger.Error("manual run", "workflow_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run workflow")
		return
	}

	s.writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleInvocationCallback(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req dispatch.CallbackRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ExecutionID == "" {
		s.writeError(w, http.StatusBadRequest, "execution_id is required")
		return
	}

	err := s.dispatcher.Callback(r.Context(), token, req)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		// Deliberately the same response for every verification failure.
		s.writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "execution already finished")
	case err != nil:
		s.logger.Error("invocation callback", "execution_id", req.ExecutionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record result")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
