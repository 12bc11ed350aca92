package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tannerhall/conduit/internal/dispatch"
	"github.com/tannerhall/conduit/internal/runtime"
)

const maxBodySize = 1 << 20 // 1 MB

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	payload := runtime.TriggerPayload{
		Method:  r.Method,
		Headers: flattenValues(r.Header),
		Query:   flattenValues(r.URL.Query()),
		Body:    normalizeBody(body),
	}

	res, err := s.dispatcher.HandleWebhook(r.Context(), r.URL.Path, r.Method, payload)
	if errors.Is(err, dispatch.ErrNoWebhook) {
		s.writeError(w, http.StatusNotFound, "no webhook registered for this path and method")
		return
	}
	if err != nil {
		s.logger.Error("dispatch webhook", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to dispatch webhook")
		return
	}
	if res.LimitReached {
		s.writeError(w, http.StatusPaymentRequired, "execution limit reached")
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

// normalizeBody passes JSON bodies through verbatim and wraps anything else
// as a JSON string, so the payload always embeds cleanly in the invocation
// envelope.
func normalizeBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	wrapped, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return wrapped
}

// flattenValues keeps the first value per key, which is what trigger
// matching and user code overwhelmingly want.
func flattenValues(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	flat := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			flat[k] = vs[0]
		}
	}
	return flat
}
