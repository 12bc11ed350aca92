// sandboxd is a stand-in runtime sandbox for local development. It speaks
// the same protocol as a real runtime image: GET /healthz for the readiness
// probe and POST /execute for envelopes. invoke_trigger envelopes are
// acknowledged immediately and completed through the authenticated callback;
// get_definitions envelopes return a canned declaration.
// Usage: go run ./cmd/sandboxd
package main

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/trigger"
)

const callbackTimeout = 10 * time.Second

type sandbox struct {
	logger *slog.Logger
	client *http.Client
	delay  time.Duration
}

func (s *sandbox) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *sandbox) handleExecute(w http.ResponseWriter, r *http.Request) {
	var env runtime.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	switch env.Type {
	case runtime.EnvelopeInvokeTrigger:
		if env.Context == nil {
			http.Error(w, "missing invocation context", http.StatusBadRequest)
			return
		}
		go s.complete(*env.Context, env.Payload)
		w.WriteHeader(http.StatusAccepted)

	case runtime.EnvelopeGetDefinitions:
		result := runtime.DefinitionsResult{
			Success: true,
			Providers: []runtime.ProviderDefinition{
				{Type: trigger.ProviderChat, Alias: "team"},
			},
			Triggers: []runtime.TriggerDefinition{
				{
					Provider:      trigger.ProviderChat,
					ProviderAlias: "team",
					TriggerType:   trigger.TypeChatMessage,
					Input:         model.TriggerInput{},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			s.logger.Error("encode definitions", "error", err)
		}

	default:
		http.Error(w, "unknown envelope type", http.StatusBadRequest)
	}
}

// complete simulates user code finishing and reports through the callback,
// echoing the trigger payload body as the result.
func (s *sandbox) complete(ic runtime.InvocationContext, payload *runtime.TriggerPayload) {
	time.Sleep(s.delay)

	var echoed json.RawMessage
	if payload != nil {
		echoed = payload.Body
	}
	body, err := json.Marshal(map[string]any{
		"execution_id": ic.ExecutionID,
		"success":      true,
		"result":       echoed,
		"logs":         []string{"sandbox: received trigger", "sandbox: done"},
	})
	if err != nil {
		s.logger.Error("marshal callback", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, ic.CallbackURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("build callback request", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+ic.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("callback failed", "execution_id", ic.ExecutionID, "error", err)
		return
	}
	resp.Body.Close()
	s.logger.Info("callback delivered", "execution_id", ic.ExecutionID, "status", resp.StatusCode)
}

func main() {
	addr := ":8787"
	if v := os.Getenv("SANDBOXD_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := &sandbox{
		logger: logger,
		client: &http.Client{Timeout: callbackTimeout},
		delay:  500 * time.Millisecond,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /execute", s.handleExecute)

	logger.Info("sandboxd: starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
