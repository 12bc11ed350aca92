package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
)

// ProviderHooks are the lifecycle callbacks a provider integration supplies.
// The syncer invokes them as it reconciles declared trigger definitions
// against stored triggers.
type ProviderHooks interface {
	// CreateTrigger registers the provider-side resource for a new trigger
	// and returns the correlated state to persist with it.
	CreateTrigger(ctx context.Context, t *model.Trigger) (json.RawMessage, error)

	// DestroyTrigger removes the provider-side resource. An already-absent
	// resource is not an error.
	DestroyTrigger(ctx context.Context, t *model.Trigger) error

	// RefreshTrigger verifies the provider-side resource still exists and
	// returns refreshed state. A missing resource must be reported as an
	// error; the syncer never papers over it.
	RefreshTrigger(ctx context.Context, t *model.Trigger) (json.RawMessage, error)
}

// WebhookPath derives the inbound path for a trigger-owned webhook.
func WebhookPath(triggerID string) string {
	return "/webhook/triggers/" + strings.ToLower(triggerID)
}

// Syncer reconciles the triggers a deployment declares with the triggers
// stored for the workflow.
type Syncer struct {
	store  store.Store
	hooks  map[string]ProviderHooks
	logger *slog.Logger
}

func NewSyncer(st store.Store, logger *slog.Logger) *Syncer {
	return &Syncer{store: st, hooks: map[string]ProviderHooks{}, logger: logger}
}

// RegisterHooks installs lifecycle hooks for a provider type.
func (s *Syncer) RegisterHooks(provider string, h ProviderHooks) {
	s.hooks[provider] = h
}

// Sync diffs the declared definitions against stored triggers for the
// workflow. New definitions are created (with their provider-side resource
// and, for webhook-type triggers, a trigger-owned webhook route), surviving
// triggers are refreshed, and triggers no longer declared are destroyed. A
// refresh failure aborts the sync: a trigger whose provider-side resource
// vanished must not silently keep matching.
func (s *Syncer) Sync(ctx context.Context, workflowID string, declared []runtime.TriggerDefinition) error {
	stored, err := s.store.ListTriggersByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}

	storedByKey := make(map[string]*model.Trigger, len(stored))
	for _, t := range stored {
		storedByKey[triggerKey(t.Provider, t.ProviderAlias, t.TriggerType, t.Input)] = t
	}

	kept := make(map[string]bool, len(declared))
	for _, def := range declared {
		key := triggerKey(def.Provider, def.ProviderAlias, def.TriggerType, def.Input)
		if kept[key] {
			continue
		}
		kept[key] = true

		if existing, ok := storedByKey[key]; ok {
			if err := s.refresh(ctx, existing); err != nil {
				return err
			}
			continue
		}
		if err := s.create(ctx, workflowID, def); err != nil {
			return err
		}
	}

	for key, t := range storedByKey {
		if kept[key] {
			continue
		}
		s.destroy(ctx, t)
	}
	return nil
}

func (s *Syncer) create(ctx context.Context, workflowID string, def runtime.TriggerDefinition) error {
	t := &model.Trigger{
		ID:            model.NewID(),
		WorkflowID:    workflowID,
		Provider:      def.Provider,
		ProviderAlias: def.ProviderAlias,
		TriggerType:   def.TriggerType,
		Input:         def.Input,
		CreatedAt:     time.Now().UTC(),
	}

	if h, ok := s.hooks[t.Provider]; ok {
		state, err := h.CreateTrigger(ctx, t)
		if err != nil {
			return fmt.Errorf("create %s trigger: %w", t.Provider, err)
		}
		t.State = state
	}

	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return fmt.Errorf("store trigger: %w", err)
	}

	if t.TriggerType == model.TriggerTypeWebhook || t.TriggerType == TypeGenericInbound {
		wh := &model.IncomingWebhook{
			Path:      WebhookPath(t.ID),
			Method:    http.MethodPost,
			Owner:     model.WebhookOwnerTrigger,
			TriggerID: t.ID,
		}
		if err := s.store.PutWebhook(ctx, wh); err != nil {
			return fmt.Errorf("register trigger webhook: %w", err)
		}
	}

	s.logger.Info("trigger created", "trigger_id", t.ID, "workflow_id", workflowID, "provider", t.Provider, "type", t.TriggerType)
	return nil
}

func (s *Syncer) refresh(ctx context.Context, t *model.Trigger) error {
	h, ok := s.hooks[t.Provider]
	if !ok {
		return nil
	}
	state, err := h.RefreshTrigger(ctx, t)
	if err != nil {
		return fmt.Errorf("refresh %s trigger %s: %w", t.Provider, t.ID, err)
	}
	if err := s.store.UpdateTriggerState(ctx, t.ID, state); err != nil {
		return fmt.Errorf("update trigger state: %w", err)
	}
	return nil
}

// destroy removes a no-longer-declared trigger. Provider-side teardown
// failures are logged and do not block removal of the stored trigger: the
// declaration is gone, so the trigger must stop matching regardless.
func (s *Syncer) destroy(ctx context.Context, t *model.Trigger) {
	if h, ok := s.hooks[t.Provider]; ok {
		if err := h.DestroyTrigger(ctx, t); err != nil {
			s.logger.Error("provider-side trigger teardown failed", "trigger_id", t.ID, "provider", t.Provider, "error", err)
		}
	}
	if err := s.store.DeleteWebhooksForTrigger(ctx, t.ID); err != nil {
		s.logger.Error("delete trigger webhooks failed", "trigger_id", t.ID, "error", err)
	}
	if err := s.store.DeleteTrigger(ctx, t.ID); err != nil {
		s.logger.Error("delete trigger failed", "trigger_id", t.ID, "error", err)
		return
	}
	s.logger.Info("trigger removed", "trigger_id", t.ID, "provider", t.Provider)
}

func triggerKey(provider, alias, triggerType string, input model.TriggerInput) string {
	raw, _ := json.Marshal(input)
	return provider + "|" + alias + "|" + triggerType + "|" + string(raw)
}
