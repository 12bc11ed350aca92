package model

// Webhook ownership discriminators. A provider-owned webhook fans out to
// every trigger currently registered against its provider; a trigger-owned
// webhook is bound to exactly one trigger.
const (
	WebhookOwnerProvider = "provider"
	WebhookOwnerTrigger  = "trigger"
)

// IncomingWebhook maps a normalized (path, method) key to either a provider
// or a single trigger.
type IncomingWebhook struct {
	Path      string `json:"path"`
	Method    string `json:"method"`
	Owner     string `json:"owner"`
	Provider  string `json:"provider,omitempty"`
	TriggerID string `json:"trigger_id,omitempty"`
}
