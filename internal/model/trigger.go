package model

import (
	"encoding/json"
	"time"
)

// Trigger type discriminators.
const (
	TriggerTypeWebhook  = "webhook"
	TriggerTypeEvent    = "event"
	TriggerTypeSchedule = "schedule"
)

// Filter is one declarative predicate over a named event field. A trigger
// matches an event iff every filter it declares is satisfied; an undeclared
// field is a wildcard. Equals and AnyOf are mutually exclusive.
type Filter struct {
	Field  string   `json:"field"`
	Equals string   `json:"equals,omitempty"`
	AnyOf  []string `json:"any_of,omitempty"`
}

// TriggerInput is the validated structured input a trigger was configured
// with: its filters plus any free-form provider configuration.
type TriggerInput struct {
	Filters []Filter        `json:"filters,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Trigger binds a provider event type to a workflow. State carries
// provider-correlated data such as an external webhook identifier or a sync
// cursor; it must be reconciled via a refresh before matching logic trusts it.
type Trigger struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Provider      string          `json:"provider"`
	ProviderAlias string          `json:"provider_alias"`
	TriggerType   string          `json:"trigger_type"`
	Input         TriggerInput    `json:"input"`
	State         json.RawMessage `json:"state,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
