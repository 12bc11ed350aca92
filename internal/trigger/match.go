// Package trigger implements filter matching and lifecycle synchronization
// for provider triggers. Matching is one generic loop over declarative
// filters; provider-specific knowledge lives entirely in payload field
// extractors registered per (provider, trigger type).
package trigger

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/tannerhall/conduit/internal/model"
)

// Built-in provider types.
const (
	ProviderChat          = "chat"
	ProviderSourceControl = "source_control"
)

// Built-in trigger types for the built-in providers.
const (
	TypeChatMessage    = "chat.message.created"
	TypeChatReaction   = "chat.reaction.added"
	TypeRepoEvent      = "source_control.repo.event"
	TypeGenericInbound = "webhook.received"
)

// Extractor pulls the named matchable fields out of a raw event payload.
// Fields a payload does not carry are simply absent from the result.
type Extractor func(body json.RawMessage) (map[string]string, error)

// Matches reports whether every filter the trigger declares is satisfied by
// the extracted event fields. An undeclared field is a wildcard; a declared
// filter over a field the event lacks is not satisfied. There is no
// precedence between triggers, so callers evaluate each candidate
// independently.
func Matches(filters []model.Filter, fields map[string]string) bool {
	for _, f := range filters {
		value, ok := fields[f.Field]
		if !ok {
			return false
		}
		switch {
		case f.Equals != "":
			if value != f.Equals {
				return false
			}
		case len(f.AnyOf) > 0:
			if !slices.Contains(f.AnyOf, value) {
				return false
			}
		}
	}
	return true
}

// Registry maps (provider, trigger type) pairs to their field extractors.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry returns a registry pre-populated with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{extractors: map[string]Extractor{}}
	r.Register(ProviderChat, TypeChatMessage, extractChatFields)
	r.Register(ProviderChat, TypeChatReaction, extractChatFields)
	r.Register(ProviderSourceControl, TypeRepoEvent, extractSourceControlFields)
	return r
}

// Register installs an extractor for a provider and trigger type,
// overwriting any previous registration.
func (r *Registry) Register(provider, triggerType string, e Extractor) {
	r.extractors[provider+"/"+triggerType] = e
}

// Evaluate reports whether the trigger's filters match the event body. When
// no extractor is registered for the trigger's provider and type, no fields
// can be evaluated: filterless triggers match everything and filtered
// triggers match nothing.
func (r *Registry) Evaluate(t *model.Trigger, body json.RawMessage) (bool, error) {
	e, ok := r.extractors[t.Provider+"/"+t.TriggerType]
	if !ok {
		return Matches(t.Input.Filters, nil), nil
	}
	fields, err := e(body)
	if err != nil {
		return false, fmt.Errorf("extract %s/%s fields: %w", t.Provider, t.TriggerType, err)
	}
	return Matches(t.Input.Filters, fields), nil
}

// Matchable field names for the chat provider.
const (
	FieldWorkspace = "workspace"
	FieldChannel   = "channel"
	FieldUser      = "user"
	FieldEmoji     = "emoji"
)

// Matchable field names for the source-control provider.
const (
	FieldProject = "project"
	FieldAction  = "action"
)

func extractChatFields(body json.RawMessage) (map[string]string, error) {
	var p struct {
		Workspace string `json:"workspace"`
		TeamID    string `json:"team_id"`
		Channel   string `json:"channel"`
		User      string `json:"user"`
		Reaction  string `json:"reaction"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	fields := map[string]string{}
	if p.Workspace != "" {
		fields[FieldWorkspace] = p.Workspace
	} else if p.TeamID != "" {
		fields[FieldWorkspace] = p.TeamID
	}
	if p.Channel != "" {
		fields[FieldChannel] = p.Channel
	}
	if p.User != "" {
		fields[FieldUser] = p.User
	}
	if p.Reaction != "" {
		fields[FieldEmoji] = p.Reaction
	}
	return fields, nil
}

func extractSourceControlFields(body json.RawMessage) (map[string]string, error) {
	var p struct {
		Project    string `json:"project"`
		Action     string `json:"action"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	fields := map[string]string{}
	if p.Project != "" {
		fields[FieldProject] = p.Project
	} else if p.Repository.FullName != "" {
		fields[FieldProject] = p.Repository.FullName
	}
	if p.Action != "" {
		fields[FieldAction] = p.Action
	}
	return fields, nil
}
