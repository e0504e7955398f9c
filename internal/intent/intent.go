// Package intent defines the closed set of next-step decisions the resolver
// may produce, with per-kind schema validation. Anything outside the set is an
// UnknownIntentError and never reaches the dispatch loop's branches.
package intent

import (
	"encoding/json"
	"fmt"

	"github.com/threadline/internal/llmjson"
)

// Kind identifies one variant of the closed intent set.
type Kind string

const (
	KindRequestMoreInformation Kind = "request_more_information"
	KindDraftItem              Kind = "draft_item"
	KindPublishItem            Kind = "publish_item"
	KindAssignItem             Kind = "assign_item"
	KindGetItemDetails         Kind = "get_item_details"
	KindListItems              Kind = "list_items"
	KindListHighPriorityItems  Kind = "list_high_priority_items"
	KindListUnassignedItems    Kind = "list_unassigned_items"
	KindListItemsByLabel       Kind = "list_items_by_label"
	KindListItemsDueBy         Kind = "list_items_due_by"
	KindListGroups             Kind = "list_groups"
)

// Intent is one decision produced by the resolver. It is a superset struct:
// Validate enforces which fields each kind requires. Intents are produced
// fresh on every resolution step and stored only inside the event that
// records them.
type Intent struct {
	Kind          Kind   `json:"intent"`
	Message       string `json:"message,omitempty"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	AssigneeEmail string `json:"assignee_email,omitempty"`
	FromTime      string `json:"from_time,omitempty"`
	ToTime        string `json:"to_time,omitempty"`
	Label         string `json:"label,omitempty"`
	DueBy         string `json:"due_by,omitempty"`
}

// UnknownIntentError reports a resolver output outside the closed intent set.
// The dispatch step that received it is abandoned without side effects.
type UnknownIntentError struct {
	Kind string
}

func (e *UnknownIntentError) Error() string {
	return fmt.Sprintf("unknown intent: %q", e.Kind)
}

// Validate checks the intent against its kind's schema.
func (in *Intent) Validate() error {
	switch in.Kind {
	case KindRequestMoreInformation:
		if in.Message == "" {
			return fmt.Errorf("intent %s: message is required", in.Kind)
		}
	case KindDraftItem, KindPublishItem:
		if in.Title == "" {
			return fmt.Errorf("intent %s: title is required", in.Kind)
		}
		if in.Description == "" {
			return fmt.Errorf("intent %s: description is required", in.Kind)
		}
	case KindAssignItem:
		if in.ItemID == "" {
			return fmt.Errorf("intent %s: item_id is required", in.Kind)
		}
		if in.AssigneeEmail == "" {
			return fmt.Errorf("intent %s: assignee_email is required", in.Kind)
		}
	case KindGetItemDetails:
		if in.ItemID == "" {
			return fmt.Errorf("intent %s: item_id is required", in.Kind)
		}
	case KindListItems:
		if in.FromTime == "" || in.ToTime == "" {
			return fmt.Errorf("intent %s: from_time and to_time are required", in.Kind)
		}
	case KindListItemsByLabel:
		if in.Label == "" {
			return fmt.Errorf("intent %s: label is required", in.Kind)
		}
	case KindListItemsDueBy:
		if in.DueBy == "" {
			return fmt.Errorf("intent %s: due_by is required", in.Kind)
		}
	case KindListHighPriorityItems, KindListUnassignedItems, KindListGroups:
		// No parameters.
	default:
		return &UnknownIntentError{Kind: string(in.Kind)}
	}
	return nil
}

// SelfResolving reports whether the intent's side effect is a read-only
// tracker query after which the loop re-resolves without external input.
func (in *Intent) SelfResolving() bool {
	switch in.Kind {
	case KindGetItemDetails, KindListItems, KindListHighPriorityItems,
		KindListUnassignedItems, KindListItemsByLabel, KindListItemsDueBy,
		KindListGroups:
		return true
	}
	return false
}

// Parse turns raw LLM output into a validated intent. The raw text may wrap
// the JSON in prose or markdown fences and the JSON itself may need repair.
func Parse(raw string) (*Intent, error) {
	extracted := llmjson.Extract(raw)
	if extracted == "" {
		return nil, &UnknownIntentError{Kind: truncate(raw, 80)}
	}

	repaired, _, err := llmjson.Repair(extracted)
	if err != nil {
		return nil, fmt.Errorf("intent payload is not valid JSON: %w", err)
	}

	var in Intent
	if err := json.Unmarshal([]byte(repaired), &in); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
