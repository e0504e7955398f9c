// Package thread holds the conversation aggregate: an immutable trigger plus
// an append-only event log. A Thread has no identity beyond its content; the
// serialized form IS the durable state carried across suspension boundaries.
package thread

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind tags an entry in a thread's history. The set below is what the
// dispatch loop emits today; unknown kinds written by a newer version still
// round-trip through Serialize/Deserialize untouched.
type EventKind string

const (
	// EventTriggerReceived seeds every thread. Payload: the Trigger.
	EventTriggerReceived EventKind = "trigger_received"

	// EventClarificationRequested records a request_more_information intent.
	// Payload: the intent (message field carries the question).
	EventClarificationRequested EventKind = "clarification_requested"

	// EventItemDrafted records a draft_item intent awaiting human approval.
	// Payload: the intent (title, description, group_id).
	EventItemDrafted EventKind = "item_drafted"

	// EventItemPublishApproved records a human approving a drafted item.
	// Payload: {"approved": true}.
	EventItemPublishApproved EventKind = "item_publish_approved"

	// EventHumanResponse records free-text input from a human, including
	// denial feedback. Payload: {"message": "..."}.
	EventHumanResponse EventKind = "human_response"

	// EventItemPublished records a completed tracker item creation.
	// Payload: the raw tracker response.
	EventItemPublished EventKind = "item_published"

	// EventItemAssigned records a completed tracker assignment.
	// Payload: the raw tracker response.
	EventItemAssigned EventKind = "item_assigned"

	// EventQueryExecuted records a self-resolving read-only intent.
	// Payload: the intent.
	EventQueryExecuted EventKind = "query_executed"

	// EventQueryResult carries the raw result of a tracker query.
	EventQueryResult EventKind = "query_result"

	// EventQueryFailed preserves a failed tracker query in the history
	// without fabricating a result. Payload: {"error": "..."}.
	EventQueryFailed EventKind = "query_failed"
)

// Trigger is the immutable seed of a thread: the inbound email that started
// the conversation. Never mutated after creation.
type Trigger struct {
	From      string   `json:"from_address"`
	To        []string `json:"to_address,omitempty"`
	CC        []string `json:"cc_address,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	MessageID string   `json:"message_id,omitempty"`
	IsTest    bool     `json:"is_test,omitempty"`
}

// Event is one immutable record in a thread's history. Data is opaque to this
// package; each EventKind documents its expected shape.
type Event struct {
	Kind EventKind       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Thread is the unit of conversational state: trigger plus ordered events.
// Treat values as copy-on-append; Append never mutates its receiver.
type Thread struct {
	Trigger Trigger `json:"trigger"`
	Events  []Event `json:"events"`
}

// StateToken is the opaque serialized encoding of a full Thread. Collaborators
// carry it verbatim; only Serialize/Deserialize look inside.
type StateToken string

// ErrMalformedState reports a state token that does not decode to a
// structurally valid thread. Wrapped errors carry the specific failure.
var ErrMalformedState = errors.New("malformed thread state")

// New creates a thread seeded with a trigger_received event. The event log is
// never empty afterwards.
func New(trigger Trigger) *Thread {
	return &Thread{
		Trigger: trigger,
		Events:  []Event{{Kind: EventTriggerReceived, Data: Payload(trigger)}},
	}
}

// Payload marshals a value into an event payload. Unencodable values are
// programmer errors; they are preserved as a JSON string describing the
// failure rather than aborting an append, which must never fail.
func Payload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("unencodable payload: %v", err))
	}
	return b
}

// Append returns a new thread with the event added. The receiver's event
// slice is copied, so threads already serialized or held by other units of
// work are unaffected.
func (t *Thread) Append(kind EventKind, data json.RawMessage) *Thread {
	events := make([]Event, len(t.Events), len(t.Events)+1)
	copy(events, t.Events)
	return &Thread{
		Trigger: t.Trigger,
		Events:  append(events, Event{Kind: kind, Data: data}),
	}
}

// Last returns the most recent event, which tells logging and resume paths
// "what just happened". Intent resolution always reads the whole history.
func (t *Thread) Last() Event {
	if len(t.Events) == 0 {
		return Event{}
	}
	return t.Events[len(t.Events)-1]
}

// Serialize encodes the full thread, trigger and every event payload, into a
// transport-safe opaque token. The encoding is deterministic: the same thread
// always yields the same token.
func Serialize(t *Thread) (StateToken, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("serialize thread: %w", err)
	}
	return StateToken(base64.URLEncoding.EncodeToString(b)), nil
}

// Deserialize is the inverse of Serialize. It fails with an error wrapping
// ErrMalformedState when the token does not decode to a structurally valid
// thread: undecodable bytes, a missing trigger, an empty event log, or an
// event without a kind.
func Deserialize(token StateToken) (*Thread, error) {
	raw, err := base64.URLEncoding.DecodeString(string(token))
	if err != nil {
		return nil, fmt.Errorf("%w: token is not base64: %v", ErrMalformedState, err)
	}

	var t Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: token is not a thread: %v", ErrMalformedState, err)
	}

	if t.Trigger.From == "" {
		return nil, fmt.Errorf("%w: thread has no trigger", ErrMalformedState)
	}
	if len(t.Events) == 0 {
		return nil, fmt.Errorf("%w: thread has no events", ErrMalformedState)
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return nil, fmt.Errorf("%w: event %d has no kind", ErrMalformedState, i)
		}
	}

	return &t, nil
}
