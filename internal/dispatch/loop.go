// Package dispatch drives a thread through resolve/act cycles until the next
// suspension point. Self-resolving intents (read-only queries) keep the loop
// going in-process; terminal intents hand the serialized thread to the
// human-interaction service and stop. The loop never finishes on its own:
// every path suspends awaiting external input or fails.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/threadline/internal/intent"
	"github.com/threadline/internal/thread"
)

// ErrMissingState reports a resume request without a state token. There is no
// fallback thread store: the token is the only place state lives.
var ErrMissingState = errors.New("resume request carries no state token")

// DefaultMaxQuerySteps bounds how many self-resolving intents a single unit
// of work will execute before giving up on a resolver stuck in a query loop.
const DefaultMaxQuerySteps = 8

// Tracker is the work-tracker capability the loop depends on. Results are raw
// JSON appended to the history as opaque resolver context.
type Tracker interface {
	CreateItem(ctx context.Context, title, description, groupID string) (json.RawMessage, error)
	AssignItem(ctx context.Context, itemID, email string) (json.RawMessage, error)
	GetItemDetails(ctx context.Context, itemID string) (json.RawMessage, error)
	ListItems(ctx context.Context, fromTime, toTime string) (json.RawMessage, error)
	ListHighPriorityItems(ctx context.Context) (json.RawMessage, error)
	ListUnassignedItems(ctx context.Context) (json.RawMessage, error)
	ListItemsByLabel(ctx context.Context, label string) (json.RawMessage, error)
	ListItemsDueBy(ctx context.Context, date string) (json.RawMessage, error)
	ListGroups(ctx context.Context) (json.RawMessage, error)
}

// HumanContact is the human-interaction capability. Both calls are
// fire-and-continue; answers arrive later as resume requests.
type HumanContact interface {
	RequestClarification(ctx context.Context, msg string, state thread.StateToken) error
	RequestApproval(ctx context.Context, fn string, kwargs map[string]any, state thread.StateToken) error
}

// Resolver produces the next intent for a thread.
type Resolver interface {
	Resolve(ctx context.Context, t *thread.Thread) (*intent.Intent, error)
}

// Loop is the dispatch state machine. Capabilities are explicit dependencies
// so the loop is testable with fakes; there are no ambient clients.
type Loop struct {
	resolver      Resolver
	tracker       Tracker
	human         HumanContact
	maxQuerySteps int
	log           zerolog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxQuerySteps overrides the self-resolving iteration cap.
func WithMaxQuerySteps(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxQuerySteps = n
		}
	}
}

// WithLogger attaches a logger to the loop.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New creates a dispatch loop over the given capabilities.
func New(resolver Resolver, tracker Tracker, human HumanContact, opts ...Option) *Loop {
	l := &Loop{
		resolver:      resolver,
		tracker:       tracker,
		human:         human,
		maxQuerySteps: DefaultMaxQuerySteps,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run advances the thread until it suspends or fails, returning the thread as
// of the suspension point. On error the returned thread is the last state
// whose events all have their side effects; callers must not persist anything
// beyond it. Side effects are never retried here: retry is a caller policy
// and tracker mutations are not idempotent by content alone.
func (l *Loop) Run(ctx context.Context, t *thread.Thread) (*thread.Thread, error) {
	l.log.Info().
		Str("last_event", string(t.Last().Kind)).
		Int("history_len", len(t.Events)).
		Msg("thread received, determining next step")

	for step := 0; ; step++ {
		if step >= l.maxQuerySteps {
			return t, fmt.Errorf("gave up after %d self-resolving steps without a suspension", l.maxQuerySteps)
		}

		in, err := l.resolver.Resolve(ctx, t)
		if err != nil {
			// The step is abandoned; t is untouched and any token issued
			// earlier stays valid for a later resume.
			return t, err
		}

		if in.SelfResolving() {
			next, err := l.runQuery(ctx, t, in)
			if err != nil {
				return next, err
			}
			t = next
			continue
		}

		return l.suspend(ctx, t, in)
	}
}

// runQuery records a self-resolving intent, executes the read-only query, and
// appends its raw result. A failed query is preserved as a query_failed event
// with the error text; no result payload is ever fabricated.
func (l *Loop) runQuery(ctx context.Context, t *thread.Thread, in *intent.Intent) (*thread.Thread, error) {
	l.log.Info().Str("intent", string(in.Kind)).Msg("executing tracker query")

	t = t.Append(thread.EventQueryExecuted, thread.Payload(in))

	result, err := l.query(ctx, in)
	if err != nil {
		t = t.Append(thread.EventQueryFailed, thread.Payload(map[string]string{
			"intent": string(in.Kind),
			"error":  err.Error(),
		}))
		return t, fmt.Errorf("query %s: %w", in.Kind, err)
	}

	return t.Append(thread.EventQueryResult, result), nil
}

func (l *Loop) query(ctx context.Context, in *intent.Intent) (json.RawMessage, error) {
	switch in.Kind {
	case intent.KindGetItemDetails:
		return l.tracker.GetItemDetails(ctx, in.ItemID)
	case intent.KindListItems:
		return l.tracker.ListItems(ctx, in.FromTime, in.ToTime)
	case intent.KindListHighPriorityItems:
		return l.tracker.ListHighPriorityItems(ctx)
	case intent.KindListUnassignedItems:
		return l.tracker.ListUnassignedItems(ctx)
	case intent.KindListItemsByLabel:
		return l.tracker.ListItemsByLabel(ctx, in.Label)
	case intent.KindListItemsDueBy:
		return l.tracker.ListItemsDueBy(ctx, in.DueBy)
	case intent.KindListGroups:
		return l.tracker.ListGroups(ctx)
	}
	return nil, &intent.UnknownIntentError{Kind: string(in.Kind)}
}

// suspend performs a terminal intent's side effect, appends the recording
// event, and hands the serialized thread to the human-interaction service.
// Event appends follow their side effects so a failure never leaves an event
// in the history without the side effect it records.
func (l *Loop) suspend(ctx context.Context, t *thread.Thread, in *intent.Intent) (*thread.Thread, error) {
	switch in.Kind {
	case intent.KindRequestMoreInformation:
		next := t.Append(thread.EventClarificationRequested, thread.Payload(in))
		token, err := thread.Serialize(next)
		if err != nil {
			return t, err
		}
		if err := l.human.RequestClarification(ctx, in.Message, token); err != nil {
			return t, err
		}
		l.log.Info().Str("msg", in.Message).Msg("thread suspended awaiting clarification")
		return next, nil

	case intent.KindDraftItem:
		next := t.Append(thread.EventItemDrafted, thread.Payload(in))
		token, err := thread.Serialize(next)
		if err != nil {
			return t, err
		}
		kwargs := map[string]any{
			"title":       in.Title,
			"description": in.Description,
			"group_id":    in.GroupID,
		}
		if err := l.human.RequestApproval(ctx, "publish_item", kwargs, token); err != nil {
			return t, err
		}
		l.log.Info().Str("title", in.Title).Msg("thread suspended awaiting draft approval")
		return next, nil

	case intent.KindPublishItem:
		// The mutation runs exactly once; it is never retried because item
		// creation is not idempotent by content alone.
		result, err := l.tracker.CreateItem(ctx, in.Title, in.Description, in.GroupID)
		if err != nil {
			return t, err
		}
		next := t.Append(thread.EventItemPublished, result)
		token, err := thread.Serialize(next)
		if err != nil {
			return next, err
		}
		msg := fmt.Sprintf("Published item %q to the tracker.", in.Title)
		if err := l.human.RequestClarification(ctx, msg, token); err != nil {
			return next, err
		}
		l.log.Info().Str("title", in.Title).Msg("item published, thread suspended")
		return next, nil

	case intent.KindAssignItem:
		result, err := l.tracker.AssignItem(ctx, in.ItemID, in.AssigneeEmail)
		if err != nil {
			return t, err
		}
		next := t.Append(thread.EventItemAssigned, result)
		token, err := thread.Serialize(next)
		if err != nil {
			return next, err
		}
		msg := fmt.Sprintf("Assigned item %s to %s.", in.ItemID, in.AssigneeEmail)
		if err := l.human.RequestClarification(ctx, msg, token); err != nil {
			return next, err
		}
		l.log.Info().Str("item_id", in.ItemID).Msg("item assigned, thread suspended")
		return next, nil
	}

	return t, &intent.UnknownIntentError{Kind: string(in.Kind)}
}

// ResumeWithHumanResponse reconstructs a suspended thread from its token,
// appends the human's free-text answer, and re-enters the loop.
func (l *Loop) ResumeWithHumanResponse(ctx context.Context, token thread.StateToken, message string) (*thread.Thread, error) {
	if token == "" {
		return nil, ErrMissingState
	}

	t, err := thread.Deserialize(token)
	if err != nil {
		return nil, err
	}

	t = t.Append(thread.EventHumanResponse, thread.Payload(map[string]string{
		"event_type": "human_response",
		"message":    message,
	}))

	return l.Run(ctx, t)
}

// ResumeWithFunctionCall reconstructs a suspended thread and applies a
// human's approval decision. Approval is recorded and the resolver decides
// the publish step; denial continues the conversation with the feedback.
func (l *Loop) ResumeWithFunctionCall(ctx context.Context, token thread.StateToken, approved bool, comment string) (*thread.Thread, error) {
	if token == "" {
		return nil, ErrMissingState
	}

	t, err := thread.Deserialize(token)
	if err != nil {
		return nil, err
	}

	if approved {
		t = t.Append(thread.EventItemPublishApproved, thread.Payload(map[string]bool{
			"approved": true,
		}))
	} else {
		t = t.Append(thread.EventHumanResponse, thread.Payload(map[string]string{
			"event_type": "human_response",
			"message":    "User denied the draft with feedback: " + comment,
		}))
	}

	return l.Run(ctx, t)
}
