// Package resolver decides the next step for a thread by asking an LLM to
// pick exactly one intent from the closed set. Resolution is a pure function
// of the thread's content: the prompt is built only from the trigger and the
// ordered event history, so a freshly deserialized thread resolves the same
// way it would have before suspension.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/threadline/internal/intent"
	"github.com/threadline/internal/retry"
	"github.com/threadline/internal/thread"
)

// Resolver inspects a thread and returns exactly one structured intent.
type Resolver interface {
	Resolve(ctx context.Context, t *thread.Thread) (*intent.Intent, error)
}

// LLMResolver implements Resolver on top of a langchaingo model.
type LLMResolver struct {
	llm         llms.Model
	retryConfig retry.Config
	log         zerolog.Logger
}

// Option configures an LLMResolver.
type Option func(*LLMResolver)

// WithRetryConfig overrides the retry policy for the reasoning call. Retrying
// here is safe: resolution has no side effects.
func WithRetryConfig(cfg retry.Config) Option {
	return func(r *LLMResolver) { r.retryConfig = cfg }
}

// WithLogger attaches a logger to the resolver.
func WithLogger(log zerolog.Logger) Option {
	return func(r *LLMResolver) { r.log = log }
}

// NewLLMResolver wraps a model as a Resolver.
func NewLLMResolver(model llms.Model, opts ...Option) *LLMResolver {
	r := &LLMResolver{
		llm:         model,
		retryConfig: retry.ResolverConfig(),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve builds a prompt from the entire event history, calls the model, and
// parses the response into a validated intent. Unknown intents surface as
// *intent.UnknownIntentError.
func (r *LLMResolver) Resolve(ctx context.Context, t *thread.Thread) (*intent.Intent, error) {
	prompt, err := buildPrompt(t)
	if err != nil {
		return nil, fmt.Errorf("build resolver prompt: %w", err)
	}

	var raw string
	result := retry.WithBackoff(ctx, r.retryConfig, func() error {
		out, callErr := llms.GenerateFromSinglePrompt(ctx, r.llm, prompt)
		if callErr != nil {
			return callErr
		}
		raw = out
		return nil
	})
	if !result.Success {
		return nil, fmt.Errorf("resolver call failed after %d attempts: %w", result.Attempts, result.LastError)
	}

	r.log.Debug().
		Int("attempts", result.Attempts).
		Int("history_len", len(t.Events)).
		Msg("resolver call completed")

	in, err := intent.Parse(raw)
	if err != nil {
		return nil, err
	}

	r.log.Info().
		Str("intent", string(in.Kind)).
		Str("last_event", string(t.Last().Kind)).
		Msg("next step resolved")

	return in, nil
}

// buildPrompt renders the trigger and full ordered history for the model,
// together with the closed intent schema and the ordering rules the resolver
// is responsible for.
func buildPrompt(t *thread.Thread) (string, error) {
	history, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal thread: %w", err)
	}

	var b strings.Builder

	b.WriteString("You are an assistant that manages a work tracker on behalf of a team over email.\n")
	b.WriteString("Given the conversation thread below, decide the single next step and answer with one JSON object and nothing else.\n\n")

	b.WriteString("The JSON object must have an \"intent\" field with exactly one of these values, plus the listed fields:\n")
	b.WriteString("- request_more_information: {\"message\"} - ask the requester a clarifying question\n")
	b.WriteString("- draft_item: {\"title\", \"description\", \"group_id\"} - draft a work item for human approval; never publishes anything\n")
	b.WriteString("- publish_item: {\"title\", \"description\", \"group_id\"} - publish a previously drafted item\n")
	b.WriteString("- assign_item: {\"item_id\", \"assignee_email\"} - assign an existing item\n")
	b.WriteString("- get_item_details: {\"item_id\"}\n")
	b.WriteString("- list_items: {\"from_time\", \"to_time\"} - RFC 3339 timestamps\n")
	b.WriteString("- list_high_priority_items: {}\n")
	b.WriteString("- list_unassigned_items: {}\n")
	b.WriteString("- list_items_by_label: {\"label\"}\n")
	b.WriteString("- list_items_due_by: {\"due_by\"} - a date like 2026-03-01\n")
	b.WriteString("- list_groups: {} - groups are the tracker's teams; use this to find a group_id\n\n")

	b.WriteString("Rules:\n")
	b.WriteString("- Choose publish_item ONLY when the history contains an item_drafted event followed by a human approval (item_publish_approved, or a human_response that clearly approves the draft). Otherwise use draft_item.\n")
	b.WriteString("- When a human denied a draft, revise it using their feedback and draft again.\n")
	b.WriteString("- Query intents (list_*, get_item_details) are for gathering context; their results appear in the history as query_result events.\n")
	b.WriteString("- Base your decision on the entire event history, not just the last event.\n\n")

	b.WriteString("Thread:\n")
	b.Write(history)
	b.WriteString("\n")

	return b.String(), nil
}
