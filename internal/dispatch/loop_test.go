package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/internal/intent"
	"github.com/threadline/internal/thread"
)

// fakeResolver replays a scripted sequence of intents.
type fakeResolver struct {
	script []*intent.Intent
	errs   []error
	calls  int
	seen   []*thread.Thread
}

func (f *fakeResolver) Resolve(_ context.Context, t *thread.Thread) (*intent.Intent, error) {
	i := f.calls
	f.calls++
	f.seen = append(f.seen, t)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.script) {
		return nil, fmt.Errorf("resolver called %d times, script has %d entries", f.calls, len(f.script))
	}
	return f.script[i], nil
}

// fakeTracker records calls and replies with canned JSON.
type fakeTracker struct {
	calls   []string
	failOn  string
	failErr error
}

func (f *fakeTracker) respond(op string) (json.RawMessage, error) {
	f.calls = append(f.calls, op)
	if f.failOn == op {
		return nil, f.failErr
	}
	return json.RawMessage(fmt.Sprintf(`{"op":%q}`, op)), nil
}

func (f *fakeTracker) CreateItem(_ context.Context, title, description, groupID string) (json.RawMessage, error) {
	return f.respond("create:" + title)
}

func (f *fakeTracker) AssignItem(_ context.Context, itemID, email string) (json.RawMessage, error) {
	return f.respond("assign:" + itemID + ":" + email)
}

func (f *fakeTracker) GetItemDetails(_ context.Context, itemID string) (json.RawMessage, error) {
	return f.respond("details:" + itemID)
}

func (f *fakeTracker) ListItems(_ context.Context, fromTime, toTime string) (json.RawMessage, error) {
	return f.respond("list:" + fromTime + ":" + toTime)
}

func (f *fakeTracker) ListHighPriorityItems(_ context.Context) (json.RawMessage, error) {
	return f.respond("high_priority")
}

func (f *fakeTracker) ListUnassignedItems(_ context.Context) (json.RawMessage, error) {
	return f.respond("unassigned")
}

func (f *fakeTracker) ListItemsByLabel(_ context.Context, label string) (json.RawMessage, error) {
	return f.respond("label:" + label)
}

func (f *fakeTracker) ListItemsDueBy(_ context.Context, date string) (json.RawMessage, error) {
	return f.respond("due:" + date)
}

func (f *fakeTracker) ListGroups(_ context.Context) (json.RawMessage, error) {
	return f.respond("groups")
}

type humanCall struct {
	op     string
	msg    string
	fn     string
	kwargs map[string]any
	state  thread.StateToken
}

// fakeHuman records outgoing clarification and approval requests.
type fakeHuman struct {
	calls []humanCall
	err   error
}

func (f *fakeHuman) RequestClarification(_ context.Context, msg string, state thread.StateToken) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, humanCall{op: "clarify", msg: msg, state: state})
	return nil
}

func (f *fakeHuman) RequestApproval(_ context.Context, fn string, kwargs map[string]any, state thread.StateToken) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, humanCall{op: "approve", fn: fn, kwargs: kwargs, state: state})
	return nil
}

func newTrigger() thread.Trigger {
	return thread.Trigger{
		From:      "pm@example.com",
		To:        []string{"agent@example.com"},
		Subject:   "New landing page",
		Body:      "Please create a task for the landing page redesign.",
		MessageID: "<msg-1@example.com>",
	}
}

func kinds(t *thread.Thread) []string {
	out := make([]string, len(t.Events))
	for i, e := range t.Events {
		out[i] = string(e.Kind)
	}
	return out
}

func TestRunSuspendsOnClarification(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindRequestMoreInformation, Message: "Which team owns this?"},
	}}
	tracker := &fakeTracker{}
	human := &fakeHuman{}
	loop := New(res, tracker, human)

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.NoError(t, err)

	assert.Equal(t, []string{"trigger_received", "clarification_requested"}, kinds(got))
	assert.Empty(t, tracker.calls, "clarification must not touch the tracker")
	require.Len(t, human.calls, 1)
	assert.Equal(t, "clarify", human.calls[0].op)
	assert.Equal(t, "Which team owns this?", human.calls[0].msg)

	// The token must reconstruct exactly the suspended thread.
	back, err := thread.Deserialize(human.calls[0].state)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(got, back))
}

func TestRunDraftSuspendsForApproval(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindDraftItem, Title: "Landing page", Description: "Redesign it", GroupID: "grp-1"},
	}}
	tracker := &fakeTracker{}
	human := &fakeHuman{}
	loop := New(res, tracker, human)

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.NoError(t, err)

	assert.Equal(t, []string{"trigger_received", "item_drafted"}, kinds(got))
	assert.Empty(t, tracker.calls, "drafting must not create anything")
	require.Len(t, human.calls, 1)
	assert.Equal(t, "approve", human.calls[0].op)
	assert.Equal(t, "publish_item", human.calls[0].fn)
	assert.Equal(t, map[string]any{
		"title":       "Landing page",
		"description": "Redesign it",
		"group_id":    "grp-1",
	}, human.calls[0].kwargs)
}

func TestApprovalPublishesExactlyOnce(t *testing.T) {
	// First leg: draft and suspend.
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindDraftItem, Title: "Landing page", Description: "Redesign it", GroupID: "grp-1"},
		{Kind: intent.KindPublishItem, Title: "Landing page", Description: "Redesign it", GroupID: "grp-1"},
	}}
	tracker := &fakeTracker{}
	human := &fakeHuman{}
	loop := New(res, tracker, human)

	_, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.NoError(t, err)
	token := human.calls[0].state

	// Second leg: human approves, the resolver orders the publish.
	got, err := loop.ResumeWithFunctionCall(context.Background(), token, true, "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"trigger_received",
		"item_drafted",
		"item_publish_approved",
		"item_published",
	}, kinds(got))
	assert.Equal(t, []string{"create:Landing page"}, tracker.calls)

	// The published event carries the raw tracker result.
	assert.JSONEq(t, `{"op":"create:Landing page"}`, string(got.Last().Data))

	// Publication is announced and the thread stays resumable.
	require.Len(t, human.calls, 2)
	assert.Equal(t, "clarify", human.calls[1].op)
	assert.Contains(t, human.calls[1].msg, "Landing page")
}

func TestDenialRecordsFeedbackAndContinues(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindDraftItem, Title: "Landing page", Description: "Redesign it"},
		{Kind: intent.KindRequestMoreInformation, Message: "What should change about the draft?"},
	}}
	tracker := &fakeTracker{}
	human := &fakeHuman{}
	loop := New(res, tracker, human)

	_, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.NoError(t, err)
	token := human.calls[0].state

	got, err := loop.ResumeWithFunctionCall(context.Background(), token, false, "wrong team")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"trigger_received",
		"item_drafted",
		"human_response",
		"clarification_requested",
	}, kinds(got))
	assert.Empty(t, tracker.calls, "a denied draft must never be published")

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got.Events[2].Data, &payload))
	assert.Contains(t, payload["message"], "wrong team")

	// The resolver saw the denial before deciding the next step.
	lastSeen := res.seen[len(res.seen)-1]
	assert.Equal(t, thread.EventHumanResponse, lastSeen.Last().Kind)
}

func TestResumeWithHumanResponseAppendsAnswer(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindRequestMoreInformation, Message: "Which team?"},
		{Kind: intent.KindDraftItem, Title: "Landing page", Description: "Redesign it", GroupID: "grp-eng"},
	}}
	loop := New(res, &fakeTracker{}, &fakeHuman{})
	human := loop.human.(*fakeHuman)

	_, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.NoError(t, err)

	got, err := loop.ResumeWithHumanResponse(context.Background(), human.calls[0].state, "Engineering, grp-eng")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"trigger_received",
		"clarification_requested",
		"human_response",
		"item_drafted",
	}, kinds(got))
}

func TestSelfResolvingQueriesThenSuspension(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindListGroups},
		{Kind: intent.KindListItemsByLabel, Label: "web"},
		{Kind: intent.KindDraftItem, Title: "Landing page", Description: "Redesign it", GroupID: "grp-1"},
	}}
	tracker := &fakeTracker{}
	human := &fakeHuman{}
	loop := New(res, tracker, human)

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"trigger_received",
		"query_executed", "query_result",
		"query_executed", "query_result",
		"item_drafted",
	}, kinds(got))
	assert.Equal(t, []string{"groups", "label:web"}, tracker.calls)
	assert.Len(t, human.calls, 1, "a run suspends exactly once")
}

func TestQueryBudgetExceeded(t *testing.T) {
	script := make([]*intent.Intent, 10)
	for i := range script {
		script[i] = &intent.Intent{Kind: intent.KindListGroups}
	}
	tracker := &fakeTracker{}
	loop := New(&fakeResolver{script: script}, tracker, &fakeHuman{}, WithMaxQuerySteps(3))

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 self-resolving steps")
	assert.Len(t, tracker.calls, 3, "the cap bounds tracker traffic")
	// Every executed query and its result are still in the history.
	assert.Equal(t, []string{
		"trigger_received",
		"query_executed", "query_result",
		"query_executed", "query_result",
		"query_executed", "query_result",
	}, kinds(got))
}

func TestQueryFailureIsRecordedNotFabricated(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindListUnassignedItems},
	}}
	boom := errors.New("tracker list_unassigned_items: status 502")
	tracker := &fakeTracker{failOn: "unassigned", failErr: boom}
	loop := New(res, tracker, &fakeHuman{})

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"trigger_received", "query_executed", "query_failed"}, kinds(got))
	var payload map[string]string
	require.NoError(t, json.Unmarshal(got.Last().Data, &payload))
	assert.Contains(t, payload["error"], "502")
}

func TestUnknownIntentHasNoSideEffects(t *testing.T) {
	unknown := &intent.UnknownIntentError{Kind: "delete_everything"}
	res := &fakeResolver{errs: []error{unknown}}
	tracker := &fakeTracker{}
	human := &fakeHuman{}
	loop := New(res, tracker, human)

	start := thread.New(newTrigger())
	got, err := loop.Run(context.Background(), start)

	var uie *intent.UnknownIntentError
	require.ErrorAs(t, err, &uie)
	assert.Equal(t, "delete_everything", uie.Kind)
	assert.Empty(t, tracker.calls)
	assert.Empty(t, human.calls)
	assert.Empty(t, cmp.Diff(start, got), "a failed resolve leaves the thread untouched")
}

func TestPublishFailureLeavesNoPublishedEvent(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindPublishItem, Title: "Landing page", Description: "Redesign it"},
	}}
	boom := errors.New("tracker create_item: status 500")
	tracker := &fakeTracker{failOn: "create:Landing page", failErr: boom}
	loop := New(res, tracker, &fakeHuman{})

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"trigger_received"}, kinds(got),
		"no item_published event without a successful mutation")
}

func TestSuspensionDeliveryFailureDropsTheEvent(t *testing.T) {
	res := &fakeResolver{script: []*intent.Intent{
		{Kind: intent.KindRequestMoreInformation, Message: "Which team?"},
	}}
	human := &fakeHuman{err: errors.New("human contact request_clarification: status 503")}
	loop := New(res, &fakeTracker{}, human)

	got, err := loop.Run(context.Background(), thread.New(newTrigger()))
	require.Error(t, err)
	assert.Equal(t, []string{"trigger_received"}, kinds(got),
		"an undelivered request must not be recorded as sent")
}

func TestResumeRequiresToken(t *testing.T) {
	loop := New(&fakeResolver{}, &fakeTracker{}, &fakeHuman{})

	_, err := loop.ResumeWithHumanResponse(context.Background(), "", "hello")
	assert.ErrorIs(t, err, ErrMissingState)

	_, err = loop.ResumeWithFunctionCall(context.Background(), "", true, "")
	assert.ErrorIs(t, err, ErrMissingState)
}

func TestResumeRejectsMalformedToken(t *testing.T) {
	loop := New(&fakeResolver{}, &fakeTracker{}, &fakeHuman{})

	_, err := loop.ResumeWithHumanResponse(context.Background(), "not-a-token", "hello")
	assert.ErrorIs(t, err, thread.ErrMalformedState)
}
