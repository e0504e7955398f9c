package thread

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrigger() Trigger {
	return Trigger{
		From:      "lisa@coolcompany.com",
		To:        []string{"assistant@coolcompany.com"},
		CC:        []string{"team@coolcompany.com"},
		Subject:   "printer broken",
		Body:      "the printer on floor 3 is broken again",
		MessageID: "<msg-123@coolcompany.com>",
	}
}

func TestNewSeedsTriggerEvent(t *testing.T) {
	th := New(sampleTrigger())

	require.Len(t, th.Events, 1)
	assert.Equal(t, EventTriggerReceived, th.Events[0].Kind)

	var got Trigger
	require.NoError(t, json.Unmarshal(th.Events[0].Data, &got))
	assert.Equal(t, sampleTrigger(), got)
}

func TestAppendIsCopyOnWrite(t *testing.T) {
	th := New(sampleTrigger())
	before := len(th.Events)

	next := th.Append(EventHumanResponse, Payload(map[string]string{"message": "which printer?"}))

	// Original is unchanged, new thread has exactly one more event.
	assert.Len(t, th.Events, before)
	require.Len(t, next.Events, before+1)
	assert.Equal(t, th.Events, next.Events[:before])
	assert.Equal(t, EventHumanResponse, next.Last().Kind)
}

func TestAppendDoesNotShareBackingArray(t *testing.T) {
	th := New(sampleTrigger())

	a := th.Append(EventQueryExecuted, Payload("a"))
	b := th.Append(EventQueryResult, Payload("b"))

	assert.Equal(t, EventQueryExecuted, a.Events[1].Kind)
	assert.Equal(t, EventQueryResult, b.Events[1].Kind)
}

func TestSerializeRoundTrip(t *testing.T) {
	th := New(sampleTrigger()).
		Append(EventQueryExecuted, Payload(map[string]string{"intent": "list_groups"})).
		Append(EventQueryResult, json.RawMessage(`{"groups":[{"id":"g1","name":"Ops"}]}`)).
		Append(EventClarificationRequested, Payload(map[string]string{"message": "which printer?"})).
		// Unknown kinds written by a newer version must survive the trip.
		Append(EventKind("escalation_opened"), json.RawMessage(`{"level":2}`))

	tok, err := Serialize(th)
	require.NoError(t, err)

	got, err := Deserialize(tok)
	require.NoError(t, err)

	if diff := cmp.Diff(th, got); diff != "" {
		t.Errorf("round-trip mismatch (-original +restored):\n%s", diff)
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	th := New(sampleTrigger()).Append(EventHumanResponse, Payload(map[string]string{"message": "hi"}))

	tok1, err := Serialize(th)
	require.NoError(t, err)
	tok2, err := Serialize(th)
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
}

func TestDeserializeRejectsMalformedTokens(t *testing.T) {
	valid := New(sampleTrigger())

	cases := []struct {
		name  string
		token StateToken
	}{
		{"not base64", StateToken("%%% not base64 %%%")},
		{"not json", mustToken(t, []byte("plain text"))},
		{"missing trigger", mustMarshalToken(t, &Thread{Events: []Event{{Kind: EventTriggerReceived}}})},
		{"empty events", mustMarshalToken(t, &Thread{Trigger: valid.Trigger})},
		{"event without kind", mustMarshalToken(t, &Thread{
			Trigger: valid.Trigger,
			Events:  []Event{{Kind: "", Data: json.RawMessage(`{}`)}},
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Deserialize(tc.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedState), "expected ErrMalformedState, got %v", err)
		})
	}
}

func TestLastOnEmptyThread(t *testing.T) {
	var th Thread
	assert.Equal(t, Event{}, th.Last())
}

func mustToken(t *testing.T, raw []byte) StateToken {
	t.Helper()
	return StateToken(base64.URLEncoding.EncodeToString(raw))
}

func mustMarshalToken(t *testing.T, th *Thread) StateToken {
	t.Helper()
	b, err := json.Marshal(th)
	require.NoError(t, err)
	return mustToken(t, b)
}
