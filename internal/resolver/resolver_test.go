package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/threadline/internal/intent"
	"github.com/threadline/internal/retry"
	"github.com/threadline/internal/thread"
)

// fakeModel scripts the LLM: it returns err until failures runs out, then
// returns response. Prompts are captured for inspection.
type fakeModel struct {
	response string
	err      error
	failures int
	prompts  []string
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}
	if m.failures > 0 {
		m.failures--
		return nil, m.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.response}},
	}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.failures > 0 {
		m.failures--
		return "", m.err
	}
	return m.response, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func printerThread() *thread.Thread {
	return thread.New(thread.Trigger{
		From:    "lisa@coolcompany.com",
		Subject: "printer broken",
		Body:    "the printer on floor 3 is broken",
	})
}

func TestResolveReturnsValidatedIntent(t *testing.T) {
	model := &fakeModel{response: `{"intent":"request_more_information","message":"which printer?"}`}
	r := NewLLMResolver(model, WithRetryConfig(fastRetry()))

	in, err := r.Resolve(context.Background(), printerThread())
	require.NoError(t, err)
	assert.Equal(t, intent.KindRequestMoreInformation, in.Kind)
	assert.Equal(t, "which printer?", in.Message)
}

func TestResolvePromptCarriesFullHistory(t *testing.T) {
	model := &fakeModel{response: `{"intent":"list_groups"}`}
	r := NewLLMResolver(model, WithRetryConfig(fastRetry()))

	th := printerThread().
		Append(thread.EventHumanResponse, thread.Payload(map[string]string{"message": "the HP one in the kitchen"}))

	_, err := r.Resolve(context.Background(), th)
	require.NoError(t, err)

	require.NotEmpty(t, model.prompts)
	prompt := model.prompts[len(model.prompts)-1]
	assert.Contains(t, prompt, "printer broken")
	assert.Contains(t, prompt, "the HP one in the kitchen")
	assert.Contains(t, prompt, string(thread.EventTriggerReceived))
	assert.Contains(t, prompt, string(thread.EventHumanResponse))
}

func TestResolveIsPureFunctionOfSerializedState(t *testing.T) {
	model := &fakeModel{response: `{"intent":"list_groups"}`}
	r := NewLLMResolver(model, WithRetryConfig(fastRetry()))

	th := printerThread().
		Append(thread.EventQueryExecuted, thread.Payload(map[string]string{"intent": "list_groups"}))

	tok, err := thread.Serialize(th)
	require.NoError(t, err)
	restored, err := thread.Deserialize(tok)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), th)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), restored)
	require.NoError(t, err)

	require.Len(t, model.prompts, 2)
	assert.Equal(t, model.prompts[0], model.prompts[1])
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	model := &fakeModel{
		response: `{"intent":"list_groups"}`,
		err:      errors.New("429 too many requests"),
		failures: 2,
	}
	r := NewLLMResolver(model, WithRetryConfig(fastRetry()))

	in, err := r.Resolve(context.Background(), printerThread())
	require.NoError(t, err)
	assert.Equal(t, intent.KindListGroups, in.Kind)
}

func TestResolveSurfacesExhaustedRetries(t *testing.T) {
	model := &fakeModel{
		err:      errors.New("503 service unavailable"),
		failures: 100,
	}
	r := NewLLMResolver(model, WithRetryConfig(fastRetry()))

	_, err := r.Resolve(context.Background(), printerThread())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver call failed")
}

func TestResolvePropagatesUnknownIntent(t *testing.T) {
	model := &fakeModel{response: `{"intent":"order_pizza"}`}
	r := NewLLMResolver(model, WithRetryConfig(fastRetry()))

	_, err := r.Resolve(context.Background(), printerThread())

	var unknown *intent.UnknownIntentError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "order_pizza", unknown.Kind)
}
