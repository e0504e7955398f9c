// Package humanloop talks to the human-interaction service. Requests are
// fire-and-continue: the human's answer arrives later through the resume
// webhook, never as a return value here. Every outgoing request carries the
// serialized thread state so the service is the only place state lives while
// a thread is suspended.
package humanloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/threadline/internal/thread"
)

// RequestError reports a failed call to the human-interaction service.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("humanloop %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("humanloop %s failed: %s", e.Op, e.Message)
}

// Client posts human-contact and approval requests.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a humanloop client for the given service endpoint.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type humanContactSpec struct {
	Msg   string            `json:"msg"`
	State thread.StateToken `json:"state"`
}

type functionCallSpec struct {
	Fn     string            `json:"fn"`
	Kwargs map[string]any    `json:"kwargs"`
	State  thread.StateToken `json:"state"`
}

// RequestClarification asks a human a free-text question. The state token is
// passed through opaque and returned verbatim with their answer.
func (c *Client) RequestClarification(ctx context.Context, msg string, state thread.StateToken) error {
	return c.post(ctx, "requestClarification", "/human-contacts", map[string]any{
		"spec": humanContactSpec{Msg: msg, State: state},
	})
}

// RequestApproval asks a human to approve or deny a pending function call
// (for example publishing a drafted item). kwargs describe the call for
// display; the state token rides along opaque.
func (c *Client) RequestApproval(ctx context.Context, fn string, kwargs map[string]any, state thread.StateToken) error {
	return c.post(ctx, "requestApproval", "/function-calls", map[string]any{
		"spec": functionCallSpec{Fn: fn, Kwargs: kwargs, State: state},
	})
}

func (c *Client) post(ctx context.Context, op, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return nil
}
